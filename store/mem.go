package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/stewardbot/steward/models"
)

// MemStore keeps everything in process memory. Values are copied on the way in and out, so callers can
// not mutate stored state behind the store's back.
type MemStore struct {
	mu         sync.Mutex
	escalation map[string]models.EscalationState
	surveys    map[string]models.SurveyDefinition
	sessions   map[string]models.SurveySession
	responses  map[string]models.ResponseRecord
	modlog     map[string][]models.ModerationEntry
	modlogIDs  map[string]bool
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		escalation: make(map[string]models.EscalationState),
		surveys:    make(map[string]models.SurveyDefinition),
		sessions:   make(map[string]models.SurveySession),
		responses:  make(map[string]models.ResponseRecord),
		modlog:     make(map[string][]models.ModerationEntry),
		modlogIDs:  make(map[string]bool),
	}
}

func escalationKey(guildID, userID string) string {
	return guildID + "/" + userID
}

func (s *MemStore) GetEscalationState(ctx context.Context, guildID, userID string) (*models.EscalationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.escalation[escalationKey(guildID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *MemStore) PutEscalationState(ctx context.Context, state *models.EscalationState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := escalationKey(state.GuildID, state.UserID)
	cur, ok := s.escalation[k]
	if (!ok && expectedVersion != 0) || (ok && cur.Version != expectedVersion) {
		return ErrConflict
	}
	state.Version = expectedVersion + 1
	s.escalation[k] = *state
	return nil
}

func copySurvey(def models.SurveyDefinition) models.SurveyDefinition {
	qs := make([]models.Question, len(def.Questions))
	for i, q := range def.Questions {
		q.Options = slices.Clone(q.Options)
		qs[i] = q
	}
	def.Questions = qs
	if def.ExpiresAt != nil {
		t := *def.ExpiresAt
		def.ExpiresAt = &t
	}
	return def
}

func (s *MemStore) GetSurvey(ctx context.Context, surveyID string) (*models.SurveyDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.surveys[surveyID]
	if !ok {
		return nil, ErrNotFound
	}
	out := copySurvey(def)
	return &out, nil
}

func (s *MemStore) PutSurvey(ctx context.Context, def *models.SurveyDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surveys[def.ID] = copySurvey(*def)
	return nil
}

func (s *MemStore) ListSurveys(ctx context.Context, guildID string, activeOnly bool) ([]models.SurveyDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SurveyDefinition
	for _, def := range s.surveys {
		if guildID != "" && def.GuildID != guildID {
			continue
		}
		if activeOnly && !def.Active {
			continue
		}
		out = append(out, copySurvey(def))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) GetSession(ctx context.Context, sessionID string) (*models.SurveySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	sess.Answers = slices.Clone(sess.Answers)
	return &sess, nil
}

func (s *MemStore) PutSession(ctx context.Context, sess *models.SurveySession, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if (!ok && expectedVersion != 0) || (ok && cur.Version != expectedVersion) {
		return ErrConflict
	}
	sess.Version = expectedVersion + 1
	stored := *sess
	stored.Answers = slices.Clone(sess.Answers)
	s.sessions[sess.ID] = stored
	return nil
}

func (s *MemStore) FindOpenSession(ctx context.Context, surveyID, respondentID string) (*models.SurveySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.SurveyID == surveyID && sess.RespondentID == respondentID && !sess.State.Terminal() {
			sess.Answers = slices.Clone(sess.Answers)
			return &sess, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]models.SurveySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SurveySession
	for _, sess := range s.sessions {
		if sess.State.Terminal() || !sess.LastActivityAt.Before(cutoff) {
			continue
		}
		sess.Answers = slices.Clone(sess.Answers)
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

func (s *MemStore) AppendResponseRecord(ctx context.Context, rec *models.ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[rec.SessionID]; ok {
		return ErrRecordExists
	}
	stored := *rec
	stored.Answers = slices.Clone(rec.Answers)
	s.responses[rec.SessionID] = stored
	return nil
}

func (s *MemStore) GetResponseRecord(ctx context.Context, sessionID string) (*models.ResponseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.responses[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Answers = slices.Clone(rec.Answers)
	return &rec, nil
}

func (s *MemStore) ListResponseRecords(ctx context.Context, surveyID string) ([]models.ResponseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ResponseRecord
	for _, rec := range s.responses {
		if rec.SurveyID != surveyID {
			continue
		}
		rec.Answers = slices.Clone(rec.Answers)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.Before(out[j].CompletedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (s *MemStore) HasResponded(ctx context.Context, surveyID, respondentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.responses {
		if rec.SurveyID == surveyID && rec.RespondentID == respondentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) AppendModerationEntries(ctx context.Context, entries []models.ModerationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if s.modlogIDs[e.ID] {
			continue
		}
		s.modlogIDs[e.ID] = true
		k := escalationKey(e.GuildID, e.UserID)
		s.modlog[k] = append(s.modlog[k], e)
	}
	return nil
}

func (s *MemStore) ListModerationEntries(ctx context.Context, guildID, userID string, limit int) ([]models.ModerationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.modlog[escalationKey(guildID, userID)]
	out := make([]models.ModerationEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
