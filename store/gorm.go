package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardbot/steward/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EscalationRow struct {
	GuildID        string `gorm:"primaryKey"`
	UserID         string `gorm:"primaryKey"`
	Score          float64
	ScoreAt        time.Time
	Sanction       string
	SanctionExpiry time.Time
	Version        int64
	// not named UpdatedAt, so gorm leaves it alone
	Modified time.Time `gorm:"column:modified_at"`
}

func (EscalationRow) TableName() string { return "escalation_states" }

type SurveyRow struct {
	ID          string `gorm:"primaryKey"`
	GuildID     string `gorm:"index"`
	Title       string
	Description string
	Questions   string
	CreatorID   string
	Active      bool
	Created     time.Time `gorm:"column:created_at"`
	ExpiresAt   *time.Time
}

func (SurveyRow) TableName() string { return "surveys" }

type SessionRow struct {
	ID             string `gorm:"primaryKey"`
	SurveyID       string `gorm:"index:idx_session_respondent"`
	RespondentID   string `gorm:"index:idx_session_respondent"`
	GuildID        string
	Position       int
	Answers        string
	State          string    `gorm:"index"`
	StartedAt      time.Time
	LastActivityAt time.Time `gorm:"index"`
	Version        int64
}

func (SessionRow) TableName() string { return "survey_sessions" }

type ResponseRow struct {
	SessionID    string `gorm:"primaryKey"`
	SurveyID     string `gorm:"index:idx_response_respondent"`
	RespondentID string `gorm:"index:idx_response_respondent"`
	Answers      string
	CompletedAt  time.Time
}

func (ResponseRow) TableName() string { return "response_records" }

type ModerationRow struct {
	ID        string `gorm:"primaryKey"`
	GuildID   string `gorm:"index:idx_modlog_user,priority:1"`
	UserID    string `gorm:"index:idx_modlog_user,priority:2"`
	Kind      string
	ChannelID string
	MessageID string
	RuleID    string
	Severity  float64
	Reason    string
	ActorID   string
	Duration  time.Duration
	CreatedAt time.Time `gorm:"index:idx_modlog_user,priority:3"`
}

func (ModerationRow) TableName() string { return "moderation_log" }

// GormStore persists state in sqlite or postgres. Optimistic versioning is done with a conditional
// UPDATE on the version column.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&EscalationRow{}, &SurveyRow{}, &SessionRow{}, &ResponseRow{}, &ModerationRow{}); err != nil {
		return nil, fmt.Errorf("migrating store tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) GetEscalationState(ctx context.Context, guildID, userID string) (*models.EscalationState, error) {
	var row EscalationRow
	if err := s.db.WithContext(ctx).Where("guild_id = ? AND user_id = ?", guildID, userID).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	sanction, err := models.ParseSanction(row.Sanction)
	if err != nil {
		return nil, err
	}
	return &models.EscalationState{
		GuildID:        row.GuildID,
		UserID:         row.UserID,
		Score:          row.Score,
		ScoreAt:        row.ScoreAt,
		Sanction:       sanction,
		SanctionExpiry: row.SanctionExpiry,
		Version:        row.Version,
		UpdatedAt:      row.Modified,
	}, nil
}

func (s *GormStore) PutEscalationState(ctx context.Context, state *models.EscalationState, expectedVersion int64) error {
	row := EscalationRow{
		GuildID:        state.GuildID,
		UserID:         state.UserID,
		Score:          state.Score,
		ScoreAt:        state.ScoreAt,
		Sanction:       state.Sanction.String(),
		SanctionExpiry: state.SanctionExpiry,
		Version:        expectedVersion + 1,
		Modified:       state.UpdatedAt,
	}
	if expectedVersion == 0 {
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return err
		}
		state.Version = row.Version
		return nil
	}
	res := s.db.WithContext(ctx).Model(&EscalationRow{}).
		Where("guild_id = ? AND user_id = ? AND version = ?", state.GuildID, state.UserID, expectedVersion).
		Updates(map[string]any{
			"score":           row.Score,
			"score_at":        row.ScoreAt,
			"sanction":        row.Sanction,
			"sanction_expiry": row.SanctionExpiry,
			"version":         row.Version,
			"modified_at":     row.Modified,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	state.Version = row.Version
	return nil
}

func surveyFromRow(row *SurveyRow) (*models.SurveyDefinition, error) {
	var qs []models.Question
	if err := json.Unmarshal([]byte(row.Questions), &qs); err != nil {
		return nil, fmt.Errorf("decoding questions of survey %s: %w", row.ID, err)
	}
	return &models.SurveyDefinition{
		ID:          row.ID,
		GuildID:     row.GuildID,
		Title:       row.Title,
		Description: row.Description,
		Questions:   qs,
		CreatorID:   row.CreatorID,
		Active:      row.Active,
		CreatedAt:   row.Created,
		ExpiresAt:   row.ExpiresAt,
	}, nil
}

func (s *GormStore) GetSurvey(ctx context.Context, surveyID string) (*models.SurveyDefinition, error) {
	var row SurveyRow
	if err := s.db.WithContext(ctx).Where("id = ?", surveyID).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return surveyFromRow(&row)
}

func (s *GormStore) PutSurvey(ctx context.Context, def *models.SurveyDefinition) error {
	qs, err := json.Marshal(def.Questions)
	if err != nil {
		return err
	}
	row := SurveyRow{
		ID:          def.ID,
		GuildID:     def.GuildID,
		Title:       def.Title,
		Description: def.Description,
		Questions:   string(qs),
		CreatorID:   def.CreatorID,
		Active:      def.Active,
		Created:     def.CreatedAt,
		ExpiresAt:   def.ExpiresAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStore) ListSurveys(ctx context.Context, guildID string, activeOnly bool) ([]models.SurveyDefinition, error) {
	q := s.db.WithContext(ctx).Model(&SurveyRow{})
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []SurveyRow
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.SurveyDefinition, 0, len(rows))
	for i := range rows {
		def, err := surveyFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, nil
}

func decodeAnswers(raw string) ([]string, error) {
	var answers []string
	if raw == "" {
		return answers, nil
	}
	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		return nil, fmt.Errorf("decoding answers: %w", err)
	}
	return answers, nil
}

func encodeAnswers(answers []string) (string, error) {
	if answers == nil {
		answers = []string{}
	}
	b, err := json.Marshal(answers)
	return string(b), err
}

func sessionFromRow(row *SessionRow) (*models.SurveySession, error) {
	answers, err := decodeAnswers(row.Answers)
	if err != nil {
		return nil, err
	}
	state, err := models.ParseSessionState(row.State)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", row.ID, err)
	}
	return &models.SurveySession{
		ID:             row.ID,
		SurveyID:       row.SurveyID,
		GuildID:        row.GuildID,
		RespondentID:   row.RespondentID,
		Index:          row.Position,
		Answers:        answers,
		State:          state,
		StartedAt:      row.StartedAt,
		LastActivityAt: row.LastActivityAt,
		Version:        row.Version,
	}, nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (*models.SurveySession, error) {
	var row SessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return sessionFromRow(&row)
}

func (s *GormStore) PutSession(ctx context.Context, sess *models.SurveySession, expectedVersion int64) error {
	answers, err := encodeAnswers(sess.Answers)
	if err != nil {
		return err
	}
	row := SessionRow{
		ID:             sess.ID,
		SurveyID:       sess.SurveyID,
		RespondentID:   sess.RespondentID,
		GuildID:        sess.GuildID,
		Position:       sess.Index,
		Answers:        answers,
		State:          string(sess.State),
		StartedAt:      sess.StartedAt,
		LastActivityAt: sess.LastActivityAt,
		Version:        expectedVersion + 1,
	}
	if expectedVersion == 0 {
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return err
		}
		sess.Version = row.Version
		return nil
	}
	res := s.db.WithContext(ctx).Model(&SessionRow{}).
		Where("id = ? AND version = ?", sess.ID, expectedVersion).
		Updates(map[string]any{
			"position":         row.Position,
			"answers":          row.Answers,
			"state":            row.State,
			"last_activity_at": row.LastActivityAt,
			"version":          row.Version,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	sess.Version = row.Version
	return nil
}

var openStates = []string{string(models.SessionCreated), string(models.SessionInProgress)}

func (s *GormStore) FindOpenSession(ctx context.Context, surveyID, respondentID string) (*models.SurveySession, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).
		Where("survey_id = ? AND respondent_id = ? AND state IN ?", surveyID, respondentID, openStates).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	return sessionFromRow(&row)
}

func (s *GormStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]models.SurveySession, error) {
	var rows []SessionRow
	err := s.db.WithContext(ctx).
		Where("state IN ? AND last_activity_at < ?", openStates, cutoff).
		Order("last_activity_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.SurveySession, 0, len(rows))
	for i := range rows {
		sess, err := sessionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, nil
}

func (s *GormStore) AppendResponseRecord(ctx context.Context, rec *models.ResponseRecord) error {
	answers, err := encodeAnswers(rec.Answers)
	if err != nil {
		return err
	}
	row := ResponseRow{
		SessionID:    rec.SessionID,
		SurveyID:     rec.SurveyID,
		RespondentID: rec.RespondentID,
		Answers:      answers,
		CompletedAt:  rec.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrRecordExists
		}
		return err
	}
	return nil
}

func (s *GormStore) GetResponseRecord(ctx context.Context, sessionID string) (*models.ResponseRecord, error) {
	var row ResponseRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	answers, err := decodeAnswers(row.Answers)
	if err != nil {
		return nil, err
	}
	return &models.ResponseRecord{
		SessionID:    row.SessionID,
		SurveyID:     row.SurveyID,
		RespondentID: row.RespondentID,
		Answers:      answers,
		CompletedAt:  row.CompletedAt,
	}, nil
}

func (s *GormStore) ListResponseRecords(ctx context.Context, surveyID string) ([]models.ResponseRecord, error) {
	var rows []ResponseRow
	err := s.db.WithContext(ctx).
		Where("survey_id = ?", surveyID).
		Order("completed_at ASC, session_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.ResponseRecord, 0, len(rows))
	for _, row := range rows {
		answers, err := decodeAnswers(row.Answers)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ResponseRecord{
			SessionID:    row.SessionID,
			SurveyID:     row.SurveyID,
			RespondentID: row.RespondentID,
			Answers:      answers,
			CompletedAt:  row.CompletedAt,
		})
	}
	return out, nil
}

func (s *GormStore) HasResponded(ctx context.Context, surveyID, respondentID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ResponseRow{}).
		Where("survey_id = ? AND respondent_id = ?", surveyID, respondentID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) AppendModerationEntries(ctx context.Context, entries []models.ModerationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]ModerationRow, len(entries))
	for i, e := range entries {
		rows[i] = ModerationRow{
			ID:        e.ID,
			GuildID:   e.GuildID,
			UserID:    e.UserID,
			Kind:      string(e.Kind),
			ChannelID: e.ChannelID,
			MessageID: e.MessageID,
			RuleID:    e.RuleID,
			Severity:  e.Severity,
			Reason:    e.Reason,
			ActorID:   e.ActorID,
			Duration:  e.Duration,
			CreatedAt: e.CreatedAt,
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (s *GormStore) ListModerationEntries(ctx context.Context, guildID, userID string, limit int) ([]models.ModerationEntry, error) {
	var rows []ModerationRow
	q := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ModerationEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.ModerationEntry{
			ID:        row.ID,
			GuildID:   row.GuildID,
			UserID:    row.UserID,
			Kind:      models.ModerationKind(row.Kind),
			ChannelID: row.ChannelID,
			MessageID: row.MessageID,
			RuleID:    row.RuleID,
			Severity:  row.Severity,
			Reason:    row.Reason,
			ActorID:   row.ActorID,
			Duration:  row.Duration,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}
