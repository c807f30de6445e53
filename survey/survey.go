// Structured multi-question surveys, answered one question at a time.
//
// A survey definition is created inactive, then activated to accept respondents and closed to stop. Each respondent gets at most one session in progress per survey. A session moves forward one answer at a time, and ends exactly once: completed (with its response record written), abandoned by an administrator, or expired after a period of inactivity.
//
// All changes to a session happen under a per-session lock, and session creation under a per-(survey, respondent) lock, so concurrent commands from the same respondent are applied one after another.
package survey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardbot/steward/cachestore"
	"github.com/stewardbot/steward/config"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/store"
	"github.com/stewardbot/steward/util/keyed"
)

const (
	cacheName = "survey"
	// re-reads after a lost version race, before giving up with ErrBusy
	maxConflictRetries = 3
)

type Engine struct {
	store  store.Store
	cache  cachestore.CacheStore
	locks  *keyed.Locker
	logger *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.SurveyConfig

	RetryPolicy store.RetryPolicy
	// overridable for tests
	Now   func() time.Time
	NewID func() string
}

// NewEngine wires a survey engine. cache may be nil.
func NewEngine(st store.Store, cache cachestore.CacheStore, locks *keyed.Locker, cfg config.SurveyConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keyed.NewLocker(keyed.DefaultShards)
	}
	return &Engine{
		store:       st,
		cache:       cache,
		locks:       locks,
		logger:      logger.With("component", "survey"),
		cfg:         cfg,
		RetryPolicy: store.DefaultRetryPolicy,
		Now:         time.Now,
		NewID:       func() string { return uuid.NewString() },
	}
}

func (e *Engine) SetConfig(cfg config.SurveyConfig) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.cfg = cfg
}

func (e *Engine) config() config.SurveyConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

func sessionLockKey(sessionID string) string {
	return "session/" + sessionID
}

func startLockKey(surveyID, respondentID string) string {
	return "start/" + surveyID + "/" + respondentID
}

func surveyLockKey(surveyID string) string {
	return "survey/" + surveyID
}

// SubmitResult is the outcome of an accepted answer. Next is nil when the session completed.
type SubmitResult struct {
	Session   *models.SurveySession
	Next      *models.Question
	Completed bool
	Record    *models.ResponseRecord
}

func (e *Engine) putSurvey(ctx context.Context, def *models.SurveyDefinition) error {
	_, err := store.Retry(ctx, e.RetryPolicy, func() (struct{}, error) {
		return struct{}{}, e.store.PutSurvey(ctx, def)
	})
	return err
}

func (e *Engine) loadSurvey(ctx context.Context, surveyID string) (*models.SurveyDefinition, error) {
	def, err := store.Retry(ctx, e.RetryPolicy, func() (*models.SurveyDefinition, error) {
		return e.store.GetSurvey(ctx, surveyID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSurveyNotFound
	}
	return def, err
}

// definition reads a survey, through the cache for active ones.
func (e *Engine) definition(ctx context.Context, surveyID string) (*models.SurveyDefinition, error) {
	if e.cache != nil {
		var def models.SurveyDefinition
		ok, err := cachestore.GetJSON(ctx, e.cache, cacheName, surveyID, &def)
		if err != nil {
			e.logger.Warn("survey cache read failed", "survey", surveyID, "err", err)
		} else if ok {
			return &def, nil
		}
	}
	def, err := e.loadSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil && def.Active {
		if err := cachestore.SetJSON(ctx, e.cache, cacheName, surveyID, def); err != nil {
			e.logger.Warn("survey cache write failed", "survey", surveyID, "err", err)
		}
	}
	return def, nil
}

func (e *Engine) purgeCache(ctx context.Context, surveyID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Purge(ctx, cacheName, surveyID); err != nil {
		e.logger.Warn("survey cache purge failed", "survey", surveyID, "err", err)
	}
}

// Create validates and stores a new survey, inactive. The caller's definition is not modified.
func (e *Engine) Create(ctx context.Context, in *models.SurveyDefinition) (*models.SurveyDefinition, error) {
	def := *in
	def.Questions = make([]models.Question, len(in.Questions))
	for i, q := range in.Questions {
		q.Options = slices.Clone(q.Options)
		def.Questions[i] = q
	}
	normalizeDefinition(&def)
	if err := ValidateDefinition(&def, e.config().MaxQuestions); err != nil {
		return nil, err
	}
	def.ID = e.NewID()
	def.Active = false
	def.CreatedAt = e.Now()
	if err := e.putSurvey(ctx, &def); err != nil {
		return nil, fmt.Errorf("storing survey: %w", err)
	}
	surveysCreated.Inc()
	e.logger.Info("survey created", "survey", def.ID, "guild", def.GuildID, "questions", len(def.Questions), "creator", def.CreatorID)
	return &def, nil
}

func (e *Engine) setActive(ctx context.Context, surveyID string, active bool) (*models.SurveyDefinition, error) {
	unlock, err := e.locks.LockContext(ctx, surveyLockKey(surveyID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	def, err := e.loadSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if active {
		if err := ValidateDefinition(def, e.config().MaxQuestions); err != nil {
			return nil, err
		}
		if def.Expired(e.Now()) {
			return nil, ErrSurveyExpired
		}
	}
	if def.Active == active {
		return def, nil
	}
	def.Active = active
	if err := e.putSurvey(ctx, def); err != nil {
		return nil, fmt.Errorf("storing survey: %w", err)
	}
	e.purgeCache(ctx, surveyID)
	e.logger.Info("survey state changed", "survey", surveyID, "active", active)
	return def, nil
}

// Activate opens a survey to respondents.
func (e *Engine) Activate(ctx context.Context, surveyID string) (*models.SurveyDefinition, error) {
	return e.setActive(ctx, surveyID, true)
}

// Close stops new sessions. Sessions already in progress may still be completed.
func (e *Engine) Close(ctx context.Context, surveyID string) (*models.SurveyDefinition, error) {
	return e.setActive(ctx, surveyID, false)
}

func (e *Engine) Get(ctx context.Context, surveyID string) (*models.SurveyDefinition, error) {
	return e.definition(ctx, surveyID)
}

// ListActive returns active, unexpired surveys. guildID may be empty for all guilds.
func (e *Engine) ListActive(ctx context.Context, guildID string) ([]models.SurveyDefinition, error) {
	defs, err := e.store.ListSurveys(ctx, guildID, true)
	if err != nil {
		return nil, err
	}
	now := e.Now()
	out := defs[:0]
	for _, def := range defs {
		if !def.Expired(now) {
			out = append(out, def)
		}
	}
	return out, nil
}

func (e *Engine) idle(sess *models.SurveySession, now time.Time) bool {
	return now.Sub(sess.LastActivityAt) >= e.config().InactivityWindow.D()
}

func (e *Engine) putSession(ctx context.Context, sess *models.SurveySession, expectedVersion int64) error {
	_, err := store.Retry(ctx, e.RetryPolicy, func() (struct{}, error) {
		return struct{}{}, e.store.PutSession(ctx, sess, expectedVersion)
	})
	return err
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*models.SurveySession, error) {
	sess, err := store.Retry(ctx, e.RetryPolicy, func() (*models.SurveySession, error) {
		return e.store.GetSession(ctx, sessionID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (e *Engine) loadRecord(ctx context.Context, sessionID string) (*models.ResponseRecord, error) {
	return store.Retry(ctx, e.RetryPolicy, func() (*models.ResponseRecord, error) {
		return e.store.GetResponseRecord(ctx, sessionID)
	})
}

// markCompleted saves the session as completed, with the answers of its response record. The caller
// holds the session lock.
func (e *Engine) markCompleted(ctx context.Context, sess *models.SurveySession, rec *models.ResponseRecord, now time.Time) error {
	prev := sess.Version
	sess.Answers = slices.Clone(rec.Answers)
	sess.Index = len(rec.Answers)
	sess.State = models.SessionCompleted
	sess.LastActivityAt = now
	if err := e.putSession(ctx, sess, prev); err != nil {
		return err
	}
	sessionsFinished.WithLabelValues(string(models.SessionCompleted)).Inc()
	e.logger.Info("survey session completed", "session", sess.ID, "survey", sess.SurveyID, "respondent", sess.RespondentID)
	return nil
}

// finish moves a session to a terminal state and persists it, returning the state reached. A session
// whose response record already exists is completed instead, whatever state was asked for. The caller
// holds the session lock.
func (e *Engine) finish(ctx context.Context, sess *models.SurveySession, state models.SessionState, now time.Time) (models.SessionState, error) {
	rec, err := e.loadRecord(ctx, sess.ID)
	switch {
	case err == nil:
		// the record was written but saving the completed session failed
		e.logger.Warn("completing session with an existing response record", "session", sess.ID, "requested", state)
		if err := e.markCompleted(ctx, sess, rec, now); err != nil {
			return "", err
		}
		return models.SessionCompleted, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("checking response record: %w", err)
	}

	prev := sess.Version
	sess.State = state
	sess.LastActivityAt = now
	if err := e.putSession(ctx, sess, prev); err != nil {
		return "", err
	}
	sessionsFinished.WithLabelValues(string(state)).Inc()
	e.logger.Info("survey session ended", "session", sess.ID, "survey", sess.SurveyID, "state", state, "answers", sess.Index)
	return state, nil
}

// withSession runs fn against a fresh read of the session, under its lock, re-reading on version
// conflicts.
func (e *Engine) withSession(ctx context.Context, sessionID string, fn func(sess *models.SurveySession) error) error {
	unlock, err := e.locks.LockContext(ctx, sessionLockKey(sessionID))
	if err != nil {
		return err
	}
	defer unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		sess, err := e.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		err = fn(sess)
		if errors.Is(err, store.ErrConflict) {
			e.logger.Debug("session version conflict, retrying", "session", sessionID, "attempt", attempt+1)
			continue
		}
		return err
	}
	return ErrBusy
}

// Start opens a session for the respondent and returns it with the first question.
func (e *Engine) Start(ctx context.Context, surveyID, respondentID string) (*models.SurveySession, *models.Question, error) {
	def, err := e.definition(ctx, surveyID)
	if err != nil {
		return nil, nil, err
	}
	now := e.Now()
	if !def.Active {
		return nil, nil, ErrSurveyInactive
	}
	if def.Expired(now) {
		return nil, nil, ErrSurveyExpired
	}

	unlock, err := e.locks.LockContext(ctx, startLockKey(surveyID, respondentID))
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	open, err := e.store.FindOpenSession(ctx, surveyID, respondentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, nil, err
	default:
		// an abandoned-by-inactivity session which the sweeper has not reached yet
		stillOpen := true
		err := e.withSession(ctx, open.ID, func(sess *models.SurveySession) error {
			if sess.State.Terminal() {
				stillOpen = false
				return nil
			}
			if !e.idle(sess, now) {
				return nil
			}
			stillOpen = false
			_, err := e.finish(ctx, sess, models.SessionExpired, now)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		if stillOpen {
			return nil, nil, ErrAlreadyActive
		}
	}

	if !e.config().AllowRetake {
		done, err := e.store.HasResponded(ctx, surveyID, respondentID)
		if err != nil {
			return nil, nil, err
		}
		if done {
			return nil, nil, ErrAlreadyResponded
		}
	}

	sess := &models.SurveySession{
		ID:             e.NewID(),
		SurveyID:       surveyID,
		GuildID:        def.GuildID,
		RespondentID:   respondentID,
		Index:          0,
		Answers:        []string{},
		State:          models.SessionInProgress,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.putSession(ctx, sess, 0); err != nil {
		return nil, nil, fmt.Errorf("storing session: %w", err)
	}
	sessionsStarted.Inc()
	e.logger.Info("survey session started", "session", sess.ID, "survey", surveyID, "respondent", respondentID)
	q := def.Questions[0]
	return sess, &q, nil
}

// SubmitAnswer records the answer to the session's current question. An invalid answer changes
// nothing. The last answer writes the response record and completes the session.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID, answer string) (*SubmitResult, error) {
	var res *SubmitResult
	err := e.withSession(ctx, sessionID, func(sess *models.SurveySession) error {
		res = nil
		now := e.Now()
		if sess.State.Terminal() {
			return ErrSessionTerminal
		}
		if e.idle(sess, now) {
			if _, err := e.finish(ctx, sess, models.SessionExpired, now); err != nil {
				return err
			}
			return ErrSessionTerminal
		}
		def, err := e.definition(ctx, sess.SurveyID)
		if err != nil {
			return err
		}
		if sess.Index >= len(def.Questions) {
			// index and question count disagree; never advance past the end
			return fmt.Errorf("session %s at index %d of %d questions", sess.ID, sess.Index, len(def.Questions))
		}
		q := &def.Questions[sess.Index]
		value, err := NormalizeAnswer(q, answer)
		if err != nil {
			answersSubmitted.WithLabelValues("invalid").Inc()
			return err
		}

		prev := sess.Version
		answers := append(slices.Clone(sess.Answers), value)
		if len(answers) < len(def.Questions) {
			sess.Answers = answers
			sess.Index++
			sess.LastActivityAt = now
			if err := e.putSession(ctx, sess, prev); err != nil {
				return err
			}
			next := def.Questions[sess.Index]
			res = &SubmitResult{Session: sess, Next: &next}
			answersSubmitted.WithLabelValues("ok").Inc()
			return nil
		}

		// the record goes first. If saving the session then fails, the session stays open with its
		// record in place, and the next attempt to change it completes it with the stored answers.
		rec := &models.ResponseRecord{
			SessionID:    sess.ID,
			SurveyID:     sess.SurveyID,
			RespondentID: sess.RespondentID,
			Answers:      answers,
			CompletedAt:  now,
		}
		_, err = store.Retry(ctx, e.RetryPolicy, func() (struct{}, error) {
			return struct{}{}, e.store.AppendResponseRecord(ctx, rec)
		})
		if errors.Is(err, store.ErrRecordExists) {
			rec, err = e.loadRecord(ctx, sess.ID)
		}
		if err != nil {
			return fmt.Errorf("writing response record: %w", err)
		}
		if err := e.markCompleted(ctx, sess, rec, now); err != nil {
			return err
		}
		answersSubmitted.WithLabelValues("ok").Inc()
		res = &SubmitResult{Session: sess, Completed: true, Record: rec}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Cancel abandons a session on an administrator's request.
func (e *Engine) Cancel(ctx context.Context, sessionID string) (*models.SurveySession, error) {
	var out *models.SurveySession
	err := e.withSession(ctx, sessionID, func(sess *models.SurveySession) error {
		if sess.State.Terminal() {
			return ErrSessionTerminal
		}
		state, err := e.finish(ctx, sess, models.SessionAbandoned, e.Now())
		if err != nil {
			return err
		}
		if state != models.SessionAbandoned {
			return ErrSessionTerminal
		}
		out = sess
		return nil
	})
	return out, err
}

// Session returns a session without changing it.
func (e *Engine) Session(ctx context.Context, sessionID string) (*models.SurveySession, error) {
	return e.loadSession(ctx, sessionID)
}

// SweepExpired expires sessions idle for longer than the inactivity window. Each candidate is
// re-checked under its session lock, so a concurrent answer wins over the sweep.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.Now()
	cutoff := now.Add(-e.config().InactivityWindow.D())
	idle, err := e.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing idle sessions: %w", err)
	}
	n := 0
	for _, cand := range idle {
		err := e.withSession(ctx, cand.ID, func(sess *models.SurveySession) error {
			if sess.State.Terminal() || !e.idle(sess, now) {
				return nil
			}
			state, err := e.finish(ctx, sess, models.SessionExpired, now)
			if err != nil {
				return err
			}
			if state == models.SessionExpired {
				n++
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			e.logger.Warn("failed to expire session", "session", cand.ID, "err", err)
		}
	}
	return n, nil
}

// RunSweeper calls SweepExpired on a ticker until the context is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.SweepExpired(ctx)
			if err != nil {
				e.logger.Error("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				e.logger.Info("expired idle survey sessions", "count", n)
			}
		}
	}
}
