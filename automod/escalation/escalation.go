// Per-user escalation: violation severities accumulate into a decaying score, and crossing a threshold
// applies the next sanction.
//
// Sanctions only go up while in force. They come down when they expire (lazily, on the next read or
// write of the user's state) or when an administrator clears them.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/config"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/store"
	"github.com/stewardbot/steward/util/keyed"
)

// ErrBusy is returned when a user's state kept changing underneath us (another replica writing the same
// user) for more than the configured number of attempts.
var ErrBusy = errors.New("escalation state busy")

type Reason string

const (
	ReasonThreshold Reason = "threshold"
	ReasonExpired   Reason = "expired"
	ReasonCleared   Reason = "cleared"
	// a moderator command
	ReasonManual Reason = "manual"
)

// Transition is a change of a user's sanction level.
type Transition struct {
	GuildID string
	UserID  string
	From    models.Sanction
	To      models.Sanction
	Reason  Reason
	// zero unless To is a sanction
	Expiry time.Time
	Score  float64
	// rules which contributed to a threshold transition
	RuleIDs []string
	// set for administrator clears and manual sanctions
	Actor string
}

type Tracker struct {
	store  store.Store
	locks  *keyed.Locker
	logger *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.EscalationConfig

	// Retry for transient storage errors.
	RetryPolicy store.RetryPolicy
	// Optional. Called with expiry transitions, after they have been persisted. Must not block.
	OnExpire func(Transition)
}

func NewTracker(st store.Store, locks *keyed.Locker, cfg config.EscalationConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keyed.NewLocker(keyed.DefaultShards)
	}
	return &Tracker{
		store:       st,
		locks:       locks,
		logger:      logger.With("component", "escalation"),
		cfg:         cfg,
		RetryPolicy: store.DefaultRetryPolicy,
	}
}

// SetConfig swaps thresholds and durations. Existing sanctions keep their expiry.
func (t *Tracker) SetConfig(cfg config.EscalationConfig) {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	t.cfg = cfg
}

func (t *Tracker) config() config.EscalationConfig {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.cfg
}

// SanctionDuration is how long s lasts when imposed by the score.
func (t *Tracker) SanctionDuration(s models.Sanction) time.Duration {
	return duration(t.config(), s)
}

func lockKey(guildID, userID string) string {
	return "user/" + guildID + "/" + userID
}

// Decay returns a score after elapsed time, halving every halfLife. Negative elapsed time does not decay.
func Decay(score float64, elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 || score <= 0 {
		return math.Max(score, 0)
	}
	return score * math.Exp2(-float64(elapsed)/float64(halfLife))
}

func threshold(cfg config.EscalationConfig, s models.Sanction) float64 {
	switch s {
	case models.SanctionWarned:
		return cfg.WarnThreshold
	case models.SanctionMuted:
		return cfg.MuteThreshold
	case models.SanctionBanned:
		return cfg.BanThreshold
	default:
		return 0
	}
}

func duration(cfg config.EscalationConfig, s models.Sanction) time.Duration {
	switch s {
	case models.SanctionWarned:
		return cfg.WarnDuration.D()
	case models.SanctionMuted:
		return cfg.MuteDuration.D()
	case models.SanctionBanned:
		return cfg.BanDuration.D()
	default:
		return 0
	}
}

// TargetSanction is the highest sanction whose threshold the score meets.
func TargetSanction(cfg config.EscalationConfig, score float64) models.Sanction {
	for _, s := range []models.Sanction{models.SanctionBanned, models.SanctionMuted, models.SanctionWarned} {
		if score >= threshold(cfg, s) {
			return s
		}
	}
	return models.SanctionNone
}

// expire clears a sanction which is no longer in force. The score is kept.
func expire(state *models.EscalationState, now time.Time) *Transition {
	if state.Sanction == models.SanctionNone || now.Before(state.SanctionExpiry) {
		return nil
	}
	tr := &Transition{
		GuildID: state.GuildID,
		UserID:  state.UserID,
		From:    state.Sanction,
		To:      models.SanctionNone,
		Reason:  ReasonExpired,
		Score:   state.Score,
	}
	state.Sanction = models.SanctionNone
	state.SanctionExpiry = time.Time{}
	return tr
}

// decayTo brings the stored score forward to now. Out-of-order timestamps (now before ScoreAt) add
// without decaying and leave ScoreAt in place.
func decayTo(cfg config.EscalationConfig, state *models.EscalationState, now time.Time) {
	if state.ScoreAt.IsZero() {
		state.Score = 0
		state.ScoreAt = now
		return
	}
	if now.After(state.ScoreAt) {
		state.Score = Decay(state.Score, now.Sub(state.ScoreAt), cfg.HalfLife.D())
		state.ScoreAt = now
	}
}

func (t *Tracker) load(ctx context.Context, guildID, userID string) (*models.EscalationState, error) {
	state, err := store.Retry(ctx, t.RetryPolicy, func() (*models.EscalationState, error) {
		return t.store.GetEscalationState(ctx, guildID, userID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return &models.EscalationState{GuildID: guildID, UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading escalation state: %w", err)
	}
	return state, nil
}

func (t *Tracker) save(ctx context.Context, state *models.EscalationState, expectedVersion int64) error {
	_, err := store.Retry(ctx, t.RetryPolicy, func() (struct{}, error) {
		return struct{}{}, t.store.PutEscalationState(ctx, state, expectedVersion)
	})
	return err
}

// update runs a read-modify-write of one user's state under the user lock, retrying on version
// conflicts. fn mutates the state in place and reports whether it needs to be written.
func (t *Tracker) update(ctx context.Context, guildID, userID string, fn func(state *models.EscalationState) bool) (*models.EscalationState, error) {
	unlock, err := t.locks.LockContext(ctx, lockKey(guildID, userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	retries := t.config().MaxConflictRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		state, err := t.load(ctx, guildID, userID)
		if err != nil {
			return nil, err
		}
		expected := state.Version
		if !fn(state) {
			return state, nil
		}
		err = t.save(ctx, state, expected)
		if errors.Is(err, store.ErrConflict) {
			conflictCount.Inc()
			t.logger.Debug("escalation state conflict, retrying", "guild", guildID, "user", userID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving escalation state: %w", err)
		}
		return state, nil
	}
	busyCount.Inc()
	return nil, ErrBusy
}

func (t *Tracker) notifyExpired(tr *Transition) {
	if tr == nil {
		return
	}
	transitionCount.WithLabelValues(string(tr.Reason), tr.From.String(), tr.To.String()).Inc()
	t.logger.Info("sanction expired", "guild", tr.GuildID, "user", tr.UserID, "sanction", tr.From.String())
	if t.OnExpire != nil {
		t.OnExpire(*tr)
	}
}

// Apply adds the violations of one message to the user's score, as a single update. Returns a
// Transition if the user moved to a higher sanction, otherwise nil. Reaching the level already in force
// neither extends it nor produces a transition.
func (t *Tracker) Apply(ctx context.Context, guildID, userID string, violations []event.Violation, now time.Time) (*Transition, error) {
	if len(violations) == 0 {
		return nil, nil
	}
	cfg := t.config()
	var tr, expired *Transition
	_, err := t.update(ctx, guildID, userID, func(state *models.EscalationState) bool {
		tr = nil
		expired = expire(state, now)
		decayTo(cfg, state, now)
		var ruleIDs []string
		for _, v := range violations {
			if v.Severity > 0 {
				state.Score += v.Severity
			}
			ruleIDs = append(ruleIDs, v.RuleID)
		}
		state.UpdatedAt = now
		target := TargetSanction(cfg, state.Score)
		if target > state.Sanction {
			tr = &Transition{
				GuildID: guildID,
				UserID:  userID,
				From:    state.Sanction,
				To:      target,
				Reason:  ReasonThreshold,
				Expiry:  now.Add(duration(cfg, target)),
				Score:   state.Score,
				RuleIDs: ruleIDs,
			}
			state.Sanction = target
			state.SanctionExpiry = tr.Expiry
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	t.notifyExpired(expired)
	if tr != nil {
		transitionCount.WithLabelValues(string(tr.Reason), tr.From.String(), tr.To.String()).Inc()
		t.logger.Info("sanction escalated", "guild", guildID, "user", userID, "from", tr.From.String(), "to", tr.To.String(), "score", tr.Score, "expiry", tr.Expiry)
	}
	return tr, nil
}

// Get returns the user's current state, with the score decayed to now for display (the decayed score
// is not written back). A sanction which has run out is cleared and persisted.
func (t *Tracker) Get(ctx context.Context, guildID, userID string, now time.Time) (*models.EscalationState, error) {
	cfg := t.config()
	var expired *Transition
	state, err := t.update(ctx, guildID, userID, func(state *models.EscalationState) bool {
		expired = expire(state, now)
		if expired != nil {
			state.UpdatedAt = now
		}
		return expired != nil
	})
	if err != nil {
		return nil, err
	}
	t.notifyExpired(expired)
	out := *state
	if !out.ScoreAt.IsZero() && now.After(out.ScoreAt) {
		out.Score = Decay(out.Score, now.Sub(out.ScoreAt), cfg.HalfLife.D())
		out.ScoreAt = now
	}
	return &out, nil
}

// Clear is an administrator override: the sanction is lifted and the score reset. Returns a Transition
// if a sanction was in force.
func (t *Tracker) Clear(ctx context.Context, guildID, userID, actor string, now time.Time) (*Transition, error) {
	var tr *Transition
	_, err := t.update(ctx, guildID, userID, func(state *models.EscalationState) bool {
		tr = nil
		if state.Version == 0 {
			return false
		}
		if state.SanctionActive(now) {
			tr = &Transition{
				GuildID: guildID,
				UserID:  userID,
				From:    state.Sanction,
				To:      models.SanctionNone,
				Reason:  ReasonCleared,
				Actor:   actor,
			}
		}
		state.Sanction = models.SanctionNone
		state.SanctionExpiry = time.Time{}
		state.Score = 0
		state.ScoreAt = now
		state.UpdatedAt = now
		return true
	})
	if err != nil {
		return nil, err
	}
	if tr != nil {
		transitionCount.WithLabelValues(string(tr.Reason), tr.From.String(), tr.To.String()).Inc()
		t.logger.Info("sanction cleared", "guild", guildID, "user", userID, "from", tr.From.String(), "actor", actor)
	}
	return tr, nil
}

// Impose is a moderator sanction outside the score: the user moves to s for d (the configured duration
// of s when d is not positive). A higher sanction in force is left alone, and the same sanction is only
// extended, never shortened. The score is not changed. Returns nil if nothing changed.
func (t *Tracker) Impose(ctx context.Context, guildID, userID string, s models.Sanction, d time.Duration, actor string, now time.Time) (*Transition, error) {
	if s == models.SanctionNone {
		return nil, fmt.Errorf("cannot impose sanction %s", s)
	}
	cfg := t.config()
	if d <= 0 {
		d = duration(cfg, s)
	}
	expiry := now.Add(d)
	var tr, expired *Transition
	_, err := t.update(ctx, guildID, userID, func(state *models.EscalationState) bool {
		tr = nil
		expired = expire(state, now)
		if s < state.Sanction || (s == state.Sanction && !expiry.After(state.SanctionExpiry)) {
			if expired != nil {
				state.UpdatedAt = now
			}
			return expired != nil
		}
		decayTo(cfg, state, now)
		tr = &Transition{
			GuildID: guildID,
			UserID:  userID,
			From:    state.Sanction,
			To:      s,
			Reason:  ReasonManual,
			Expiry:  expiry,
			Score:   state.Score,
			Actor:   actor,
		}
		state.Sanction = s
		state.SanctionExpiry = expiry
		state.UpdatedAt = now
		return true
	})
	if err != nil {
		return nil, err
	}
	t.notifyExpired(expired)
	if tr != nil {
		transitionCount.WithLabelValues(string(tr.Reason), tr.From.String(), tr.To.String()).Inc()
		t.logger.Info("sanction imposed", "guild", guildID, "user", userID, "from", tr.From.String(), "to", tr.To.String(), "expiry", tr.Expiry, "actor", actor)
	}
	return tr, nil
}
