// Moderation pipeline and chat command handling.
//
// A message event is claimed by id (so redelivered events are processed at most once), evaluated against the current rule set, recorded in the moderation history, applied to the author's escalation state, and turned into actions for the dispatcher. Command events drive surveys, moderator sanctions and moderation status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stewardbot/steward/automod/countstore"
	"github.com/stewardbot/steward/automod/dispatch"
	"github.com/stewardbot/steward/automod/escalation"
	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/automod/rules"
	"github.com/stewardbot/steward/automod/seenstore"
	"github.com/stewardbot/steward/config"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/survey"
)

var tracer = otel.Tracer("steward")

// Submitter accepts actions for asynchronous execution.
type Submitter interface {
	Submit(a dispatch.Action) error
}

// ModerationHistory persists the per-user moderation log. Appends skip entry ids already stored.
type ModerationHistory interface {
	AppendModerationEntries(ctx context.Context, entries []models.ModerationEntry) error
	ListModerationEntries(ctx context.Context, guildID, userID string, limit int) ([]models.ModerationEntry, error)
}

// Engine holds everything needed to process events. Construct with NewEngine; the zero value is not
// usable.
type Engine struct {
	Logger    *slog.Logger
	Evaluator *rules.Evaluator
	Seen      seenstore.SeenStore
	Counters  countstore.CountStore
	Tracker   *escalation.Tracker
	Actions   Submitter
	Surveys   *survey.Engine
	// optional; without it no moderation history is kept
	History ModerationHistory
	// include message content in logs
	LogContent bool
	// re-reads the policy for the "reloadrules" command and admin endpoint (optional)
	LoadConfig func() (*config.Config, error)

	rules atomic.Pointer[rules.RuleSet]

	// words added with the addprofanity command, kept across reloads
	extraMu        sync.Mutex
	extraProfanity []string
}

func NewEngine(logger *slog.Logger, seen seenstore.SeenStore, counters countstore.CountStore, tracker *escalation.Tracker, actions Submitter, surveys *survey.Engine) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	eng := &Engine{
		Logger:    logger.With("component", "engine"),
		Evaluator: rules.NewEvaluator(logger, 50_000, 10*time.Minute),
		Seen:      seen,
		Counters:  counters,
		Tracker:   tracker,
		Actions:   actions,
		Surveys:   surveys,
	}
	eng.rules.Store(&rules.RuleSet{})
	tracker.OnExpire = eng.onExpire
	return eng
}

// Outcome summarizes what processing a message did.
type Outcome struct {
	Duplicate  bool
	Violations []event.Violation
	Transition *escalation.Transition
	Actions    []dispatch.Action
}

// RuleSet returns the rules currently in effect.
func (eng *Engine) RuleSet() *rules.RuleSet {
	return eng.rules.Load()
}

// ApplyConfig compiles and swaps in the rules, and passes tuning to the tracker and survey engine.
// Returns the problems of rules which were disabled; those do not prevent the rest from applying.
func (eng *Engine) ApplyConfig(cfg *config.Config) []error {
	eng.extraMu.Lock()
	defer eng.extraMu.Unlock()
	rs, errs := rules.Compile(cfg.Rules, append(slices.Clone(cfg.ProfanityWords), eng.extraProfanity...))
	for _, err := range errs {
		eng.Logger.Warn("rule disabled", "err", err)
	}
	eng.rules.Store(rs)
	eng.Tracker.SetConfig(cfg.Escalation)
	if eng.Surveys != nil {
		eng.Surveys.SetConfig(cfg.Survey)
	}
	eng.Logger.Info("rules loaded", "total", len(rs.Rules), "enabled", rs.Enabled())
	return errs
}

// AddProfanity extends the profanity list of the rules in effect. The words survive reloads, but not
// restarts.
func (eng *Engine) AddProfanity(words ...string) {
	eng.extraMu.Lock()
	defer eng.extraMu.Unlock()
	eng.extraProfanity = append(eng.extraProfanity, words...)
	eng.rules.Store(eng.RuleSet().WithProfanity(words...))
	eng.Logger.Info("profanity words added", "count", len(words))
}

// Reload re-reads the policy through LoadConfig. An invalid policy leaves the current one in place.
func (eng *Engine) Reload() ([]error, error) {
	if eng.LoadConfig == nil {
		return nil, fmt.Errorf("no config source to reload from")
	}
	cfg, err := eng.LoadConfig()
	if err != nil {
		reloadCount.WithLabelValues("error").Inc()
		return nil, err
	}
	reloadCount.WithLabelValues("ok").Inc()
	return eng.ApplyConfig(cfg), nil
}

func (eng *Engine) submit(actions []dispatch.Action) {
	for _, a := range actions {
		if err := eng.Actions.Submit(a); err != nil {
			eng.Logger.Error("failed to submit action", "kind", a.Kind, "guild", a.GuildID, "user", a.UserID, "correlation", a.CorrelationID, "err", err)
		}
	}
}

func (eng *Engine) onExpire(tr escalation.Transition) {
	now := time.Now().UTC()
	eventID := fmt.Sprintf("expire/%s/%s/%s", tr.UserID, tr.From, now.Format(time.RFC3339Nano))
	eng.submit(dispatch.ActionsForTransition(tr, eventID))
	err := eng.recordHistory(context.Background(), models.ModerationEntry{
		ID:        tr.GuildID + "/" + eventID,
		GuildID:   tr.GuildID,
		UserID:    tr.UserID,
		Kind:      models.ModExpire,
		Reason:    tr.From.String() + " ended",
		CreatedAt: now,
	})
	if err != nil {
		eng.Logger.Warn("failed to record sanction expiry", "guild", tr.GuildID, "user", tr.UserID, "err", err)
	}
}

// recordHistory appends to the moderation log, if there is one.
func (eng *Engine) recordHistory(ctx context.Context, entries ...models.ModerationEntry) error {
	if eng.History == nil || len(entries) == 0 {
		return nil
	}
	if err := eng.History.AppendModerationEntries(ctx, entries); err != nil {
		historyErrorCount.Inc()
		return fmt.Errorf("recording moderation history: %w", err)
	}
	return nil
}

// message violations are keyed by message and rule, so a redelivered message adds nothing
func violationEntries(evt *event.MessageEvent, violations []event.Violation) []models.ModerationEntry {
	out := make([]models.ModerationEntry, 0, len(violations))
	for _, v := range violations {
		out = append(out, models.ModerationEntry{
			ID:        fmt.Sprintf("violation/%s/%s/%s", evt.GuildID, evt.ID, v.RuleID),
			GuildID:   evt.GuildID,
			UserID:    evt.AuthorID,
			Kind:      models.ModViolation,
			ChannelID: evt.ChannelID,
			MessageID: evt.ID,
			RuleID:    v.RuleID,
			Severity:  v.Severity,
			CreatedAt: evt.Timestamp,
		})
	}
	return out
}

func seenKey(kind, guildID, id string) string {
	return kind + "/" + guildID + "/" + id
}

// ProcessMessage runs one message through the pipeline. Redelivered messages return an Outcome with
// Duplicate set and have no effect.
func (eng *Engine) ProcessMessage(ctx context.Context, evt *event.MessageEvent) (out *Outcome, err error) {
	// similar to an HTTP server, we want to recover any panics from rule execution
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("message processing exception", "err", r, "message", evt.ID, "guild", evt.GuildID)
			err = fmt.Errorf("message processing panic: %v", r)
		}
	}()
	if err := evt.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ProcessMessage")
	defer span.End()
	span.SetAttributes(attribute.String("guild", evt.GuildID), attribute.String("message", evt.ID))

	start := time.Now()
	defer func() {
		eventProcessDuration.WithLabelValues("message").Observe(time.Since(start).Seconds())
	}()
	eventProcessCount.WithLabelValues("message").Inc()

	logger := eng.Logger.With("guild", evt.GuildID, "user", evt.AuthorID, "channel", evt.ChannelID, "message", evt.ID)
	if eng.LogContent {
		logger = logger.With("content", evt.Content)
	}

	key := seenKey("message", evt.GuildID, evt.ID)
	claimed, err := eng.Seen.Claim(ctx, key)
	if err != nil {
		eventErrorCount.WithLabelValues("message").Inc()
		return nil, fmt.Errorf("claiming message id: %w", err)
	}
	if !claimed {
		duplicateCount.WithLabelValues("message").Inc()
		logger.Debug("skipping duplicate message")
		return &Outcome{Duplicate: true}, nil
	}
	// until the escalation state is written, a failure leaves the message for a redelivery to retry
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := eng.Seen.Release(context.WithoutCancel(ctx), key); rerr != nil {
			logger.Warn("failed to release message claim", "err", rerr)
		}
	}()

	violations := eng.Evaluator.Evaluate(evt, eng.RuleSet())
	out = &Outcome{Violations: violations}
	if len(violations) == 0 {
		committed = true
		return out, nil
	}
	span.SetAttributes(attribute.Int("violations", len(violations)))

	if err := eng.recordHistory(ctx, violationEntries(evt, violations)...); err != nil {
		eventErrorCount.WithLabelValues("message").Inc()
		return nil, err
	}

	tr, err := eng.Tracker.Apply(ctx, evt.GuildID, evt.AuthorID, violations, evt.Timestamp)
	if err != nil {
		eventErrorCount.WithLabelValues("message").Inc()
		logger.Error("failed to apply violations", "err", err)
		return nil, fmt.Errorf("applying violations: %w", err)
	}
	committed = true
	out.Transition = tr

	eng.countViolations(ctx, logger, violations)
	if tr != nil {
		err := eng.recordHistory(ctx, models.ModerationEntry{
			ID:        fmt.Sprintf("escalate/%s/%s", evt.GuildID, evt.ID),
			GuildID:   evt.GuildID,
			UserID:    evt.AuthorID,
			Kind:      models.ModEscalate,
			ChannelID: evt.ChannelID,
			MessageID: evt.ID,
			Reason:    fmt.Sprintf("%s -> %s (score %.1f)", tr.From, tr.To, tr.Score),
			Duration:  tr.Expiry.Sub(evt.Timestamp),
			CreatedAt: evt.Timestamp,
		})
		if err != nil {
			logger.Warn("failed to record escalation", "err", err)
		}
	}

	out.Actions = dispatch.ActionsForMessage(evt, violations, tr)
	eng.submit(out.Actions)

	var ruleIDs []string
	for _, v := range violations {
		ruleIDs = append(ruleIDs, v.RuleID)
	}
	if tr != nil {
		logger.Info("message violations", "rules", ruleIDs, "sanction", tr.To.String(), "score", tr.Score)
	} else {
		logger.Info("message violations", "rules", ruleIDs)
	}
	return out, nil
}

// Counter failures are logged and do not fail the event.
func (eng *Engine) countViolations(ctx context.Context, logger *slog.Logger, violations []event.Violation) {
	if eng.Counters == nil {
		return
	}
	for _, v := range violations {
		userKey := v.GuildID + "/" + v.UserID
		var errs []error
		errs = append(errs, eng.Counters.Increment(ctx, countstore.NameRuleViolations, v.RuleID))
		errs = append(errs, eng.Counters.Increment(ctx, countstore.NameUserViolations, userKey))
		errs = append(errs, eng.Counters.IncrementDistinct(ctx, countstore.NameRuleUsers, v.RuleID, userKey))
		if err := errors.Join(errs...); err != nil {
			logger.Warn("failed to update violation counters", "rule", v.RuleID, "err", err)
		}
	}
}
