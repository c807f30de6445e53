package engine

import (
	"sync"
	"time"

	"github.com/stewardbot/steward/automod/countstore"
	"github.com/stewardbot/steward/automod/dispatch"
	"github.com/stewardbot/steward/automod/escalation"
	"github.com/stewardbot/steward/automod/seenstore"
	"github.com/stewardbot/steward/cachestore"
	"github.com/stewardbot/steward/config"
	"github.com/stewardbot/steward/store"
	"github.com/stewardbot/steward/survey"
	"github.com/stewardbot/steward/util/keyed"
)

// ActionRecorder is a Submitter which keeps every action it is given.
type ActionRecorder struct {
	mu      sync.Mutex
	actions []dispatch.Action
}

func (r *ActionRecorder) Submit(a dispatch.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return nil
}

func (r *ActionRecorder) Actions() []dispatch.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.Action, len(r.actions))
	copy(out, r.actions)
	return out
}

func (r *ActionRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = nil
}

// Kinds returns the kinds of the recorded actions, in order.
func (r *ActionRecorder) Kinds() []dispatch.Kind {
	var out []dispatch.Kind
	for _, a := range r.Actions() {
		out = append(out, a.Kind)
	}
	return out
}

// EngineTestFixture returns an engine with the default policy, in-memory stores (the moderation history
// included), and an ActionRecorder in place of the dispatcher.
func EngineTestFixture() (*Engine, *ActionRecorder) {
	cfg := config.Default()
	st := store.NewMemStore()
	locks := keyed.NewLocker(16)
	retry := store.RetryPolicy{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	tracker := escalation.NewTracker(st, locks, cfg.Escalation, nil)
	tracker.RetryPolicy = retry
	surveys := survey.NewEngine(st, cachestore.NewMemCacheStore(100, time.Hour), locks, cfg.Survey, nil)
	surveys.RetryPolicy = retry

	rec := &ActionRecorder{}
	eng := NewEngine(nil, seenstore.NewMemSeenStore(1000, time.Hour), countstore.NewMemCountStore(), tracker, rec, surveys)
	eng.History = st
	eng.LoadConfig = func() (*config.Config, error) {
		c := config.Default()
		return &c, nil
	}
	eng.ApplyConfig(&cfg)
	return eng, rec
}
