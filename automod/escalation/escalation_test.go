package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/config"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testTracker(st store.Store) *Tracker {
	tr := NewTracker(st, nil, config.Default().Escalation, nil)
	tr.RetryPolicy = store.RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return tr
}

func keywordHit(msgID string, ts time.Time) []event.Violation {
	return []event.Violation{{MessageID: msgID, GuildID: "g1", UserID: "u1", RuleID: "kw", Severity: 4, Timestamp: ts}}
}

func TestDecay(t *testing.T) {
	assert := assert.New(t)

	assert.InDelta(8.0, Decay(16, time.Minute, time.Minute), 1e-9)
	assert.InDelta(4.0, Decay(16, 2*time.Minute, time.Minute), 1e-9)
	assert.Equal(5.0, Decay(5, 0, time.Minute))
	assert.Equal(5.0, Decay(5, -time.Second, time.Minute))
	assert.Equal(0.0, Decay(-1, time.Second, time.Minute))

	// monotonic non-increasing without new violations
	prev := 10.0
	for i := 1; i <= 20; i++ {
		cur := Decay(10, time.Duration(i)*7*time.Second, time.Minute)
		assert.LessOrEqual(cur, prev)
		prev = cur
	}
}

func TestTargetSanction(t *testing.T) {
	assert := assert.New(t)
	cfg := config.Default().Escalation

	assert.Equal(models.SanctionNone, TargetSanction(cfg, 4.99))
	assert.Equal(models.SanctionWarned, TargetSanction(cfg, 5))
	assert.Equal(models.SanctionMuted, TargetSanction(cfg, 10))
	assert.Equal(models.SanctionBanned, TargetSanction(cfg, 25))
}

func TestThreeStrikes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	tr := testTracker(store.NewMemStore())

	trans, err := tr.Apply(ctx, "g1", "u1", keywordHit("m1", t0), t0)
	require.NoError(t, err)
	assert.Nil(trans)
	st, err := tr.Get(ctx, "g1", "u1", t0)
	require.NoError(t, err)
	assert.InDelta(4.0, st.Score, 0.01)
	assert.Equal(models.SanctionNone, st.Sanction)

	t1 := t0.Add(time.Second)
	trans, err = tr.Apply(ctx, "g1", "u1", keywordHit("m2", t1), t1)
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(models.SanctionNone, trans.From)
	assert.Equal(models.SanctionWarned, trans.To)
	assert.InDelta(7.95, trans.Score, 0.05)
	assert.Equal(t1.Add(time.Hour), trans.Expiry)

	t2 := t0.Add(2 * time.Second)
	trans, err = tr.Apply(ctx, "g1", "u1", keywordHit("m3", t2), t2)
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(models.SanctionWarned, trans.From)
	assert.Equal(models.SanctionMuted, trans.To)
	assert.InDelta(11.86, trans.Score, 0.05)
	assert.Equal(t2.Add(10*time.Minute), trans.Expiry)
}

func TestMuteExpiresOnAccess(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemStore()
	tr := testTracker(st)

	var expired []Transition
	tr.OnExpire = func(x Transition) { expired = append(expired, x) }

	viol := []event.Violation{{RuleID: "kw", Severity: 11}}
	trans, err := tr.Apply(ctx, "g1", "u1", viol, t0)
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(models.SanctionMuted, trans.To)

	// still in force just before the expiry
	state, err := tr.Get(ctx, "g1", "u1", t0.Add(10*time.Minute-time.Second))
	require.NoError(t, err)
	assert.Equal(models.SanctionMuted, state.Sanction)
	assert.Empty(expired)

	state, err = tr.Get(ctx, "g1", "u1", t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(models.SanctionNone, state.Sanction)
	assert.Greater(state.Score, 0.0)
	require.Len(t, expired, 1)
	assert.Equal(models.SanctionMuted, expired[0].From)
	assert.Equal(ReasonExpired, expired[0].Reason)

	// the clear was persisted
	stored, err := st.GetEscalationState(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(models.SanctionNone, stored.Sanction)
}

func TestNoDowngradeNoRedispatch(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	tr := testTracker(store.NewMemStore())

	trans, err := tr.Apply(ctx, "g1", "u1", []event.Violation{{RuleID: "a", Severity: 12}}, t0)
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(models.SanctionMuted, trans.To)

	// score decays well below the warn threshold, sanction stays until expiry
	later := t0.Add(5 * time.Minute)
	trans, err = tr.Apply(ctx, "g1", "u1", []event.Violation{{RuleID: "a", Severity: 0.5}}, later)
	require.NoError(t, err)
	assert.Nil(trans)
	state, err := tr.Get(ctx, "g1", "u1", later)
	require.NoError(t, err)
	assert.Equal(models.SanctionMuted, state.Sanction)
	assert.Equal(t0.Add(10*time.Minute), state.SanctionExpiry)

	// reaching mute again does not extend or re-dispatch
	trans, err = tr.Apply(ctx, "g1", "u1", []event.Violation{{RuleID: "a", Severity: 10}}, later)
	require.NoError(t, err)
	assert.Nil(trans)
	state, err = tr.Get(ctx, "g1", "u1", later)
	require.NoError(t, err)
	assert.Equal(t0.Add(10*time.Minute), state.SanctionExpiry)
}

func TestBatchSingleTransition(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	tr := testTracker(store.NewMemStore())

	viol := []event.Violation{
		{RuleID: "profanity", Severity: 4},
		{RuleID: "spam-rate", Severity: 3},
		{RuleID: "spam-duplicate", Severity: 3},
		{RuleID: "extra", Severity: 11},
	}
	trans, err := tr.Apply(ctx, "g1", "u1", viol, t0)
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(models.SanctionNone, trans.From)
	assert.Equal(models.SanctionBanned, trans.To)
	assert.Equal([]string{"profanity", "spam-rate", "spam-duplicate", "extra"}, trans.RuleIDs)
}

func TestClear(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	tr := testTracker(store.NewMemStore())

	trans, err := tr.Clear(ctx, "g1", "nobody", "admin", t0)
	assert.NoError(err)
	assert.Nil(trans)

	_, err = tr.Apply(ctx, "g1", "u1", []event.Violation{{RuleID: "a", Severity: 6}}, t0)
	require.NoError(t, err)

	trans, err = tr.Clear(ctx, "g1", "u1", "admin", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(models.SanctionWarned, trans.From)
	assert.Equal(ReasonCleared, trans.Reason)
	assert.Equal("admin", trans.Actor)

	state, err := tr.Get(ctx, "g1", "u1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(models.SanctionNone, state.Sanction)
	assert.Equal(0.0, state.Score)
}

func TestConcurrentApplySameUser(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	tr := testTracker(store.NewMemStore())

	var wg sync.WaitGroup
	var transitions atomic.Int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trans, err := tr.Apply(ctx, "g1", "u1", []event.Violation{{RuleID: "a", Severity: 1}}, t0)
			assert.NoError(err)
			if trans != nil {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()

	state, err := tr.Get(ctx, "g1", "u1", t0)
	require.NoError(t, err)
	assert.InDelta(25.0, state.Score, 1e-9)
	assert.Equal(models.SanctionBanned, state.Sanction)
	assert.Equal(int64(25), state.Version)
	// none -> warned -> muted -> banned
	assert.Equal(int32(3), transitions.Load())
}

// conflictStore loses every write race, as if another replica kept writing the same user.
type conflictStore struct {
	*store.MemStore
	puts atomic.Int32
}

func (s *conflictStore) PutEscalationState(ctx context.Context, state *models.EscalationState, expectedVersion int64) error {
	s.puts.Add(1)
	return store.ErrConflict
}

func TestConflictBusy(t *testing.T) {
	assert := assert.New(t)
	st := &conflictStore{MemStore: store.NewMemStore()}
	tr := testTracker(st)

	_, err := tr.Apply(context.Background(), "g1", "u1", []event.Violation{{RuleID: "a", Severity: 1}}, t0)
	assert.ErrorIs(err, ErrBusy)
	assert.Equal(int32(config.Default().Escalation.MaxConflictRetries), st.puts.Load())
}

// flakyStore fails the first reads with a transient error.
type flakyStore struct {
	*store.MemStore
	failures atomic.Int32
}

func (s *flakyStore) GetEscalationState(ctx context.Context, guildID, userID string) (*models.EscalationState, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemStore.GetEscalationState(ctx, guildID, userID)
}

func TestTransientRetry(t *testing.T) {
	assert := assert.New(t)
	st := &flakyStore{MemStore: store.NewMemStore()}
	st.failures.Store(2)
	tr := testTracker(st)

	_, err := tr.Apply(context.Background(), "g1", "u1", []event.Violation{{RuleID: "a", Severity: 1}}, t0)
	assert.NoError(err)

	st.failures.Store(10)
	_, err = tr.Apply(context.Background(), "g1", "u1", []event.Violation{{RuleID: "a", Severity: 1}}, t0)
	assert.Error(err)
	assert.NotErrorIs(err, ErrBusy)
}

func TestImpose(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tr := testTracker(store.NewMemStore())

	_, err := tr.Impose(ctx, "g1", "u1", models.SanctionNone, 0, "mod", t0)
	assert.Error(err)

	// zero duration uses the configured one
	trans, err := tr.Impose(ctx, "g1", "u1", models.SanctionMuted, 0, "mod", t0)
	require.NoError(err)
	require.NotNil(trans)
	assert.Equal(models.SanctionNone, trans.From)
	assert.Equal(models.SanctionMuted, trans.To)
	assert.Equal(ReasonManual, trans.Reason)
	assert.Equal("mod", trans.Actor)
	assert.Equal(t0.Add(10*time.Minute), trans.Expiry)

	// a lower sanction, or a shorter one of the same level, changes nothing
	trans, err = tr.Impose(ctx, "g1", "u1", models.SanctionWarned, time.Hour, "mod", t0)
	require.NoError(err)
	assert.Nil(trans)
	trans, err = tr.Impose(ctx, "g1", "u1", models.SanctionMuted, time.Minute, "mod", t0)
	require.NoError(err)
	assert.Nil(trans)

	// a longer one extends
	trans, err = tr.Impose(ctx, "g1", "u1", models.SanctionMuted, time.Hour, "mod", t0)
	require.NoError(err)
	require.NotNil(trans)
	assert.Equal(models.SanctionMuted, trans.From)
	assert.Equal(t0.Add(time.Hour), trans.Expiry)

	// the score is untouched, so the next violation adds to zero
	state, err := tr.Get(ctx, "g1", "u1", t0)
	require.NoError(err)
	assert.Equal(0.0, state.Score)
	assert.Equal(models.SanctionMuted, state.Sanction)

	// automatic escalation does not go below a manual sanction
	auto, err := tr.Apply(ctx, "g1", "u1", []event.Violation{{RuleID: "a", Severity: 6}}, t0.Add(time.Second))
	require.NoError(err)
	assert.Nil(auto)

	// once it runs out, the expiry is reported and a new sanction applies
	var expired []Transition
	tr.OnExpire = func(x Transition) { expired = append(expired, x) }
	trans, err = tr.Impose(ctx, "g1", "u1", models.SanctionWarned, 0, "mod", t0.Add(2*time.Hour))
	require.NoError(err)
	require.NotNil(trans)
	assert.Equal(models.SanctionNone, trans.From)
	require.Len(expired, 1)
	assert.Equal(models.SanctionMuted, expired[0].From)
}
