package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stewardbot/steward/automod/countstore"
	"github.com/stewardbot/steward/automod/dispatch"
	"github.com/stewardbot/steward/automod/escalation"
	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/config"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/store"
	"github.com/stewardbot/steward/util/keyed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func msg(id, author, content string, ts time.Time) *event.MessageEvent {
	return &event.MessageEvent{
		ID:        id,
		GuildID:   "g1",
		AuthorID:  author,
		ChannelID: "c1",
		Content:   content,
		Timestamp: ts,
	}
}

func TestCleanMessage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	eng, rec := EngineTestFixture()

	out, err := eng.ProcessMessage(context.Background(), msg("m1", "u1", "hello there", t0))
	require.NoError(err)
	assert.False(out.Duplicate)
	assert.Empty(out.Violations)
	assert.Nil(out.Transition)
	assert.Empty(rec.Actions())
}

func TestInvalidMessage(t *testing.T) {
	eng, _ := EngineTestFixture()

	_, err := eng.ProcessMessage(context.Background(), &event.MessageEvent{ID: "m1", GuildID: "g1"})
	assert.ErrorIs(t, err, event.ErrInvalidEvent)
}

func TestProfanityPipeline(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	out, err := eng.ProcessMessage(ctx, msg("m1", "u1", "you badword1", t0))
	require.NoError(err)
	require.Len(out.Violations, 1)
	assert.Equal("profanity", out.Violations[0].RuleID)
	// severity 4 stays under the warn threshold
	assert.Nil(out.Transition)
	assert.Equal([]dispatch.Kind{dispatch.KindDelete}, rec.Kinds())

	corr := dispatch.CorrelationID("g1", "m1")
	for _, a := range rec.Actions() {
		assert.Equal(corr, a.CorrelationID)
	}
	del := rec.Actions()[0]
	assert.Equal("m1", del.MessageID)
	assert.Equal("c1", del.ChannelID)

	counts, err := countstore.GetCounts(ctx, eng.Counters, countstore.NameUserViolations, "g1/u1")
	require.NoError(err)
	assert.Equal(1, counts.Total)
	n, err := eng.Counters.GetCountDistinct(ctx, countstore.NameRuleUsers, "profanity", countstore.PeriodTotal)
	require.NoError(err)
	assert.Equal(1, n)
}

func TestRedeliveryIsIgnored(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	evt := msg("m1", "u1", "you badword1", t0)
	out, err := eng.ProcessMessage(ctx, evt)
	require.NoError(err)
	require.Len(out.Violations, 1)
	before := len(rec.Actions())

	for i := 0; i < 3; i++ {
		out, err = eng.ProcessMessage(ctx, evt)
		require.NoError(err)
		assert.True(out.Duplicate)
	}
	assert.Len(rec.Actions(), before)

	st, err := eng.Tracker.Get(ctx, "g1", "u1", t0)
	require.NoError(err)
	assert.InDelta(4.0, st.Score, 0.01)
	counts, err := countstore.GetCounts(ctx, eng.Counters, countstore.NameUserViolations, "g1/u1")
	require.NoError(err)
	assert.Equal(1, counts.Total)
}

func TestConcurrentRedelivery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, _ := EngineTestFixture()

	evt := msg("m1", "u1", "you badword1", t0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	processed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := eng.ProcessMessage(ctx, evt)
			if assert.NoError(err) && !out.Duplicate {
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(1, processed)

	st, err := eng.Tracker.Get(ctx, "g1", "u1", t0)
	require.NoError(t, err)
	assert.InDelta(4.0, st.Score, 0.01)
}

func TestThreeStrikesEndToEnd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	out, err := eng.ProcessMessage(ctx, msg("m1", "u1", "you badword1", t0))
	require.NoError(err)
	assert.Nil(out.Transition)

	out, err = eng.ProcessMessage(ctx, msg("m2", "u1", "what badword2", t0.Add(time.Second)))
	require.NoError(err)
	require.NotNil(out.Transition)
	assert.Equal(models.SanctionWarned, out.Transition.To)
	assert.Contains(kinds(out.Actions), dispatch.KindWarn)

	rec.Reset()
	out, err = eng.ProcessMessage(ctx, msg("m3", "u1", "so badword3", t0.Add(2*time.Second)))
	require.NoError(err)
	require.NotNil(out.Transition)
	assert.Equal(models.SanctionWarned, out.Transition.From)
	assert.Equal(models.SanctionMuted, out.Transition.To)
	assert.InDelta(11.86, out.Transition.Score, 0.05)
	assert.Equal([]dispatch.Kind{dispatch.KindDelete, dispatch.KindMute, dispatch.KindLog}, rec.Kinds())

	mute := rec.Actions()[1]
	assert.Equal("u1", mute.UserID)
	assert.Equal(10*time.Minute, mute.Duration)
}

func kinds(actions []dispatch.Action) []dispatch.Kind {
	var out []dispatch.Kind
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestExpiryUndoesMute(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	for i, word := range []string{"badword1", "badword2", "badword3"} {
		_, err := eng.ProcessMessage(ctx, msg(fmt.Sprintf("m%d", i), "u1", "hey "+word, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(err)
	}
	rec.Reset()

	// the first read after the mute ran out clears it
	st, err := eng.Tracker.Get(ctx, "g1", "u1", t0.Add(11*time.Minute))
	require.NoError(err)
	assert.Equal(models.SanctionNone, st.Sanction)
	assert.Equal([]dispatch.Kind{dispatch.KindUnsanction, dispatch.KindLog}, rec.Kinds())
}

type failingSeen struct{}

func (failingSeen) Claim(ctx context.Context, id string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingSeen) Release(ctx context.Context, id string) error { return nil }

func TestSeenStoreFailure(t *testing.T) {
	eng, rec := EngineTestFixture()
	eng.Seen = failingSeen{}

	_, err := eng.ProcessMessage(context.Background(), msg("m1", "u1", "you badword1", t0))
	assert.Error(t, err)
	assert.Empty(t, rec.Actions())
}

func TestApplyConfigDisablesBadRule(t *testing.T) {
	assert := assert.New(t)
	eng, _ := EngineTestFixture()

	cfg := config.Default()
	cfg.Rules = append(cfg.Rules,
		config.RuleConfig{ID: "links", Kind: "pattern", Pattern: `https?://`, Severity: 2, Action: "log"},
		config.RuleConfig{ID: "broken", Kind: "pattern", Pattern: `([`, Severity: 2},
	)
	errs := eng.ApplyConfig(&cfg)
	assert.Len(errs, 1)
	rs := eng.RuleSet()
	assert.Len(rs.Rules, 5)
	assert.Equal(4, rs.Enabled())

	out, err := eng.ProcessMessage(context.Background(), msg("m1", "u1", "see http://example.com", t0))
	require.NoError(t, err)
	require.Len(t, out.Violations, 1)
	assert.Equal("links", out.Violations[0].RuleID)
}

func TestLogContent(t *testing.T) {
	eng, _ := EngineTestFixture()
	eng.LogContent = true

	out, err := eng.ProcessMessage(context.Background(), msg("m1", "u1", "plain", t0))
	require.NoError(t, err)
	assert.Empty(t, out.Violations)
}

// escalationFailStore fails escalation reads with a transient error while failures is positive.
type escalationFailStore struct {
	*store.MemStore
	failures atomic.Int32
}

func (s *escalationFailStore) GetEscalationState(ctx context.Context, guildID, userID string) (*models.EscalationState, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemStore.GetEscalationState(ctx, guildID, userID)
}

func TestRedeliveryAfterTrackerFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	st := &escalationFailStore{MemStore: store.NewMemStore()}
	tracker := escalation.NewTracker(st, keyed.NewLocker(4), config.Default().Escalation, nil)
	tracker.RetryPolicy = store.RetryPolicy{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	eng.Tracker = tracker
	st.failures.Store(2)

	evt := msg("m1", "u1", "you badword1", t0)
	_, err := eng.ProcessMessage(ctx, evt)
	require.Error(err)
	assert.Empty(rec.Actions())

	// the claim was released, so the redelivery is processed
	out, err := eng.ProcessMessage(ctx, evt)
	require.NoError(err)
	assert.False(out.Duplicate)
	require.Len(out.Violations, 1)
	assert.Equal("profanity", out.Violations[0].RuleID)

	// m1 counts once towards the duplicate run of three
	out, err = eng.ProcessMessage(ctx, msg("m2", "u1", "you badword1", t0.Add(time.Second)))
	require.NoError(err)
	require.Len(out.Violations, 1)
	assert.Equal("profanity", out.Violations[0].RuleID)

	state, err := tracker.Get(ctx, "g1", "u1", t0.Add(time.Second))
	require.NoError(err)
	assert.InDelta(7.95, state.Score, 0.05)

	// the violation recorded before the failure is not recorded again
	entries, err := eng.History.ListModerationEntries(ctx, "g1", "u1", 0)
	require.NoError(err)
	var violations []string
	for _, e := range entries {
		if e.Kind == models.ModViolation {
			violations = append(violations, e.MessageID)
		}
	}
	assert.ElementsMatch([]string{"m1", "m2"}, violations)
}

func TestViolationsRecordedInHistory(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, _ := EngineTestFixture()

	_, err := eng.ProcessMessage(ctx, msg("m1", "u1", "you badword1", t0))
	require.NoError(err)
	out, err := eng.ProcessMessage(ctx, msg("m2", "u1", "what badword2", t0.Add(time.Second)))
	require.NoError(err)
	require.NotNil(out.Transition)
	_, err = eng.ProcessMessage(ctx, msg("m3", "u1", "all good", t0.Add(2*time.Second)))
	require.NoError(err)

	entries, err := eng.History.ListModerationEntries(ctx, "g1", "u1", 0)
	require.NoError(err)
	require.Len(entries, 3)
	var kinds []models.ModerationKind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.ElementsMatch([]models.ModerationKind{models.ModViolation, models.ModViolation, models.ModEscalate}, kinds)
	// latest first
	assert.Equal("m2", entries[0].MessageID)
	assert.Equal("m1", entries[2].MessageID)
	assert.Equal("profanity", entries[2].RuleID)
	assert.Equal(4.0, entries[2].Severity)
	for _, e := range entries {
		if e.Kind == models.ModEscalate {
			assert.Equal("none -> warned (score 8.0)", e.Reason)
			assert.Equal(time.Hour, e.Duration)
		}
	}
}

// historyFailStore refuses moderation history writes.
type historyFailStore struct {
	*store.MemStore
}

func (historyFailStore) AppendModerationEntries(ctx context.Context, entries []models.ModerationEntry) error {
	return errors.New("disk full")
}

func TestHistoryFailureLeavesMessageForRedelivery(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()
	mem := store.NewMemStore()
	eng.History = historyFailStore{MemStore: mem}

	evt := msg("m1", "u1", "you badword1", t0)
	_, err := eng.ProcessMessage(ctx, evt)
	require.Error(err)
	assert.Empty(rec.Actions())
	st, err := eng.Tracker.Get(ctx, "g1", "u1", t0)
	require.NoError(err)
	assert.Equal(0.0, st.Score)

	// once the history is writable again the redelivery goes through
	eng.History = mem
	out, err := eng.ProcessMessage(ctx, evt)
	require.NoError(err)
	assert.False(out.Duplicate)
	assert.Len(out.Violations, 1)
	entries, err := mem.ListModerationEntries(ctx, "g1", "u1", 0)
	require.NoError(err)
	assert.Len(entries, 1)
}
