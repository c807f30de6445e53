package rules

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/config"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func msg(id, author, content string, at time.Time) *event.MessageEvent {
	return &event.MessageEvent{
		ID:        id,
		GuildID:   "g1",
		AuthorID:  author,
		ChannelID: "c1",
		Content:   content,
		Timestamp: at,
	}
}

func testEvaluator() *Evaluator {
	return NewEvaluator(slog.Default(), 100, time.Hour)
}

func TestCompileDisablesInvalidRules(t *testing.T) {
	assert := assert.New(t)

	rs, errs := Compile([]config.RuleConfig{
		{ID: "good", Kind: "keyword", Keywords: []string{"spam"}, Severity: 1},
		{ID: "bad-regex", Kind: "pattern", Pattern: "([a-z", Severity: 1},
		{ID: "bad-kind", Kind: "telepathy", Severity: 1},
		{ID: "bad-rate", Kind: "rate", Threshold: 0, Severity: 1},
		{ID: "bad-action", Kind: "keyword", Keywords: []string{"x"}, Action: "explode"},
		{ID: "good", Kind: "keyword", Keywords: []string{"dupe"}},
		{Kind: "keyword", Keywords: []string{"noid"}},
	}, nil)

	assert.Len(rs.Rules, 7)
	assert.Len(errs, 6)
	assert.Equal(1, rs.Enabled())
	assert.False(rs.Rules[0].Disabled)
	for _, r := range rs.Rules[1:] {
		assert.True(r.Disabled, r.ID)
		assert.NotEmpty(r.DisabledReason)
	}
	assert.Equal("rule-6", rs.Rules[6].ID)
	for _, err := range errs {
		assert.ErrorIs(err, ErrInvalidRule)
	}

	// the valid rule still evaluates
	out := testEvaluator().Evaluate(msg("m1", "u1", "buy spam now", t0), rs)
	assert.Len(out, 1)
	assert.Equal("good", out[0].RuleID)
}

func TestKeywordRule(t *testing.T) {
	assert := assert.New(t)

	rs, errs := Compile([]config.RuleConfig{
		{ID: "promo", Kind: "keyword", Keywords: []string{"free nitro", "giveaway"}, Severity: 4, Action: "delete"},
	}, nil)
	assert.Empty(errs)
	ev := testEvaluator()

	fixtures := []struct {
		content string
		hit     bool
	}{
		{"FREE Nitro here!!", true},
		{"big GIVEAWAY today", true},
		{"free, nitro", true},
		{"nitro free", false},
		{"giveaways", false},
		{"", false},
	}
	for i, fix := range fixtures {
		out := ev.Evaluate(msg(fmt.Sprintf("m%d", i), "u1", fix.content, t0), rs)
		if fix.hit {
			assert.Len(out, 1, fix.content)
			assert.Equal(4.0, out[0].Severity)
			assert.Equal(event.HintDelete, out[0].Action)
			assert.Equal("u1", out[0].UserID)
		} else {
			assert.Empty(out, fix.content)
		}
	}
}

func TestPatternAndProfanityRules(t *testing.T) {
	assert := assert.New(t)

	rs, errs := Compile([]config.RuleConfig{
		{ID: "invite", Kind: "pattern", Pattern: `discord\.gg/\w+`, Severity: 2, Action: "delete"},
		{ID: "profanity", Kind: "profanity", Severity: 4, Action: "delete"},
	}, []string{"badword1", "Darn"})
	assert.Empty(errs)
	ev := testEvaluator()

	out := ev.Evaluate(msg("m1", "u1", "join discord.gg/abc", t0), rs)
	assert.Len(out, 1)
	assert.Equal("invite", out[0].RuleID)

	out = ev.Evaluate(msg("m2", "u1", "you DARNS", t0), rs)
	assert.Len(out, 1)
	assert.Equal("profanity", out[0].RuleID)

	out = ev.Evaluate(msg("m3", "u1", "b*dword1 is not censored but bad_word1 is", t0), rs)
	assert.Len(out, 1)

	// multiple rules may fire on one message, in rule order
	out = ev.Evaluate(msg("m4", "u1", "darn discord.gg/xyz", t0), rs)
	assert.Len(out, 2)
	assert.Equal("invite", out[0].RuleID)
	assert.Equal("profanity", out[1].RuleID)

	out = ev.Evaluate(msg("m5", "u1", "a perfectly nice message", t0), rs)
	assert.Empty(out)
}

func TestRateRule(t *testing.T) {
	assert := assert.New(t)

	rs, _ := Compile([]config.RuleConfig{
		{ID: "spam-rate", Kind: "rate", Threshold: 5, Window: config.Duration(5 * time.Second), Severity: 3},
	}, nil)
	ev := testEvaluator()

	for i := 0; i < 5; i++ {
		out := ev.Evaluate(msg(fmt.Sprintf("a%d", i), "u1", "hi", t0.Add(time.Duration(i)*100*time.Millisecond)), rs)
		assert.Empty(out)
	}
	out := ev.Evaluate(msg("a5", "u1", "hi", t0.Add(600*time.Millisecond)), rs)
	assert.Len(out, 1)

	// other users have their own window
	out = ev.Evaluate(msg("b0", "u2", "hi", t0.Add(600*time.Millisecond)), rs)
	assert.Empty(out)

	// much later, the window has drained
	out = ev.Evaluate(msg("a6", "u1", "hi", t0.Add(time.Minute)), rs)
	assert.Empty(out)
}

func TestDuplicateRule(t *testing.T) {
	assert := assert.New(t)

	rs, _ := Compile([]config.RuleConfig{
		{ID: "dupe", Kind: "duplicate", Threshold: 3, Severity: 3},
	}, nil)
	ev := testEvaluator()

	assert.Empty(ev.Evaluate(msg("m1", "u1", "hello", t0), rs))
	assert.Empty(ev.Evaluate(msg("m2", "u1", "Hello ", t0), rs))
	assert.Len(ev.Evaluate(msg("m3", "u1", "HELLO", t0), rs), 1)
	assert.Empty(ev.Evaluate(msg("m4", "u1", "something else", t0), rs))
	assert.Empty(ev.Evaluate(msg("m5", "u2", "hello", t0), rs))
}

func TestDuplicateRun(t *testing.T) {
	assert := assert.New(t)

	assert.True(duplicateRun([]string{"x", "a", "a"}, 2))
	assert.False(duplicateRun([]string{"a", "a"}, 3))
	assert.False(duplicateRun([]string{"", ""}, 2))
	assert.False(duplicateRun([]string{"a", "b", "a"}, 2))
}

func TestRedeliveredMessageObservedOnce(t *testing.T) {
	assert := assert.New(t)

	rs, _ := Compile([]config.RuleConfig{
		{ID: "dupe", Kind: "duplicate", Threshold: 2, Severity: 3},
		{ID: "spam-rate", Kind: "rate", Threshold: 2, Window: config.Duration(5 * time.Second), Severity: 3},
	}, nil)
	ev := testEvaluator()

	first := ev.Evaluate(msg("m1", "u1", "hello", t0), rs)
	assert.Empty(first)
	// the same id again, as after a failure downstream of evaluation
	for i := 0; i < 3; i++ {
		assert.Equal(first, ev.Evaluate(msg("m1", "u1", "hello", t0), rs))
	}

	// m1 was counted once: one repeat makes a run of two, and two messages fit the rate limit
	out := ev.Evaluate(msg("m2", "u1", "hello", t0.Add(time.Second)), rs)
	assert.Len(out, 1)
	assert.Equal("dupe", out[0].RuleID)

	// a redelivered message which fired keeps its verdict
	assert.Equal(out, ev.Evaluate(msg("m2", "u1", "hello", t0.Add(time.Second)), rs))
	out = ev.Evaluate(msg("m3", "u1", "bye", t0.Add(2*time.Second)), rs)
	assert.Len(out, 1)
	assert.Equal("spam-rate", out[0].RuleID)
}

func TestHistoryExpiresAfterQuietPeriod(t *testing.T) {
	assert := assert.New(t)

	rs, _ := Compile([]config.RuleConfig{
		{ID: "dupe", Kind: "duplicate", Threshold: 3, Severity: 3},
	}, nil)
	ev := NewEvaluator(slog.Default(), 100, 300*time.Millisecond)

	// each message restarts the expiry, so a user posting steadily keeps their history
	assert.Empty(ev.Evaluate(msg("m1", "u1", "hello", t0), rs))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(ev.Evaluate(msg("m2", "u1", "hello", t0), rs))
	time.Sleep(200 * time.Millisecond)
	assert.Len(ev.Evaluate(msg("m3", "u1", "hello", t0), rs), 1)

	// after going quiet the history is gone
	time.Sleep(400 * time.Millisecond)
	assert.Empty(ev.Evaluate(msg("m4", "u1", "hello", t0), rs))
}

func TestWithProfanity(t *testing.T) {
	assert := assert.New(t)

	rs, _ := Compile([]config.RuleConfig{
		{ID: "profanity", Kind: "profanity", Severity: 4, Action: "delete"},
	}, []string{"badword1"})
	ev := testEvaluator()

	assert.Empty(ev.Evaluate(msg("m1", "u1", "what a frell", t0), rs))

	more := rs.WithProfanity("Frell")
	assert.Len(ev.Evaluate(msg("m2", "u1", "what a frell", t0), more), 1)
	assert.Len(ev.Evaluate(msg("m3", "u1", "badword1", t0), more), 1)
	// the original set is unchanged
	assert.Empty(ev.Evaluate(msg("m4", "u1", "what a frell", t0), rs))
	assert.False(rs.Profanity["frell"])
}
