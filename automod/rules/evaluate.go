package rules

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/automod/keyword"
)

// Evaluates messages against a RuleSet.
//
// Evaluation is safe for concurrent use. Apart from rate and duplicate rules it is stateless; those consult short per-user histories which are bounded in count (LRU) and evicted after a period without messages from the user.
//
// Each message id contributes to the histories once. Evaluating a redelivered id again (eg, after a downstream failure released its claim) returns the verdicts of its first evaluation, as long as the id is still among the user's last recentIDs messages.
type Evaluator struct {
	Logger *slog.Logger

	windows *expirable.LRU[string, *slidingwindow.Limiter]
	history *expirable.LRU[string, *userHistory]
	// serializes get-or-create of per-user state
	mu sync.Mutex
}

// how many recent message ids per user are remembered for redelivery
const recentIDs = 50

type userHistory struct {
	mu      sync.Mutex
	entries []observation
}

// what the stateful rules saw for one message
type observation struct {
	id       string
	body     string
	recent   []string
	rateHits map[string]bool
}

func NewEvaluator(logger *slog.Logger, capacity int, ttl time.Duration) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		Logger:  logger.With("component", "rules"),
		windows: expirable.NewLRU[string, *slidingwindow.Limiter](capacity, nil, ttl),
		history: expirable.NewLRU[string, *userHistory](capacity, nil, ttl),
	}
}

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

// Evaluate returns one violation per rule that fires on the message, in rule order. The result may be empty.
func (e *Evaluator) Evaluate(evt *event.MessageEvent, rs *RuleSet) []event.Violation {
	if rs == nil {
		return nil
	}
	var m message
	m.evt = evt
	if rs.hasKind(KindDuplicate) || rs.hasKind(KindRate) {
		m.obs = e.observe(evt, rs)
	}

	var out []event.Violation
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Disabled {
			continue
		}
		if !e.fires(r, rs, &m) {
			continue
		}
		ruleFireCount.WithLabelValues(r.ID).Inc()
		out = append(out, event.Violation{
			MessageID: evt.ID,
			GuildID:   evt.GuildID,
			UserID:    evt.AuthorID,
			ChannelID: evt.ChannelID,
			RuleID:    r.ID,
			Severity:  r.Severity,
			Action:    r.Action,
			Timestamp: evt.Timestamp,
		})
	}
	return out
}

// per-message scratch space; tokenization is done lazily and at most once
type message struct {
	evt           *event.MessageEvent
	tokens        []string
	censorTokens  []string
	tokenized     bool
	censorChecked bool
	obs           *observation
}

func (m *message) Tokens() []string {
	if !m.tokenized {
		m.tokens = keyword.TokenizeText(m.evt.Content)
		m.tokenized = true
	}
	return m.tokens
}

func (m *message) CensorTokens() []string {
	if !m.censorChecked {
		m.censorTokens = keyword.TokenizeTextSkippingCensorChars(m.evt.Content)
		m.censorChecked = true
	}
	return m.censorTokens
}

func (e *Evaluator) fires(r *Rule, rs *RuleSet, m *message) (hit bool) {
	// similar to an HTTP server, we want to recover any panics from rule execution
	defer func() {
		if rec := recover(); rec != nil {
			e.Logger.Error("rule evaluation exception", "err", rec, "rule", r.ID, "message", m.evt.ID)
			ruleErrorCount.WithLabelValues(r.ID).Inc()
			hit = false
		}
	}()

	switch r.Kind {
	case KindKeyword:
		toks := m.Tokens()
		for _, p := range r.Phrases {
			if keyword.ContainsPhrase(toks, p) {
				return true
			}
		}
		return false
	case KindPattern:
		return matchPattern(r.Pattern, m.evt.Content)
	case KindProfanity:
		return containsProfanity(rs.Profanity, m.Tokens()) || containsProfanity(rs.Profanity, m.CensorTokens())
	case KindRate:
		return m.obs.rateHits[r.ID]
	case KindDuplicate:
		return duplicateRun(m.obs.recent, r.Threshold)
	default:
		panic("unhandled rule kind: " + string(r.Kind))
	}
}

func matchPattern(re *regexp.Regexp, content string) bool {
	return re.MatchString(content)
}

func containsProfanity(words map[string]bool, toks []string) bool {
	for _, tok := range toks {
		if words[tok] || words[keyword.Singular(tok)] {
			return true
		}
	}
	return false
}

func userKey(evt *event.MessageEvent) string {
	return evt.GuildID + "/" + evt.AuthorID
}

// rateAllow counts the message against the per-user window for this rule, and reports whether it is within the limit.
func (e *Evaluator) rateAllow(r *Rule, evt *event.MessageEvent) bool {
	key := r.ID + "/" + userKey(evt)

	e.mu.Lock()
	lim, ok := e.windows.Get(key)
	if !ok || lim.Size() != r.Window || lim.Limit() != int64(r.Threshold) {
		// new user, or the rule was reloaded with different parameters
		lim, _ = slidingwindow.NewLimiter(r.Window, int64(r.Threshold), windowFunc)
	}
	// re-adding restarts the TTL, so only users who go quiet are evicted
	e.windows.Add(key, lim)
	e.mu.Unlock()

	return lim.AllowN(evt.Timestamp, 1)
}

// observe runs the stateful rules for a message once, recording it in the author's history. A message
// id seen before gets its earlier observation back, and changes nothing.
func (e *Evaluator) observe(evt *event.MessageEvent, rs *RuleSet) *observation {
	key := userKey(evt)

	e.mu.Lock()
	uh, ok := e.history.Get(key)
	if !ok {
		uh = &userHistory{}
	}
	e.history.Add(key, uh)
	e.mu.Unlock()

	uh.mu.Lock()
	defer uh.mu.Unlock()
	for i := range uh.entries {
		if uh.entries[i].id == evt.ID {
			prev := uh.entries[i]
			return &prev
		}
	}

	obs := observation{
		id:       evt.ID,
		body:     strings.ToLower(strings.TrimSpace(evt.Content)),
		rateHits: make(map[string]bool),
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Kind == KindRate && !r.Disabled {
			obs.rateHits[r.ID] = !e.rateAllow(r, evt)
		}
	}

	first := max(len(uh.entries)-(duplicateHistorySize-1), 0)
	obs.recent = make([]string, 0, duplicateHistorySize)
	for _, prev := range uh.entries[first:] {
		obs.recent = append(obs.recent, prev.body)
	}
	obs.recent = append(obs.recent, obs.body)

	uh.entries = append(uh.entries, obs)
	if len(uh.entries) > recentIDs {
		uh.entries = slices.Clone(uh.entries[len(uh.entries)-recentIDs:])
	}
	return &obs
}

// duplicateRun reports whether the last n entries of recent are identical (and non-empty).
func duplicateRun(recent []string, n int) bool {
	if n < 2 || len(recent) < n {
		return false
	}
	tail := recent[len(recent)-n:]
	if tail[0] == "" {
		return false
	}
	for _, b := range tail[1:] {
		if b != tail[0] {
			return false
		}
	}
	return true
}
