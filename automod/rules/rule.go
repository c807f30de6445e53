package rules

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/automod/keyword"
	"github.com/stewardbot/steward/config"
)

var ErrInvalidRule = errors.New("invalid rule")

type Kind string

const (
	KindKeyword   Kind = "keyword"
	KindPattern   Kind = "pattern"
	KindRate      Kind = "rate"
	KindProfanity Kind = "profanity"
	KindDuplicate Kind = "duplicate"
)

// Number of recent message bodies retained per user for duplicate detection.
const duplicateHistorySize = 10

// A compiled moderation rule. Which of the kind-specific fields are populated depends on Kind.
type Rule struct {
	ID       string
	Kind     Kind
	Severity float64
	Action   event.ActionHint

	// keyword: each phrase is a token sequence
	Phrases [][]string
	// pattern
	Pattern *regexp.Regexp
	// rate: max messages per Window; duplicate: number of identical consecutive messages
	Threshold int
	Window    time.Duration

	// A rule which failed to compile stays in the set (so it shows up in status output), but never fires.
	Disabled       bool
	DisabledReason string
}

type RuleSet struct {
	Rules     []Rule
	Profanity map[string]bool
	LoadedAt  time.Time
}

// Enabled returns the number of rules which will be evaluated.
func (rs *RuleSet) Enabled() int {
	n := 0
	for _, r := range rs.Rules {
		if !r.Disabled {
			n++
		}
	}
	return n
}

// WithProfanity returns a copy of the set with more profanity words. The rules are shared with rs.
func (rs *RuleSet) WithProfanity(words ...string) *RuleSet {
	out := *rs
	out.Profanity = make(map[string]bool, len(rs.Profanity)+len(words))
	maps.Copy(out.Profanity, rs.Profanity)
	addProfanity(out.Profanity, words)
	return &out
}

func addProfanity(set map[string]bool, words []string) {
	for _, w := range words {
		for _, tok := range keyword.TokenizeText(w) {
			set[tok] = true
		}
	}
}

func (rs *RuleSet) hasKind(k Kind) bool {
	for _, r := range rs.Rules {
		if r.Kind == k && !r.Disabled {
			return true
		}
	}
	return false
}

// Compiles rule configuration in to a RuleSet.
//
// Invalid rules are included in the set as disabled, and the reason is returned in the error list. Compile never fails as a whole.
func Compile(cfgs []config.RuleConfig, profanity []string) (*RuleSet, []error) {
	var errs []error
	rs := &RuleSet{
		Rules:     make([]Rule, 0, len(cfgs)),
		Profanity: make(map[string]bool, len(profanity)),
		LoadedAt:  time.Now(),
	}
	addProfanity(rs.Profanity, profanity)

	seen := make(map[string]bool, len(cfgs))
	for i, rc := range cfgs {
		r, err := compileRule(rc)
		if err == nil && seen[r.ID] {
			err = fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i)
		}
		if err != nil {
			r.Disabled = true
			r.DisabledReason = err.Error()
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		}
		seen[r.ID] = true
		rs.Rules = append(rs.Rules, r)
	}
	return rs, errs
}

func compileRule(rc config.RuleConfig) (Rule, error) {
	r := Rule{
		ID:        strings.TrimSpace(rc.ID),
		Kind:      Kind(rc.Kind),
		Severity:  rc.Severity,
		Threshold: rc.Threshold,
		Window:    rc.Window.D(),
	}
	if r.ID == "" {
		return r, fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if r.Severity < 0 {
		return r, fmt.Errorf("%w: negative severity", ErrInvalidRule)
	}
	hint, err := event.ParseActionHint(rc.Action)
	if err != nil {
		return r, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	r.Action = hint

	switch r.Kind {
	case KindKeyword:
		for _, kw := range rc.Keywords {
			toks := keyword.TokenizeText(kw)
			if len(toks) > 0 {
				r.Phrases = append(r.Phrases, toks)
			}
		}
		if len(r.Phrases) == 0 {
			return r, fmt.Errorf("%w: keyword rule has no keywords", ErrInvalidRule)
		}
	case KindPattern:
		if rc.Pattern == "" {
			return r, fmt.Errorf("%w: pattern rule has empty pattern", ErrInvalidRule)
		}
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return r, fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		r.Pattern = re
	case KindRate:
		if r.Threshold < 1 || r.Window <= 0 {
			return r, fmt.Errorf("%w: rate rule needs positive threshold and window", ErrInvalidRule)
		}
	case KindDuplicate:
		if r.Threshold < 2 || r.Threshold > duplicateHistorySize {
			return r, fmt.Errorf("%w: duplicate rule threshold must be between 2 and %d", ErrInvalidRule, duplicateHistorySize)
		}
	case KindProfanity:
		// word list is shared across the rule set
	default:
		return r, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rc.Kind)
	}
	return r, nil
}
