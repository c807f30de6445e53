// Moderation and survey policy: rules, escalation thresholds, rate limits, dispatch and survey tuning.
//
// Policy is read from a JSON file at startup and on reload. Infrastructure settings (database, redis,
// listen addresses) are command-line flags of the daemon instead.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrInvalidConfig is returned for configuration which must prevent startup.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Escalation     EscalationConfig `json:"escalation"`
	RateLimit      RateLimitConfig  `json:"rate_limit"`
	Dispatch       DispatchConfig   `json:"dispatch"`
	Survey         SurveyConfig     `json:"survey"`
	Dedupe         DedupeConfig     `json:"dedupe"`
	ProfanityWords []string         `json:"profanity_words"`
	Rules          []RuleConfig     `json:"rules"`
}

type EscalationConfig struct {
	WarnThreshold      float64  `json:"warn_threshold"`
	MuteThreshold      float64  `json:"mute_threshold"`
	BanThreshold       float64  `json:"ban_threshold"`
	HalfLife           Duration `json:"half_life"`
	WarnDuration       Duration `json:"warn_duration"`
	MuteDuration       Duration `json:"mute_duration"`
	BanDuration        Duration `json:"ban_duration"`
	MaxConflictRetries int      `json:"max_conflict_retries"`
}

type RateLimitConfig struct {
	ChannelCapacity     int      `json:"channel_capacity"`
	ChannelRefillPerSec float64  `json:"channel_refill_per_sec"`
	UserCapacity        int      `json:"user_capacity"`
	UserRefillPerSec    float64  `json:"user_refill_per_sec"`
	AcquireTimeout      Duration `json:"acquire_timeout"`
}

type OverflowPolicy string

const (
	OverflowRejectNew  OverflowPolicy = "reject-new"
	OverflowDropOldest OverflowPolicy = "drop-oldest"
)

type DispatchConfig struct {
	Workers          int            `json:"workers"`
	QueueSize        int            `json:"queue_size"`
	MaxPendingUsers  int            `json:"max_pending_users"`
	Overflow         OverflowPolicy `json:"overflow"`
	MaxAttempts      int            `json:"max_attempts"`
	InitialBackoff   Duration       `json:"initial_backoff"`
	MaxBackoff       Duration       `json:"max_backoff"`
	RateLimitedRetry Duration       `json:"rate_limited_retry"`
}

type SurveyConfig struct {
	InactivityWindow Duration `json:"inactivity_window"`
	SweepInterval    Duration `json:"sweep_interval"`
	MaxQuestions     int      `json:"max_questions"`
	AllowRetake      bool     `json:"allow_retake"`
}

type DedupeConfig struct {
	TTL      Duration `json:"ttl"`
	Capacity int      `json:"capacity"`
}

// RuleConfig is the on-disk form of a moderation rule. Which fields are meaningful depends on Kind.
type RuleConfig struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Keywords  []string `json:"keywords,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Threshold int      `json:"threshold,omitempty"`
	Window    Duration `json:"window,omitempty"`
	Severity  float64  `json:"severity"`
	Action    string   `json:"action,omitempty"`
}

// Default returns the built-in policy, used when no config file is given.
func Default() Config {
	return Config{
		Escalation: EscalationConfig{
			WarnThreshold:      5,
			MuteThreshold:      10,
			BanThreshold:       20,
			HalfLife:           Duration(60 * time.Second),
			WarnDuration:       Duration(time.Hour),
			MuteDuration:       Duration(10 * time.Minute),
			BanDuration:        Duration(7 * 24 * time.Hour),
			MaxConflictRetries: 5,
		},
		RateLimit: RateLimitConfig{
			ChannelCapacity:     5,
			ChannelRefillPerSec: 1,
			UserCapacity:        3,
			UserRefillPerSec:    0.5,
			AcquireTimeout:      Duration(2 * time.Second),
		},
		Dispatch: DispatchConfig{
			Workers:          8,
			QueueSize:        64,
			MaxPendingUsers:  10_000,
			Overflow:         OverflowRejectNew,
			MaxAttempts:      5,
			InitialBackoff:   Duration(200 * time.Millisecond),
			MaxBackoff:       Duration(10 * time.Second),
			RateLimitedRetry: Duration(time.Second),
		},
		Survey: SurveyConfig{
			InactivityWindow: Duration(168 * time.Hour),
			SweepInterval:    Duration(time.Minute),
			MaxQuestions:     20,
		},
		Dedupe: DedupeConfig{
			TTL:      Duration(24 * time.Hour),
			Capacity: 100_000,
		},
		ProfanityWords: []string{"badword1", "badword2", "badword3"},
		Rules: []RuleConfig{
			{ID: "profanity", Kind: "profanity", Severity: 4, Action: "delete"},
			{ID: "spam-rate", Kind: "rate", Threshold: 5, Window: Duration(5 * time.Second), Severity: 3, Action: "delete"},
			{ID: "spam-duplicate", Kind: "duplicate", Threshold: 3, Severity: 3, Action: "delete"},
		},
	}
}

// LoadFile reads a JSON policy file. Fields missing from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	// lists are replaced wholesale rather than merged element-wise with the defaults
	defRules, defWords := cfg.Rules, cfg.ProfanityWords
	cfg.Rules, cfg.ProfanityWords = nil, nil
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if cfg.Rules == nil {
		cfg.Rules = defRules
	}
	if cfg.ProfanityWords == nil {
		cfg.ProfanityWords = defWords
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks global settings. Individual rules are not checked here: a bad rule only disables
// itself when the rule set is compiled.
func (c *Config) Validate() error {
	esc := c.Escalation
	if !(esc.WarnThreshold > 0 && esc.WarnThreshold < esc.MuteThreshold && esc.MuteThreshold < esc.BanThreshold) {
		return fmt.Errorf("%w: escalation thresholds must be positive and ascending (warn=%v mute=%v ban=%v)",
			ErrInvalidConfig, esc.WarnThreshold, esc.MuteThreshold, esc.BanThreshold)
	}
	if esc.HalfLife <= 0 {
		return fmt.Errorf("%w: escalation half_life must be positive", ErrInvalidConfig)
	}
	if esc.WarnDuration <= 0 || esc.MuteDuration <= 0 || esc.BanDuration <= 0 {
		return fmt.Errorf("%w: sanction durations must be positive", ErrInvalidConfig)
	}
	if esc.MaxConflictRetries < 1 {
		return fmt.Errorf("%w: max_conflict_retries must be at least 1", ErrInvalidConfig)
	}

	rl := c.RateLimit
	if rl.ChannelCapacity < 1 || rl.UserCapacity < 1 || rl.ChannelRefillPerSec <= 0 || rl.UserRefillPerSec <= 0 {
		return fmt.Errorf("%w: rate limit capacities and refill rates must be positive", ErrInvalidConfig)
	}
	if rl.AcquireTimeout < 0 {
		return fmt.Errorf("%w: acquire_timeout must not be negative", ErrInvalidConfig)
	}

	d := c.Dispatch
	if d.Workers < 1 || d.QueueSize < 1 || d.MaxPendingUsers < 1 || d.MaxAttempts < 1 {
		return fmt.Errorf("%w: dispatch workers, queue sizes and max_attempts must be positive", ErrInvalidConfig)
	}
	switch d.Overflow {
	case OverflowRejectNew, OverflowDropOldest:
	default:
		return fmt.Errorf("%w: unknown dispatch overflow policy %q", ErrInvalidConfig, d.Overflow)
	}

	s := c.Survey
	if s.InactivityWindow <= 0 || s.SweepInterval <= 0 {
		return fmt.Errorf("%w: survey inactivity_window and sweep_interval must be positive", ErrInvalidConfig)
	}
	if s.MaxQuestions < 1 {
		return fmt.Errorf("%w: survey max_questions must be positive", ErrInvalidConfig)
	}
	if c.Dedupe.TTL <= 0 || c.Dedupe.Capacity < 1 {
		return fmt.Errorf("%w: dedupe ttl and capacity must be positive", ErrInvalidConfig)
	}
	return nil
}
