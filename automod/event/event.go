package event

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEvent = errors.New("invalid event")

// A single chat message, as delivered by the ingest adapter.
//
// Delivery is at-least-once, so the same ID may arrive multiple times; the engine evaluates each ID at most once.
type MessageEvent struct {
	// Stable identifier assigned by the platform. Also used as the message reference for "delete" actions.
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	AuthorID  string    `json:"author_id"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *MessageEvent) Validate() error {
	if m.ID == "" || m.AuthorID == "" || m.ChannelID == "" {
		return fmt.Errorf("%w: message requires id, author_id and channel_id", ErrInvalidEvent)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: message %s has no timestamp", ErrInvalidEvent, m.ID)
	}
	return nil
}

// A bot command invocation (eg, "takesurvey 12"), already split in to name and arguments by the ingest adapter.
type CommandEvent struct {
	ID      string   `json:"id"`
	GuildID string   `json:"guild_id"`
	Name    string   `json:"name"`
	Args    []string `json:"args"`
	Invoker string   `json:"invoker"`
	Channel string   `json:"channel"`
	// Set by the adapter when the invoker holds moderator/administrator permissions on the platform.
	Admin     bool      `json:"admin"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *CommandEvent) Validate() error {
	if c.ID == "" || c.Name == "" || c.Invoker == "" {
		return fmt.Errorf("%w: command requires id, name and invoker", ErrInvalidEvent)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("%w: command %s has no timestamp", ErrInvalidEvent, c.ID)
	}
	return nil
}

// Per-rule hint for what to do with the triggering message, independent of any sanction.
type ActionHint string

const (
	HintNone   ActionHint = "none"
	HintDelete ActionHint = "delete"
	HintWarn   ActionHint = "warn"
	HintLog    ActionHint = "log"
)

func ParseActionHint(raw string) (ActionHint, error) {
	switch ActionHint(raw) {
	case "", HintNone:
		return HintNone, nil
	case HintDelete, HintWarn, HintLog:
		return ActionHint(raw), nil
	default:
		return HintNone, fmt.Errorf("unknown action hint: %q", raw)
	}
}

// Produced for each rule which fires on a message.
type Violation struct {
	MessageID string     `json:"message_id"`
	GuildID   string     `json:"guild_id"`
	UserID    string     `json:"user_id"`
	ChannelID string     `json:"channel_id"`
	RuleID    string     `json:"rule_id"`
	Severity  float64    `json:"severity"`
	Action    ActionHint `json:"action"`
	Timestamp time.Time  `json:"timestamp"`
}
