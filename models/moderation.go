package models

import (
	"time"
)

type ModerationKind string

const (
	// a rule fired on a message
	ModViolation ModerationKind = "violation"
	// automatic sanction change from the score
	ModEscalate ModerationKind = "escalate"
	ModExpire   ModerationKind = "expire"
	// moderator commands
	ModWarn  ModerationKind = "warn"
	ModMute  ModerationKind = "mute"
	ModBan   ModerationKind = "ban"
	ModKick  ModerationKind = "kick"
	ModPurge ModerationKind = "purge"
	ModClear ModerationKind = "clear"
)

// ModerationEntry is one line of a user's moderation history. Entries are append-only. ID is derived
// from the event which caused the entry, so a redelivered event does not add a second copy.
type ModerationEntry struct {
	ID        string         `json:"id"`
	GuildID   string         `json:"guild_id"`
	UserID    string         `json:"user_id"`
	Kind      ModerationKind `json:"kind"`
	ChannelID string         `json:"channel_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	RuleID    string         `json:"rule_id,omitempty"`
	Severity  float64        `json:"severity,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	// empty for automatic entries
	ActorID   string        `json:"actor_id,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
