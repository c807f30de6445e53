package models

import (
	"fmt"
	"time"
)

// Sanction is an active moderation consequence. Values are ordered by severity, so they can be compared
// directly.
type Sanction int

const (
	SanctionNone Sanction = iota
	SanctionWarned
	SanctionMuted
	SanctionBanned
)

func (s Sanction) String() string {
	switch s {
	case SanctionNone:
		return "none"
	case SanctionWarned:
		return "warned"
	case SanctionMuted:
		return "muted"
	case SanctionBanned:
		return "banned"
	default:
		return fmt.Sprintf("sanction(%d)", int(s))
	}
}

func ParseSanction(raw string) (Sanction, error) {
	switch raw {
	case "none", "":
		return SanctionNone, nil
	case "warned":
		return SanctionWarned, nil
	case "muted":
		return SanctionMuted, nil
	case "banned":
		return SanctionBanned, nil
	default:
		return SanctionNone, fmt.Errorf("unknown sanction: %q", raw)
	}
}

func (s Sanction) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Sanction) UnmarshalText(b []byte) error {
	v, err := ParseSanction(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// EscalationState is the per-user moderation state owned by the escalation tracker.
//
// Score is the decayed severity total as of ScoreAt. Version is zero for a state which has never been
// persisted, and is bumped by the store on every successful write.
type EscalationState struct {
	GuildID        string    `json:"guild_id"`
	UserID         string    `json:"user_id"`
	Score          float64   `json:"score"`
	ScoreAt        time.Time `json:"score_at"`
	Sanction       Sanction  `json:"sanction"`
	SanctionExpiry time.Time `json:"sanction_expiry,omitempty"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SanctionActive reports whether a non-none sanction is in force at the given time.
func (s *EscalationState) SanctionActive(now time.Time) bool {
	return s.Sanction != SanctionNone && now.Before(s.SanctionExpiry)
}
