package models

import (
	"fmt"
	"time"
)

type QuestionKind string

const (
	QuestionChoice QuestionKind = "choice"
	QuestionScale  QuestionKind = "scale"
	QuestionText   QuestionKind = "text"
)

type Question struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Kind     QuestionKind `json:"kind"`
	Options  []string     `json:"options,omitempty"`
	Min      int          `json:"min,omitempty"`
	Max      int          `json:"max,omitempty"`
	Required bool         `json:"required"`
}

// SurveyDefinition is immutable once created, with the exception of the Active flag.
type SurveyDefinition struct {
	ID          string     `json:"id"`
	GuildID     string     `json:"guild_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Questions   []Question `json:"questions"`
	CreatorID   string     `json:"creator_id"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (d *SurveyDefinition) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionInProgress SessionState = "in_progress"
	SessionCompleted  SessionState = "completed"
	SessionAbandoned  SessionState = "abandoned"
	SessionExpired    SessionState = "expired"
)

// ParseSessionState checks a state read from storage.
func ParseSessionState(raw string) (SessionState, error) {
	switch s := SessionState(raw); s {
	case SessionCreated, SessionInProgress, SessionCompleted, SessionAbandoned, SessionExpired:
		return s, nil
	default:
		return "", fmt.Errorf("unknown session state: %q", raw)
	}
}

// Terminal reports whether the session can no longer change. Unknown states count as terminal, so a
// corrupt session is never advanced.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCreated, SessionInProgress:
		return false
	default:
		return true
	}
}

// SurveySession is one respondent's attempt at a survey. Index is the position of the next question to
// be answered, and equals len(Answers).
type SurveySession struct {
	ID             string       `json:"id"`
	SurveyID       string       `json:"survey_id"`
	GuildID        string       `json:"guild_id"`
	RespondentID   string       `json:"respondent_id"`
	Index          int          `json:"index"`
	Answers        []string     `json:"answers"`
	State          SessionState `json:"state"`
	StartedAt      time.Time    `json:"started_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	Version        int64        `json:"version"`
}

// ResponseRecord is written exactly once, when a session completes.
type ResponseRecord struct {
	SessionID    string    `json:"session_id"`
	SurveyID     string    `json:"survey_id"`
	RespondentID string    `json:"respondent_id"`
	Answers      []string  `json:"answers"`
	CompletedAt  time.Time `json:"completed_at"`
}
