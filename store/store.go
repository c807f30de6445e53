// Storage facade for moderation and survey state.
//
// Escalation states and survey sessions are versioned: a write names the version it was based on, and fails with ErrConflict if another writer got there first. Version 0 means "does not exist yet". Response records are write-once.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stewardbot/steward/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("version conflict")
	ErrRecordExists = errors.New("response record already exists")
)

type Store interface {
	// Returns ErrNotFound if the user has no state yet.
	GetEscalationState(ctx context.Context, guildID, userID string) (*models.EscalationState, error)
	// On success the passed state has its Version bumped to expectedVersion+1.
	PutEscalationState(ctx context.Context, state *models.EscalationState, expectedVersion int64) error

	GetSurvey(ctx context.Context, surveyID string) (*models.SurveyDefinition, error)
	PutSurvey(ctx context.Context, def *models.SurveyDefinition) error
	// guildID may be empty for all guilds
	ListSurveys(ctx context.Context, guildID string, activeOnly bool) ([]models.SurveyDefinition, error)

	GetSession(ctx context.Context, sessionID string) (*models.SurveySession, error)
	// On success the passed session has its Version bumped to expectedVersion+1.
	PutSession(ctx context.Context, sess *models.SurveySession, expectedVersion int64) error
	// Returns the non-terminal session for the pair, or ErrNotFound.
	FindOpenSession(ctx context.Context, surveyID, respondentID string) (*models.SurveySession, error)
	// Non-terminal sessions whose last activity is before the cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]models.SurveySession, error)

	// Returns ErrRecordExists if a record for the session was already written.
	AppendResponseRecord(ctx context.Context, rec *models.ResponseRecord) error
	// Returns ErrNotFound if the session has no record.
	GetResponseRecord(ctx context.Context, sessionID string) (*models.ResponseRecord, error)
	ListResponseRecords(ctx context.Context, surveyID string) ([]models.ResponseRecord, error)
	HasResponded(ctx context.Context, surveyID, respondentID string) (bool, error)

	// Entries whose ID is already stored are skipped.
	AppendModerationEntries(ctx context.Context, entries []models.ModerationEntry) error
	// Newest first, at most limit entries (all if limit <= 0).
	ListModerationEntries(ctx context.Context, guildID, userID string, limit int) ([]models.ModerationEntry, error)
}
