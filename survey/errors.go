package survey

import "errors"

var (
	ErrInvalidDefinition = errors.New("invalid survey definition")
	ErrSurveyNotFound    = errors.New("survey not found")
	ErrSurveyInactive    = errors.New("survey is not active")
	ErrSurveyExpired     = errors.New("survey has expired")
	ErrAlreadyActive     = errors.New("respondent already has a session in progress")
	ErrAlreadyResponded  = errors.New("respondent already completed this survey")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminal   = errors.New("session is no longer active")
	ErrInvalidAnswer     = errors.New("invalid answer")
	// another writer kept changing the session
	ErrBusy = errors.New("session busy")
)
