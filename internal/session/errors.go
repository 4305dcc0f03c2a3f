package session

import "github.com/pkg/errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrScopeAlreadyActive = errors.New("scope already has an active session")
	ErrSessionTerminal    = errors.New("session already terminal")
	ErrAlreadyRecording   = errors.New("session already recording")
	ErrNotRecording       = errors.New("session not recording")
	ErrInvalidDuration    = errors.New("invalid recording duration")
	ErrTooManySessions    = errors.New("maximum concurrent sessions reached")
)
