package session

import "errors"

var (
	// ErrSessionNotFound is returned by stores when no session matches.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicate is returned by stores when an id or token digest is already indexed.
	ErrDuplicate = errors.New("session already exists")

	// ErrUserInactive is returned when a session is requested for a non-active account.
	ErrUserInactive = errors.New("user not active")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
