package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLogin is returned when Login receives incomplete credentials.
	ErrInvalidLogin = errors.New("invalid login")

	// ErrNotAuthenticated is returned by operations that require a session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// PersistError reports a durable storage failure for a key.
type PersistError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("session %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
