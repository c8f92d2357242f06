package gateway

import (
	"errors"
	"fmt"
)

// Error is the single failure kind returned by the gateway.
//
// Status is the HTTP status when a response was received (0 for transport failures).
// Err is the underlying transport or decode error, nil for plain non-2xx statuses.
type Error struct {
	Op     string
	Method string
	Path   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("gateway %s: %s %s: status %d: %v", e.Op, e.Method, e.Path, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %s %s: %v", e.Op, e.Method, e.Path, e.Err)
	default:
		return fmt.Sprintf("gateway %s: %s %s: status %d", e.Op, e.Method, e.Path, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsStatus reports whether err is a gateway *Error carrying the given HTTP status.
func IsStatus(err error, status int) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Status == status
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Status
	}
	return 0
}
