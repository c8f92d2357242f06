package realtime

import "errors"

var (
	// ErrNotConnected is returned by calls that need an established connection.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrReplyTimeout is returned when the broker does not answer a command in time.
	ErrReplyTimeout = errors.New("realtime: reply timeout")

	// ErrDuplicateSubscription is returned by NewSubscription for a channel already in the registry.
	ErrDuplicateSubscription = errors.New("realtime: duplicate subscription")

	// ErrClientClosed is returned when the connection goes away while a call is pending.
	ErrClientClosed = errors.New("realtime: connection closed")

	// ErrUnauthorized stops reconnecting. GetToken may wrap it to signal that no token can be obtained.
	ErrUnauthorized = errors.New("realtime: unauthorized")

	// ErrConfig is returned for an invalid client configuration.
	ErrConfig = errors.New("realtime: invalid config")
)
