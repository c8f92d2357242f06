package realtime

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	defaultReplyTimeout     = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	// Reconnect backoff bounds.
	defaultMinReconnectDelay = 500 * time.Millisecond
	defaultMaxReconnectDelay = 20 * time.Second

	// Extra time allowed past the server ping interval before the connection is considered dead.
	pingGrace = 10 * time.Second
)
