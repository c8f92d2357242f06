package mockbackend

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max publication payload size.
	maxPublicationBytes = 16 << 10

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 25 * time.Second

	closeGrace = 1 * time.Second

	defaultVersion = "1.0.0"

	// Per-connection rate limits (commands per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
