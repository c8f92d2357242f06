package realtime

import (
	"encoding/json"
	"slices"
	"sync"

	v1 "topicchat/shared/contracts/pubsub/v1"
)

// Connecting and disconnect codes reported in events. Broker close codes (3000+) pass through.
const (
	CodeConnectCalled    uint32 = 0
	CodeTransportClosed  uint32 = 1
	CodeNoPing           uint32 = 2
	CodeDisconnectCalled uint32 = 0
	CodeUnauthorized     uint32 = 1
	CodeBadProtocol      uint32 = 2

	CodeUnsubscribeCalled uint32 = 0
)

// ConnectingEvent is emitted when a connection attempt starts.
type ConnectingEvent struct {
	Code   uint32
	Reason string
}

// ConnectedEvent is emitted after a successful connect handshake.
type ConnectedEvent struct {
	ClientID string
	Version  string
}

// DisconnectedEvent is emitted when the connection is lost or closed.
// Reconnect reports whether the client will try again.
type DisconnectedEvent struct {
	Code      uint32
	Reason    string
	Reconnect bool
}

// ErrorEvent reports a non-fatal client error (failed attempt, bad frame).
type ErrorEvent struct {
	Err error
}

// PublicationEvent carries one publication delivered on a subscribed channel.
type PublicationEvent struct {
	Channel string
	Data    json.RawMessage
	Offset  uint64
	Info    *v1.ClientInfo
}

// SubscribedEvent is emitted when the broker confirms a subscription.
type SubscribedEvent struct {
	Channel string
}

// UnsubscribedEvent is emitted when a subscription ends, locally or by the broker.
type UnsubscribedEvent struct {
	Channel string
	Code    uint32
	Reason  string
}

// SubscriptionErrorEvent reports a failed subscribe attempt.
type SubscriptionErrorEvent struct {
	Channel string
	Err     error
}

// listeners is a copy-on-emit listener list. Handlers run outside the lock.
type listeners[E any] struct {
	mu  sync.Mutex
	fns []func(E)
}

func (l *listeners[E]) add(fn func(E)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners[E]) emit(e E) {
	l.mu.Lock()
	fns := slices.Clone(l.fns)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (l *listeners[E]) reset() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}
