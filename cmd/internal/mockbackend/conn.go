package mockbackend

import (
	"sort"
	"sync"

	v1 "topicchat/shared/contracts/pubsub/v1"
)

// kick is a broker-initiated close request handled by the writer pump.
type kick struct {
	code   int
	reason string
}

// Conn represents one connected broker session.
//
// Send is never closed by the broker so concurrent broadcasters cannot panic.
// done signals the session goroutines to stop. Close is idempotent.
type Conn struct {
	ID   string
	User string

	Send chan v1.Reply

	kick     chan kick
	kickOnce sync.Once

	mu   sync.Mutex
	subs map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(id string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Conn{
		ID:   id,
		Send: make(chan v1.Reply, sendQueueSize),
		kick: make(chan kick, 1),
		subs: make(map[string]struct{}),
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the session goroutines to stop (idempotent).
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Disconnect asks the writer to flush, push a disconnect and close the socket with code.
// Only the first request wins. It never blocks.
func (c *Conn) Disconnect(code int, reason string) {
	if c == nil {
		return
	}
	c.kickOnce.Do(func() {
		c.kick <- kick{code: code, reason: reason}
	})
}

// Channels returns the channels this session is subscribed to, sorted.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) track(channel string) {
	c.mu.Lock()
	c.subs[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) untrack(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[channel]; !ok {
		return false
	}
	delete(c.subs, channel)
	return true
}

// enqueue is non-blocking: a full queue reports false.
func (c *Conn) enqueue(r v1.Reply) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- r:
		return true
	default:
		return false
	}
}
