package mockbackend

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	v1 "topicchat/shared/contracts/pubsub/v1"
)

// Channel is an in-memory membership + broadcast fanout primitive.
//
// Join/Leave are safe under concurrent Broadcast. Broadcast never blocks: a member whose queue
// is full is disconnected as a slow consumer.
type Channel struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Conn
	offset  uint64
}

// NewChannel constructs a channel.
func NewChannel(log *slog.Logger, name string) *Channel {
	return &Channel{
		log:     log,
		Name:    name,
		members: make(map[string]*Conn),
	}
}

// Join adds a session to membership. It reports false when the session was already a member.
// ack, when non-nil, is queued to the session before any later broadcast on the channel.
func (c *Channel) Join(conn *Conn, ack *v1.Reply) bool {
	if c == nil || conn == nil || conn.ID == "" {
		return false
	}

	c.mu.Lock()
	if _, ok := c.members[conn.ID]; ok {
		c.mu.Unlock()
		return false
	}
	c.members[conn.ID] = conn
	if ack != nil && !conn.enqueue(*ack) {
		conn.Disconnect(v1.CloseSlow, "slow")
	}
	c.mu.Unlock()

	conn.track(c.Name)
	c.log.Info("channel.member.join", "channel", c.Name, "client_id", conn.ID)
	return true
}

// Leave removes a session from membership. It reports whether the session was a member.
func (c *Channel) Leave(connID string) bool {
	if c == nil || connID == "" {
		return false
	}

	c.mu.Lock()
	conn, ok := c.members[connID]
	delete(c.members, connID)
	c.mu.Unlock()

	if !ok {
		return false
	}
	conn.untrack(c.Name)
	c.log.Info("channel.member.leave", "channel", c.Name, "client_id", connID)
	return true
}

// Has reports whether connID is a member.
func (c *Channel) Has(connID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[connID]
	return ok
}

// Members returns member ids, sorted.
func (c *Channel) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Broadcast assigns the next offset and fans the publication out to all members.
// Offsets are assigned under the channel lock so every member observes the same order.
func (c *Channel) Broadcast(data json.RawMessage, info *v1.ClientInfo) (offset uint64, delivered int) {
	if c == nil {
		return 0, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.offset++
	push := v1.Reply{Push: &v1.Push{
		Channel: c.Name,
		Pub:     &v1.Publication{Data: data, Offset: c.offset, Info: info},
	}}

	for _, m := range c.members {
		if m == nil {
			continue
		}
		if m.enqueue(push) {
			delivered++
			continue
		}
		select {
		case <-m.Done():
		default:
			c.log.Warn("channel.member.slow", "channel", c.Name, "client_id", m.ID)
			m.Disconnect(v1.CloseSlow, "slow")
		}
	}
	return c.offset, delivered
}

func (c *Channel) empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members) == 0
}
