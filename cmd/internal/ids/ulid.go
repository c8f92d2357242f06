// Package ids generates chat message ids.
package ids

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out ULID message ids that sort in the order they were issued,
// even when several messages arrive in the same millisecond or the clock steps back.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	lastMs  uint64
}

// NewGenerator returns a Generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the id for a message received at receivedAt (26 chars).
// A zero receivedAt uses the current time.
func (g *Generator) Next(receivedAt time.Time) string {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ms := max(ulid.Timestamp(receivedAt), g.lastMs)
	for {
		id, err := ulid.New(ms, g.entropy)
		if err == nil {
			g.lastMs = ms
			return id.String()
		}
		// crypto/rand.Reader does not fail, so only an exhausted millisecond gets here.
		if !errors.Is(err, ulid.ErrMonotonicOverflow) {
			panic(err)
		}
		ms++
	}
}
