// Package chat holds the reactive chat view state: connection status, the active topic
// and the messages received for it.
//
// The realtime Manager is the only writer; renderers subscribe to snapshots.
package chat

import (
	"slices"
	"sync"
)

// DefaultMaxMessages bounds the message list; the oldest entries are dropped first.
const DefaultMaxMessages = 10_000

// DefaultTopics are the selectable topics. "all" is the fan-in view.
var DefaultTopics = []string{"all", "general", "tech", "random"}

// Message is one received chat message. Timestamp is epoch milliseconds.
type Message struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Topic     string `json:"topic"`
}

// State is a snapshot of the chat view. Messages is cleared whenever ActiveTopic changes.
type State struct {
	IsConnected bool
	Messages    []Message
	ActiveTopic string
	Topics      []string
}

// Store is the chat state container.
type Store struct {
	topics      []string
	maxMessages int

	// opMu serializes mutations so observers see changes in order.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    State
	watchers map[uint64]func(State)
	nextID   uint64
}

// Option customizes a Store.
type Option func(*Store)

// WithTopics overrides the selectable topics.
func WithTopics(topics []string) Option {
	return func(s *Store) {
		if len(topics) > 0 {
			s.topics = slices.Clone(topics)
		}
	}
}

// WithMaxMessages overrides the message bound (<= 0 keeps the default).
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// NewStore returns a Store in its initial state.
func NewStore(opts ...Option) *Store {
	s := &Store{
		topics:      slices.Clone(DefaultTopics),
		maxMessages: DefaultMaxMessages,
		watchers:    make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.state = s.initial()
	return s
}

func (s *Store) initial() State {
	return State{Topics: slices.Clone(s.topics)}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

// SetConnected records the transport state.
func (s *Store) SetConnected(connected bool) {
	s.update(func(st *State) bool {
		if st.IsConnected == connected {
			return false
		}
		st.IsConnected = connected
		return true
	})
}

// SetActiveTopic switches the view to topic and always clears messages.
func (s *Store) SetActiveTopic(topic string) {
	s.update(func(st *State) bool {
		st.ActiveTopic = topic
		st.Messages = nil
		return true
	})
}

// AppendMessage appends m in arrival order.
func (s *Store) AppendMessage(m Message) {
	s.update(func(st *State) bool {
		st.Messages = append(st.Messages, m)
		// Reslicing drops the oldest in O(1); append reallocates once capacity runs out.
		if over := len(st.Messages) - s.maxMessages; over > 0 {
			st.Messages = st.Messages[over:]
		}
		return true
	})
}

// Reset restores the initial state.
func (s *Store) Reset() {
	s.update(func(st *State) bool {
		*st = s.initial()
		return true
	})
}

// Subscribe registers fn; it receives the current state immediately and every change.
// fn must not call mutating Store methods synchronously.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.opMu.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	cur := cloneState(s.state)
	s.mu.Unlock()

	fn(cur)
	s.opMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) update(mutate func(*State) bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !mutate(&s.state) {
		s.mu.Unlock()
		return
	}
	if len(s.watchers) == 0 {
		s.mu.Unlock()
		return
	}
	next := cloneState(s.state)
	fns := make([]func(State), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

func cloneState(st State) State {
	st.Messages = slices.Clone(st.Messages)
	st.Topics = slices.Clone(st.Topics)
	return st
}
