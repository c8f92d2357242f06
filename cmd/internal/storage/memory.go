package storage

import (
	"context"
	"sync"
)

// Memory is an in-process KV. State is lost on exit; it backs tests and --storage=memory.
type Memory struct {
	mu     sync.Mutex
	data   map[string]string
	closed bool
}

// NewMemory constructs an empty in-memory KV.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get returns the value for key.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

// Delete removes keys.
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Close marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
