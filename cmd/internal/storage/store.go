// Package storage provides the durable client-side key/value state used to persist a session
// across process restarts.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedKind is returned by Open for an unknown backend kind.
	ErrUnsupportedKind = errors.New("storage: unsupported kind")

	// ErrSealedOpen is returned when a sealed value cannot be decrypted
	// (wrong passphrase, truncated or tampered value).
	ErrSealedOpen = errors.New("storage: cannot open sealed value")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: closed")
)

// KV is a small string key/value store.
//
// Get reports ok=false (and no error) for a missing key.
// Delete ignores missing keys.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
