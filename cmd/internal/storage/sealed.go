package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltKey is the reserved key under which Sealed keeps its key-derivation salt.
const SaltKey = "__sealed_salt"

const sealedPrefix = "v1:"

// KDFParams controls Argon2id key derivation for Sealed.
// MemoryKiB is in KiB as required by argon2.IDKey.
type KDFParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
}

// DefaultKDFParams returns the baseline used for passphrase-derived keys.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
	}
}

// Sealed wraps a KV and encrypts every value with XChaCha20-Poly1305.
// The key is derived once from the passphrase and a per-store salt persisted in the inner KV.
// Each value is bound to its key through the AEAD additional data.
type Sealed struct {
	inner KV
	aead  cipher.AEAD
}

// NewSealed derives the encryption key and returns the wrapper.
// A fresh salt is generated and stored the first time a store is sealed.
func NewSealed(ctx context.Context, inner KV, passphrase string, params KDFParams) (*Sealed, error) {
	if inner == nil {
		return nil, errors.New("storage: nil inner store")
	}
	if passphrase == "" {
		return nil, errors.New("storage: empty passphrase")
	}
	if params.SaltLength == 0 {
		params = DefaultKDFParams()
	}

	salt, err := loadOrCreateSalt(ctx, inner, params.SaltLength)
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(passphrase), salt, params.Iterations, params.MemoryKiB, params.Parallelism, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("storage: init cipher: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func loadOrCreateSalt(ctx context.Context, inner KV, n uint32) ([]byte, error) {
	enc, ok, err := inner.Get(ctx, SaltKey)
	if err != nil {
		return nil, fmt.Errorf("storage: load salt: %w", err)
	}
	if ok {
		salt, err := base64.RawStdEncoding.DecodeString(enc)
		if err != nil || len(salt) == 0 {
			return nil, ErrSealedOpen
		}
		return salt, nil
	}

	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("storage: generate salt: %w", err)
	}
	if err := inner.Set(ctx, SaltKey, base64.RawStdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("storage: store salt: %w", err)
	}
	return salt, nil
}

// Get returns the decrypted value for key.
// A value that fails authentication yields ErrSealedOpen.
func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	enc, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	if !strings.HasPrefix(enc, sealedPrefix) {
		return "", false, ErrSealedOpen
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(enc, sealedPrefix))
	if err != nil {
		return "", false, ErrSealedOpen
	}

	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", false, ErrSealedOpen
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(key))
	if err != nil {
		return "", false, ErrSealedOpen
	}
	return string(plain), true, nil
}

// Set encrypts value and stores it under key.
func (s *Sealed) Set(ctx context.Context, key, value string) error {
	if key == SaltKey {
		return fmt.Errorf("storage: key %q is reserved", key)
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("storage: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return s.inner.Set(ctx, key, sealedPrefix+base64.RawStdEncoding.EncodeToString(sealed))
}

// Delete removes keys from the inner store. The salt is never removed.
func (s *Sealed) Delete(ctx context.Context, keys ...string) error {
	filtered := keys[:0:0]
	for _, k := range keys {
		if k != SaltKey {
			filtered = append(filtered, k)
		}
	}
	return s.inner.Delete(ctx, filtered...)
}

// Close closes the inner store.
func (s *Sealed) Close() error {
	return s.inner.Close()
}
