package mockbackend

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned for a malformed or unsupported password hash.
var ErrInvalidHash = errors.New("mockbackend: invalid password hash")

const argon2Version = 19

// hashParams is the Argon2id cost for dev accounts. It is kept small so logins stay fast.
type hashParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var defaultHashParams = hashParams{
	MemoryKiB:   8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashPassword encodes password as $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<key>.
// Config.Passwords accepts the result in place of a plaintext password.
func HashPassword(password string) (string, error) {
	return hashWith(defaultHashParams, password)
}

func hashWith(p hashParams, password string) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key),
	), nil
}

// verifyPassword reports whether password matches encoded.
func verifyPassword(encoded, password string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	if p.MemoryKiB > 256*1024 || p.Iterations > 16 {
		return false, ErrInvalidHash
	}
	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, uint32(len(want))) // #nosec G115 -- bounded by decodeHash
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodeHash(encoded string) (hashParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return hashParams{}, nil, nil, ErrInvalidHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return hashParams{}, nil, nil, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return hashParams{}, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 || len(salt) > 64 {
		return hashParams{}, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) < 16 || len(key) > 128 {
		return hashParams{}, nil, nil, ErrInvalidHash
	}

	return hashParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par), // #nosec G115 -- checked above
		SaltLength:  uint32(len(salt)),
		KeyLength:   uint32(len(key)),
	}, salt, key, nil
}

// accounts holds the known logins as Argon2id hashes. A nil *accounts accepts everyone.
type accounts struct {
	hashes map[string]string
}

// newAccounts hashes plaintext entries. Values already in encoded form are kept.
func newAccounts(passwords map[string]string) (*accounts, error) {
	if passwords == nil {
		return nil, nil
	}
	a := &accounts{hashes: make(map[string]string, len(passwords))}
	for name, pw := range passwords {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("mockbackend: empty account name")
		}
		if strings.HasPrefix(pw, "$argon2id$") {
			if _, _, _, err := decodeHash(pw); err != nil {
				return nil, fmt.Errorf("account %q: %w", name, err)
			}
			a.hashes[name] = pw
			continue
		}
		h, err := HashPassword(pw)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", name, err)
		}
		a.hashes[name] = h
	}
	return a, nil
}

// check reports whether username may log in with password.
func (a *accounts) check(username, password string) bool {
	if a == nil {
		return true
	}
	h, ok := a.hashes[username]
	if !ok {
		return false
	}
	match, err := verifyPassword(h, password)
	return err == nil && match
}
