package mockbackend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token kinds.
const (
	KindSession  = "session"
	KindRealtime = "realtime"
)

var (
	// ErrTokenInvalid is returned for malformed, unsigned or wrongly signed tokens.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrTokenExpired is returned for a well-formed token past its exp.
	ErrTokenExpired = errors.New("token expired")
)

// User is the backend's view of an account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// UserFor derives the demo account for username.
func UserFor(username string) User {
	return User{
		ID:       "user_" + username,
		Username: username,
		Email:    username + "@example.com",
	}
}

// Claims is the JWT payload for both session and realtime tokens.
type Claims struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Kind     string `json:"kind"`
	jwt.RegisteredClaims
}

// User returns the account carried by the claims.
func (c *Claims) User() User {
	return User{ID: c.Subject, Username: c.Username, Email: c.Email}
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret      []byte
	sessionTTL  time.Duration
	realtimeTTL time.Duration
	now         func() time.Time
}

// NewIssuer constructs an Issuer. The secret must be at least 16 bytes.
func NewIssuer(secret []byte, sessionTTL, realtimeTTL time.Duration, now func() time.Time) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("mockbackend: jwt secret too short (min 16 bytes)")
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if realtimeTTL <= 0 {
		realtimeTTL = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: secret, sessionTTL: sessionTTL, realtimeTTL: realtimeTTL, now: now}, nil
}

// Issue returns a signed token of kind for u and its expiry.
func (i *Issuer) Issue(u User, kind string) (string, time.Time, error) {
	ttl := i.sessionTTL
	if kind == KindRealtime {
		ttl = i.realtimeTTL
	}
	now := i.now()
	exp := now.Add(ttl)

	claims := Claims{
		Username: u.Username,
		Email:    u.Email,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tok, exp, nil
}

// Verify checks signature and expiry. kinds, when given, restricts the accepted token kinds.
func (i *Issuer) Verify(token string, kinds ...string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if len(kinds) > 0 {
		ok := false
		for _, k := range kinds {
			if claims.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: unexpected kind %q", ErrTokenInvalid, claims.Kind)
		}
	}
	return claims, nil
}
