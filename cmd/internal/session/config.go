package session

import "time"

// Persisted keys.
const (
	KeyToken         = "auth_token"
	KeyRealtimeToken = "centrifuge_token"
	KeyUser          = "user"
)

// Keys lists every persisted key. They are written, removed and validated together.
var Keys = []string{KeyToken, KeyRealtimeToken, KeyUser}

// Config controls restore validation.
type Config struct {
	// RequireRealtimeToken makes the realtime token mandatory for Login and Initialize.
	RequireRealtimeToken bool

	// CheckExpiry rejects a restored session whose token is a JWT with an exp in the past.
	CheckExpiry bool

	// Now is the clock used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{CheckExpiry: true, Now: time.Now}
}
