package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"topicchat/cmd/internal/storage"
)

// Store owns the session state and its durable copy.
//
// Mutations are serialized; observers are notified in mutation order.
// Observers must not call mutating Store methods synchronously from their callback.
type Store struct {
	cfg Config
	kv  storage.KV
	log *slog.Logger

	// opMu serializes mutations and notifications.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    State
	watchers map[uint64]func(State)
	nextID   uint64
}

// New constructs a Store. The initial state is logged out; call Initialize to restore.
func New(kv storage.KV, cfg Config, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cfg:      cfg,
		kv:       kv,
		log:      log,
		watchers: make(map[uint64]func(State)),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Token returns the session token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token
}

// TokenExpired reports whether the held session token is a JWT past its exp claim.
func (s *Store) TokenExpired() bool {
	tok := s.Token()
	return tok != "" && tokenExpired(tok, s.cfg.Now())
}

// RealtimeToken returns the realtime token, or "" when none is held.
func (s *Store) RealtimeToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.RealtimeToken
}

// Subscribe registers fn. It is called with the current state immediately and on every change.
// The returned cancel func is idempotent.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.opMu.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	cur := s.state.clone()
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

// Login persists the tokens and user, then publishes the authenticated state.
// No network call is made. On a storage failure the previous session is written back
// and the in-memory state is left unchanged; if the write-back fails as well the
// session is dropped in memory and storage.
func (s *Store) Login(ctx context.Context, token, realtimeToken string, u User) error {
	token = strings.TrimSpace(token)
	realtimeToken = strings.TrimSpace(realtimeToken)
	switch {
	case token == "":
		return errors.Join(ErrInvalidLogin, errors.New("empty token"))
	case strings.TrimSpace(u.ID) == "":
		return errors.Join(ErrInvalidLogin, errors.New("empty user id"))
	case s.cfg.RequireRealtimeToken && realtimeToken == "":
		return errors.Join(ErrInvalidLogin, errors.New("empty realtime token"))
	}

	userJSON, err := json.Marshal(u)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	prev := s.Snapshot()
	if err := s.persist(ctx, token, realtimeToken, string(userJSON)); err != nil {
		s.log.Warn("session.login.persist_fail", "user_id", u.ID, "err", err)
		s.rollback(context.WithoutCancel(ctx), prev)
		return err
	}

	s.publish(authenticated(token, realtimeToken, u))
	s.log.Info("session.login.ok", "user_id", u.ID, "username", u.Username, "realtime_token", realtimeToken != "")
	return nil
}

// rollback restores the durable copy of prev after a failed Login. Caller holds opMu.
func (s *Store) rollback(ctx context.Context, prev State) {
	if prev.IsAuthenticated && prev.User != nil {
		userJSON, err := json.Marshal(prev.User)
		if err == nil {
			err = s.persist(ctx, prev.Token, prev.RealtimeToken, string(userJSON))
		}
		if err == nil {
			return
		}
		s.log.Warn("session.login.restore_fail", "user_id", prev.User.ID, "err", err)
		s.publish(State{})
	}
	_ = s.kv.Delete(ctx, Keys...)
}

func (s *Store) persist(ctx context.Context, token, realtimeToken, userJSON string) error {
	if err := s.kv.Set(ctx, KeyToken, token); err != nil {
		return &PersistError{Op: "set", Key: KeyToken, Err: err}
	}
	if realtimeToken != "" {
		if err := s.kv.Set(ctx, KeyRealtimeToken, realtimeToken); err != nil {
			return &PersistError{Op: "set", Key: KeyRealtimeToken, Err: err}
		}
	} else if err := s.kv.Delete(ctx, KeyRealtimeToken); err != nil {
		return &PersistError{Op: "delete", Key: KeyRealtimeToken, Err: err}
	}
	if err := s.kv.Set(ctx, KeyUser, userJSON); err != nil {
		return &PersistError{Op: "set", Key: KeyUser, Err: err}
	}
	return nil
}

// Logout resets the state and removes every persisted key. It is idempotent.
// The in-memory state is reset even when the storage delete fails; that error is returned.
func (s *Store) Logout(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.logoutLocked(ctx)
}

func (s *Store) logoutLocked(ctx context.Context) error {
	wasAuthenticated := s.Snapshot().IsAuthenticated
	s.publish(State{})

	if err := s.kv.Delete(ctx, Keys...); err != nil {
		s.log.Warn("session.logout.persist_fail", "err", err)
		return &PersistError{Op: "delete", Key: strings.Join(Keys, ","), Err: err}
	}
	if wasAuthenticated {
		s.log.Info("session.logout.ok")
	}
	return nil
}

// SetRealtimeToken replaces the realtime token of the current session.
func (s *Store) SetRealtimeToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.Join(ErrInvalidLogin, errors.New("empty realtime token"))
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	cur := s.Snapshot()
	if !cur.IsAuthenticated {
		return ErrNotAuthenticated
	}
	if err := s.kv.Set(ctx, KeyRealtimeToken, token); err != nil {
		return &PersistError{Op: "set", Key: KeyRealtimeToken, Err: err}
	}

	cur.RealtimeToken = token
	s.publish(cur)
	s.log.Debug("session.realtime_token.updated")
	return nil
}

// Initialize restores a persisted session. Missing, partial or malformed data
// (and storage read failures) result in Logout; no error is returned to the caller.
func (s *Store) Initialize(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	restored, reason := s.restore(ctx)
	if reason != "" {
		s.log.Info("session.restore.fail", "reason", reason)
		_ = s.logoutLocked(ctx)
		return
	}

	s.publish(restored)
	s.log.Info("session.restore.ok", "user_id", restored.User.ID)
}

// restore returns the persisted session or a non-empty reason why it cannot be used.
func (s *Store) restore(ctx context.Context) (State, string) {
	token, okToken, err := s.kv.Get(ctx, KeyToken)
	if err != nil {
		return State{}, "read token: " + err.Error()
	}
	userJSON, okUser, err := s.kv.Get(ctx, KeyUser)
	if err != nil {
		return State{}, "read user: " + err.Error()
	}
	rtToken, okRT, err := s.kv.Get(ctx, KeyRealtimeToken)
	if err != nil {
		return State{}, "read realtime token: " + err.Error()
	}

	if !okToken && !okUser && !okRT {
		return State{}, "empty"
	}
	if !okToken || strings.TrimSpace(token) == "" {
		return State{}, "missing token"
	}
	if !okUser {
		return State{}, "missing user"
	}
	if s.cfg.RequireRealtimeToken && (!okRT || strings.TrimSpace(rtToken) == "") {
		return State{}, "missing realtime token"
	}

	var u User
	if err := json.Unmarshal([]byte(userJSON), &u); err != nil {
		return State{}, "malformed user"
	}
	if strings.TrimSpace(u.ID) == "" {
		return State{}, "user without id"
	}

	if s.cfg.CheckExpiry && tokenExpired(token, s.cfg.Now()) {
		return State{}, "token expired"
	}

	return authenticated(token, rtToken, u), ""
}

// tokenExpired reports whether token is a JWT whose exp claim is at or before now.
// Opaque (non-JWT) tokens never expire from the client's point of view.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}

// publish stores next and notifies watchers. Caller holds opMu.
func (s *Store) publish(next State) {
	s.mu.Lock()
	s.state = next
	fns := make([]func(State), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next.clone())
	}
}
