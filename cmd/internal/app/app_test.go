package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topicchat/cmd/internal/chat"
	"topicchat/cmd/internal/gateway"
	"topicchat/cmd/internal/mockbackend"
	"topicchat/cmd/internal/realtime"
	"topicchat/cmd/internal/session"
	"topicchat/cmd/internal/storage"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func startMock(t *testing.T, mutate func(*Config)) (*Mock, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Mock.PingInterval = -1
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewMock(cfg, nil)
	require.NoError(t, err)

	hs := httptest.NewServer(m.Handler())
	t.Cleanup(func() {
		m.Backend().Close()
		hs.Close()
	})
	return m, hs
}

func newTestApp(t *testing.T, hs *httptest.Server, mutate func(*Config)) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.APIURL = hs.URL + mockbackend.APIPrefix
	cfg.RealtimeURL = realtimeURLFromAPI(cfg.APIURL, mockbackend.WebSocketPath)
	cfg.Storage = StorageConfig{Kind: storage.KindMemory}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func messages(a *App) []chat.Message { return a.Chat().Snapshot().Messages }

func TestApp_LoginWhoamiLogout(t *testing.T) {
	_, hs := startMock(t, nil)
	a := newTestApp(t, hs, nil)
	ctx := context.Background()

	_, err := a.Whoami(ctx)
	require.ErrorIs(t, err, session.ErrNotAuthenticated)

	u, err := a.Login(ctx, " alice ", "pw")
	require.NoError(t, err)
	assert.Equal(t, "user_alice", u.ID)

	st := a.Session().Snapshot()
	require.True(t, st.IsAuthenticated)
	assert.NotEmpty(t, st.RealtimeToken)

	me, err := a.Whoami(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, "alice@example.com", me.Email)

	require.NoError(t, a.Logout(ctx))
	assert.False(t, a.Session().Snapshot().IsAuthenticated)
}

func TestApp_LoginRejected(t *testing.T) {
	_, hs := startMock(t, func(c *Config) {
		c.Mock.Users = map[string]string{"alice": "right"}
	})
	a := newTestApp(t, hs, nil)

	_, err := a.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.True(t, gateway.IsStatus(err, http.StatusUnauthorized))
	assert.False(t, a.Session().Snapshot().IsAuthenticated)
}

func TestApp_Health(t *testing.T) {
	_, hs := startMock(t, nil)
	a := newTestApp(t, hs, nil)

	h, err := a.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK())
	assert.Equal(t, Version, h.Version)
}

func TestApp_ConnectRequiresSession(t *testing.T) {
	_, hs := startMock(t, nil)
	a := newTestApp(t, hs, nil)

	require.ErrorIs(t, a.Connect(context.Background()), session.ErrNotAuthenticated)
	require.ErrorIs(t, a.Send(context.Background(), "hi"), session.ErrNotAuthenticated)
}

func TestApp_ChatRoundTrip(t *testing.T) {
	for _, useRealtime := range []bool{true, false} {
		t.Run(map[bool]string{true: "realtime_token", false: "session_token"}[useRealtime], func(t *testing.T) {
			_, hs := startMock(t, nil)
			a := newTestApp(t, hs, func(c *Config) { c.UseRealtimeToken = useRealtime })
			ctx := context.Background()

			_, err := a.Login(ctx, "alice", "pw")
			require.NoError(t, err)
			require.NoError(t, a.Connect(ctx))
			require.NoError(t, a.Join(ctx, "general"))
			require.NoError(t, a.Send(ctx, "  hello  "))

			require.Eventually(t, func() bool { return len(messages(a)) == 1 }, waitFor, tick)
			msg := messages(a)[0]
			assert.Equal(t, "hello", msg.Content)
			assert.Equal(t, "alice", msg.Username)
			assert.Equal(t, "general", msg.Topic)
			assert.True(t, a.Chat().Snapshot().IsConnected)
		})
	}
}

func TestApp_JoinUnknownTopic(t *testing.T) {
	_, hs := startMock(t, nil)
	a := newTestApp(t, hs, nil)

	require.ErrorIs(t, a.Join(context.Background(), "nope"), ErrUnknownTopic)
}

func TestApp_FanInReceivesServerPublishes(t *testing.T) {
	m, hs := startMock(t, nil)
	a := newTestApp(t, hs, nil)
	ctx := context.Background()

	_, err := a.Login(ctx, "bob", "pw")
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Join(ctx, "all"))
	assert.Equal(t, realtime.ModeFanIn, a.Manager().Mode())

	_, err = m.Backend().Broker().Publish("chat:tech", []byte(`{"username":"srv","content":"deploy","timestamp":1}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(messages(a)) == 1 }, waitFor, tick)
	assert.Equal(t, "tech", messages(a)[0].Topic)

	// Sending is disabled in the aggregate view.
	require.NoError(t, a.Send(ctx, "ignored"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, messages(a), 1)
}

func TestApp_FetchRealtimeTokenRefreshesSession(t *testing.T) {
	_, hs := startMock(t, nil)
	a := newTestApp(t, hs, nil)
	ctx := context.Background()

	_, err := a.fetchRealtimeToken(ctx)
	require.ErrorIs(t, err, realtime.ErrUnauthorized)

	_, err = a.Login(ctx, "carol", "pw")
	require.NoError(t, err)

	tok, err := a.fetchRealtimeToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, a.Session().RealtimeToken())
}

func TestApp_FetchSessionTokenWithoutRealtimeTokens(t *testing.T) {
	_, hs := startMock(t, nil)
	a := newTestApp(t, hs, func(c *Config) { c.UseRealtimeToken = false })
	ctx := context.Background()

	_, err := a.fetchRealtimeToken(ctx)
	require.ErrorIs(t, err, realtime.ErrUnauthorized)

	_, err = a.Login(ctx, "dave", "pw")
	require.NoError(t, err)

	tok, err := a.fetchRealtimeToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Session().Token(), tok)
}

func TestApp_FetchSessionTokenRejectsExpiredToken(t *testing.T) {
	_, hs := startMock(t, nil)
	a := newTestApp(t, hs, func(c *Config) { c.UseRealtimeToken = false })
	ctx := context.Background()

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user_dave",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	require.NoError(t, a.Session().Login(ctx, expired, "", session.User{ID: "user_dave", Username: "dave"}))

	_, err = a.fetchRealtimeToken(ctx)
	require.ErrorIs(t, err, realtime.ErrUnauthorized)
}

func TestApp_SessionSurvivesRestart(t *testing.T) {
	_, hs := startMock(t, nil)
	path := t.TempDir() + "/state.json"
	fileStore := func(c *Config) { c.Storage = StorageConfig{Kind: storage.KindFile, Path: path} }
	ctx := context.Background()

	first := newTestApp(t, hs, fileStore)
	_, err := first.Login(ctx, "erin", "pw")
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := newTestApp(t, hs, fileStore)
	st := second.Session().Snapshot()
	require.True(t, st.IsAuthenticated)
	assert.Equal(t, "erin", st.User.Username)
}
