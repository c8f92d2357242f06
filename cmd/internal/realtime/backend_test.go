package realtime

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"topicchat/cmd/internal/mockbackend"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("realtime-test-secret-0123456789ab")

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testBackend struct {
	srv   *mockbackend.Server
	http  *httptest.Server
	wsURL string
}

func startBackend(t *testing.T, mutate func(*mockbackend.Config)) *testBackend {
	t.Helper()
	cfg := mockbackend.Config{
		Secret: testSecret,
		Broker: mockbackend.BrokerConfig{PingInterval: -1},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := mockbackend.New(cfg)
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return &testBackend{
		srv:   srv,
		http:  hs,
		wsURL: "ws" + strings.TrimPrefix(hs.URL, "http") + mockbackend.WebSocketPath,
	}
}

func (b *testBackend) broker() *mockbackend.Broker { return b.srv.Broker() }

func (b *testBackend) token(t *testing.T, username string) string {
	t.Helper()
	tok, _, err := b.srv.Issuer().Issue(mockbackend.UserFor(username), mockbackend.KindRealtime)
	require.NoError(t, err)
	return tok
}

func (b *testBackend) clientConfig(token string) ClientConfig {
	return ClientConfig{
		URL:               b.wsURL,
		Token:             token,
		ReplyTimeout:      2 * time.Second,
		MinReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	}
}

// eventLog collects events from handlers running on the read goroutine.
type eventLog[E any] struct {
	mu     sync.Mutex
	events []E
}

func (l *eventLog[E]) add(e E) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog[E]) all() []E {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]E, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog[E]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)
