package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"topicchat/cmd/internal/mockbackend"
	v1 "topicchat/shared/contracts/pubsub/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestNewClient_Config(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewClient(ClientConfig{URL: "ftp://example.com"})
	assert.ErrorIs(t, err, ErrConfig)

	c, err := NewClient(ClientConfig{URL: "ws://localhost:8000/connection/websocket"})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, defaultReplyTimeout, c.cfg.ReplyTimeout)
}

func TestClient_ConnectDisconnect(t *testing.T) {
	b := startBackend(t, nil)
	c := newTestClient(t, b.clientConfig(b.token(t, "alice")))

	var connecting eventLog[ConnectingEvent]
	var connected eventLog[ConnectedEvent]
	var disconnected eventLog[DisconnectedEvent]
	c.OnConnecting(connecting.add)
	c.OnConnected(connected.add)
	c.OnDisconnected(disconnected.add)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.ClientID())

	require.Equal(t, 1, connecting.len())
	assert.Equal(t, ConnectingEvent{Code: CodeConnectCalled, Reason: "connect called"}, connecting.all()[0])
	require.Equal(t, 1, connected.len())
	assert.Equal(t, c.ClientID(), connected.all()[0].ClientID)

	// Connect while running is a no-op.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, connecting.len())

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())
	require.Equal(t, 1, disconnected.len())
	assert.Equal(t, DisconnectedEvent{Code: CodeDisconnectCalled, Reason: "disconnect called"}, disconnected.all()[0])

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, 1, disconnected.len())

	require.Eventually(t, func() bool { return b.broker().ConnCount() == 0 }, waitFor, tick)
}

func TestClient_InvalidTokenIsTerminal(t *testing.T) {
	b := startBackend(t, nil)
	c := newTestClient(t, b.clientConfig("not-a-token"))

	var connecting eventLog[ConnectingEvent]
	var disconnected eventLog[DisconnectedEvent]
	c.OnConnecting(connecting.add)
	c.OnDisconnected(disconnected.add)

	require.Error(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return disconnected.len() == 1 }, waitFor, tick)
	ev := disconnected.all()[0]
	assert.Equal(t, uint32(v1.CloseInvalidToken), ev.Code)
	assert.False(t, ev.Reconnect)
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, connecting.len(), "terminal failures are not retried")
}

func TestClient_ExpiredTokenRefreshedViaGetToken(t *testing.T) {
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := startBackend(t, func(c *mockbackend.Config) {
		c.Now = clk.Now
		c.RealtimeTTL = time.Minute
	})
	expired := b.token(t, "alice")
	clk.Advance(time.Hour)

	var calls atomic.Int32
	cfg := b.clientConfig(expired)
	cfg.GetToken = func(context.Context) (string, error) {
		calls.Add(1)
		return b.token(t, "alice"), nil
	}
	c := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	var pe *v1.Error
	require.True(t, errors.As(err, &pe), "first attempt reports the expiry: %v", err)
	assert.Equal(t, v1.CodeTokenExpired, pe.Code)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, waitFor, tick)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ExpiredTokenWithoutGetTokenIsTerminal(t *testing.T) {
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := startBackend(t, func(c *mockbackend.Config) {
		c.Now = clk.Now
		c.RealtimeTTL = time.Minute
	})
	expired := b.token(t, "alice")
	clk.Advance(time.Hour)

	c := newTestClient(t, b.clientConfig(expired))
	var disconnected eventLog[DisconnectedEvent]
	c.OnDisconnected(disconnected.add)

	require.Error(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return disconnected.len() == 1 }, waitFor, tick)
	assert.Equal(t, CodeUnauthorized, disconnected.all()[0].Code)
	assert.False(t, disconnected.all()[0].Reconnect)
}

func TestClient_SubscribePublish(t *testing.T) {
	b := startBackend(t, nil)
	c := newTestClient(t, b.clientConfig(b.token(t, "alice")))
	require.NoError(t, c.Connect(context.Background()))

	sub, err := c.NewSubscription("chat:general")
	require.NoError(t, err)

	_, err = c.NewSubscription("chat:general")
	assert.ErrorIs(t, err, ErrDuplicateSubscription)

	var subscribed eventLog[SubscribedEvent]
	var pubs eventLog[PublicationEvent]
	sub.OnSubscribed(subscribed.add)
	sub.OnPublication(pubs.add)

	require.NoError(t, sub.Subscribe(context.Background()))
	assert.Equal(t, SubStateSubscribed, sub.State())
	assert.Equal(t, []SubscribedEvent{{Channel: "chat:general"}}, subscribed.all())
	assert.Equal(t, []string{c.ClientID()}, b.broker().Subscribers("chat:general"))

	// Subscribing again is a no-op.
	require.NoError(t, sub.Subscribe(context.Background()))
	assert.Equal(t, 1, subscribed.len())

	require.NoError(t, sub.Publish(context.Background(), map[string]string{"content": "hi"}))
	require.Eventually(t, func() bool { return pubs.len() == 1 }, waitFor, tick)

	ev := pubs.all()[0]
	assert.Equal(t, "chat:general", ev.Channel)
	assert.JSONEq(t, `{"content":"hi"}`, string(ev.Data))
	require.NotNil(t, ev.Info)
	assert.Equal(t, "user_alice", ev.Info.User)

	got, ok := c.GetSubscription("chat:general")
	assert.True(t, ok)
	assert.Same(t, sub, got)

	require.NoError(t, c.RemoveSubscription(context.Background(), sub))
	assert.Equal(t, SubStateUnsubscribed, sub.State())
	assert.Empty(t, b.broker().Subscribers("chat:general"))
	assert.Empty(t, c.Subscriptions())
}

func TestClient_PublishRequiresConnection(t *testing.T) {
	b := startBackend(t, nil)
	c := newTestClient(t, b.clientConfig(b.token(t, "alice")))

	sub, err := c.NewSubscription("chat:general")
	require.NoError(t, err)

	assert.ErrorIs(t, sub.Publish(context.Background(), json.RawMessage(`{}`)), ErrNotConnected)
	assert.Error(t, sub.Publish(context.Background(), []byte("not json")))
}

func TestClient_PendingSubscriptionSentAfterConnect(t *testing.T) {
	b := startBackend(t, nil)
	c := newTestClient(t, b.clientConfig(b.token(t, "alice")))

	sub, err := c.NewSubscription("chat:tech")
	require.NoError(t, err)
	require.NoError(t, sub.Subscribe(context.Background()))
	assert.Equal(t, SubStateSubscribing, sub.State())

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return sub.State() == SubStateSubscribed }, waitFor, tick)
	assert.Len(t, b.broker().Subscribers("chat:tech"), 1)
}

func TestClient_ReconnectRestoresSubscriptions(t *testing.T) {
	b := startBackend(t, nil)
	c := newTestClient(t, b.clientConfig(b.token(t, "alice")))

	var disconnected eventLog[DisconnectedEvent]
	c.OnDisconnected(disconnected.add)

	require.NoError(t, c.Connect(context.Background()))
	sub, err := c.NewSubscription("chat:general")
	require.NoError(t, err)
	require.NoError(t, sub.Subscribe(context.Background()))
	first := c.ClientID()

	b.broker().DisconnectAll(v1.CloseShutdown, "shutdown")

	require.Eventually(t, func() bool { return disconnected.len() >= 1 }, waitFor, tick)
	ev := disconnected.all()[0]
	assert.Equal(t, uint32(v1.CloseShutdown), ev.Code)
	assert.True(t, ev.Reconnect)

	require.Eventually(t, func() bool {
		subs := b.broker().Subscribers("chat:general")
		return c.State() == StateConnected && sub.State() == SubStateSubscribed &&
			len(subs) == 1 && subs[0] != first
	}, waitFor, tick)
}

func TestClient_ServerUnsubscribe(t *testing.T) {
	b := startBackend(t, nil)
	c := newTestClient(t, b.clientConfig(b.token(t, "alice")))
	require.NoError(t, c.Connect(context.Background()))

	sub, err := c.NewSubscription("chat:random")
	require.NoError(t, err)
	var unsubscribed eventLog[UnsubscribedEvent]
	sub.OnUnsubscribed(unsubscribed.add)
	require.NoError(t, sub.Subscribe(context.Background()))

	t.Run("insufficient state resubscribes", func(t *testing.T) {
		require.Equal(t, 1, b.broker().Unsubscribe("chat:random", v1.UnsubscribeInsufficient, "resubscribe"))
		require.Eventually(t, func() bool {
			return sub.State() == SubStateSubscribed && len(b.broker().Subscribers("chat:random")) == 1
		}, waitFor, tick)
		assert.Equal(t, 0, unsubscribed.len())
	})

	t.Run("server code terminates", func(t *testing.T) {
		require.Equal(t, 1, b.broker().Unsubscribe("chat:random", v1.UnsubscribeServer, "kicked"))
		require.Eventually(t, func() bool { return unsubscribed.len() == 1 }, waitFor, tick)
		assert.Equal(t, UnsubscribedEvent{Channel: "chat:random", Code: v1.UnsubscribeServer, Reason: "kicked"}, unsubscribed.all()[0])
		assert.Equal(t, SubStateUnsubscribed, sub.State())
	})
}

func TestClient_AnswersServerPings(t *testing.T) {
	b := startBackend(t, func(c *mockbackend.Config) { c.Broker.PingInterval = 20 * time.Millisecond })
	c := newTestClient(t, b.clientConfig(b.token(t, "alice")))

	var disconnected eventLog[DisconnectedEvent]
	c.OnDisconnected(disconnected.add)
	require.NoError(t, c.Connect(context.Background()))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, disconnected.len())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, b.broker().ConnCount())
}

func TestSubscription_DropsPublicationsUnlessSubscribed(t *testing.T) {
	c, err := NewClient(ClientConfig{URL: "ws://localhost:1/connection/websocket"})
	require.NoError(t, err)
	sub, err := c.NewSubscription("chat:general")
	require.NoError(t, err)

	var pubs eventLog[PublicationEvent]
	sub.OnPublication(pubs.add)

	sub.handlePublication(v1.Publication{Data: json.RawMessage(`{}`)})
	require.NoError(t, sub.Subscribe(context.Background()))
	assert.Equal(t, SubStateSubscribing, sub.State())
	sub.handlePublication(v1.Publication{Data: json.RawMessage(`{}`)})
	assert.Equal(t, 0, pubs.len())

	sub.mu.Lock()
	sub.state = SubStateSubscribed
	sub.mu.Unlock()
	sub.handlePublication(v1.Publication{Data: json.RawMessage(`{}`), Offset: 7})
	require.Equal(t, 1, pubs.len())
	assert.Equal(t, uint64(7), pubs.all()[0].Offset)

	sub.RemoveAllListeners()
	sub.handlePublication(v1.Publication{Data: json.RawMessage(`{}`)})
	assert.Equal(t, 1, pubs.len())
}
