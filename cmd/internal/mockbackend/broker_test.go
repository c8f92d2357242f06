package mockbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "topicchat/shared/contracts/pubsub/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPeer is a raw protocol peer used to drive the broker.
type wsPeer struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID uint32
	pushes []v1.Push
	pings  int
	queue  []v1.Reply
}

func startBroker(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()
	srv := newTestServer(t, mutate)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + WebSocketPath
}

func dialPeer(t *testing.T, url string) *wsPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return &wsPeer{t: t, conn: c}
}

func (p *wsPeer) send(cmds ...v1.Command) {
	p.t.Helper()
	frame, err := v1.EncodeCommands(cmds...)
	require.NoError(p.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(p.t, p.conn.Write(ctx, websocket.MessageText, frame))
}

func (p *wsPeer) next() (v1.Reply, error) {
	if len(p.queue) > 0 {
		r := p.queue[0]
		p.queue = p.queue[1:]
		return r, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := p.conn.Read(ctx)
	if err != nil {
		return v1.Reply{}, err
	}
	replies, err := v1.DecodeReplies(data)
	if err != nil {
		return v1.Reply{}, err
	}
	p.queue = append(p.queue, replies[1:]...)
	return replies[0], nil
}

// call sends one command and returns its reply, recording pushes and pings seen meanwhile.
func (p *wsPeer) call(cmd v1.Command) v1.Reply {
	p.t.Helper()
	p.nextID++
	cmd.ID = p.nextID
	p.send(cmd)
	for {
		r, err := p.next()
		require.NoError(p.t, err)
		switch {
		case r.ID == cmd.ID:
			return r
		case r.Push != nil:
			p.pushes = append(p.pushes, *r.Push)
		case r.IsPing():
			p.pings++
		}
	}
}

func (p *wsPeer) connect(token string) *v1.ConnectResult {
	p.t.Helper()
	r := p.call(v1.Command{Connect: &v1.ConnectRequest{Token: token}})
	require.Nil(p.t, r.Error)
	require.NotNil(p.t, r.Connect)
	return r.Connect
}

// awaitPush returns the next push, reading from the socket if needed.
func (p *wsPeer) awaitPush() v1.Push {
	p.t.Helper()
	if len(p.pushes) > 0 {
		push := p.pushes[0]
		p.pushes = p.pushes[1:]
		return push
	}
	for {
		r, err := p.next()
		require.NoError(p.t, err)
		if r.Push != nil {
			return *r.Push
		}
	}
}

// readUntilClose drains the socket and returns the close status.
func (p *wsPeer) readUntilClose() websocket.StatusCode {
	p.t.Helper()
	for {
		r, err := p.next()
		if err != nil {
			return websocket.CloseStatus(err)
		}
		if r.Push != nil {
			p.pushes = append(p.pushes, *r.Push)
		}
	}
}

func subscribeCmd(ch string) v1.Command {
	return v1.Command{Subscribe: &v1.SubscribeRequest{Channel: ch}}
}

func TestBroker_ConnectOK(t *testing.T) {
	srv, url := startBroker(t, func(c *Config) { c.Broker.PingInterval = 5 * time.Second })
	tok := login(t, srv.Handler(), "alice").CentrifugeToken

	p := dialPeer(t, url)
	res := p.connect(tok)
	assert.NotEmpty(t, res.Client)
	assert.Equal(t, "1.0.0", res.Version)
	assert.Equal(t, uint32(5), res.Ping)
	assert.True(t, res.Expires)

	require.Eventually(t, func() bool { return srv.Broker().ConnCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBroker_ConnectWithSessionToken(t *testing.T) {
	srv, url := startBroker(t, nil)
	tok := login(t, srv.Handler(), "alice").Token

	p := dialPeer(t, url)
	assert.NotEmpty(t, p.connect(tok).Client)
}

func TestBroker_InvalidTokenClosesTerminally(t *testing.T) {
	_, url := startBroker(t, nil)

	p := dialPeer(t, url)
	p.send(v1.Command{ID: 1, Connect: &v1.ConnectRequest{Token: "bogus"}})

	st := p.readUntilClose()
	assert.Equal(t, websocket.StatusCode(v1.CloseInvalidToken), st)
	assert.False(t, v1.ShouldReconnect(int(st)))
}

func TestBroker_ExpiredTokenAnswers109(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	srv, url := startBroker(t, func(c *Config) {
		c.Now = clk.Now
		c.RealtimeTTL = time.Minute
	})
	tok := login(t, srv.Handler(), "alice").CentrifugeToken
	clk.Advance(time.Hour)

	p := dialPeer(t, url)
	r := p.call(v1.Command{Connect: &v1.ConnectRequest{Token: tok}})
	require.NotNil(t, r.Error)
	assert.Equal(t, v1.CodeTokenExpired, r.Error.Code)
}

func TestBroker_FirstCommandMustBeConnect(t *testing.T) {
	_, url := startBroker(t, nil)

	p := dialPeer(t, url)
	p.send(v1.Command{ID: 1, Subscribe: &v1.SubscribeRequest{Channel: "chat:general"}})
	assert.Equal(t, websocket.StatusCode(v1.CloseBadRequest), p.readUntilClose())
}

func TestBroker_SubscribePublish(t *testing.T) {
	srv, url := startBroker(t, nil)
	tokA := login(t, srv.Handler(), "alice").CentrifugeToken
	tokB := login(t, srv.Handler(), "bob").CentrifugeToken

	a := dialPeer(t, url)
	ida := a.connect(tokA).Client
	b := dialPeer(t, url)
	b.connect(tokB)

	r := a.call(subscribeCmd("chat:general"))
	require.Nil(t, r.Error)
	require.NotNil(t, r.Subscribe)

	r = a.call(subscribeCmd("chat:general"))
	require.NotNil(t, r.Error)
	assert.Equal(t, v1.CodeAlreadySubscribed, r.Error.Code)

	r = b.call(v1.Command{Publish: &v1.PublishRequest{Channel: "chat:general", Data: json.RawMessage(`{"content":"x"}`)}})
	require.NotNil(t, r.Error, "publishing requires membership")
	assert.Equal(t, v1.CodePermissionDenied, r.Error.Code)

	require.Nil(t, b.call(subscribeCmd("chat:general")).Error)
	assert.Len(t, srv.Broker().Subscribers("chat:general"), 2)
	assert.Contains(t, srv.Broker().Subscribers("chat:general"), ida)

	r = a.call(v1.Command{Publish: &v1.PublishRequest{Channel: "chat:general", Data: json.RawMessage(`{"content":"hi"}`)}})
	require.Nil(t, r.Error)

	push := b.awaitPush()
	require.NotNil(t, push.Pub)
	assert.Equal(t, "chat:general", push.Channel)
	assert.JSONEq(t, `{"content":"hi"}`, string(push.Pub.Data))
	assert.Equal(t, uint64(1), push.Pub.Offset)
	require.NotNil(t, push.Pub.Info)
	assert.Equal(t, "user_alice", push.Pub.Info.User)
	assert.Equal(t, ida, push.Pub.Info.Client)

	r = a.call(v1.Command{Unsubscribe: &v1.UnsubscribeRequest{Channel: "chat:general"}})
	require.Nil(t, r.Error)
	require.NotNil(t, r.Unsubscribe)
	assert.NotContains(t, srv.Broker().Subscribers("chat:general"), ida)

	// Unsubscribing again is still acknowledged.
	r = a.call(v1.Command{Unsubscribe: &v1.UnsubscribeRequest{Channel: "chat:general"}})
	assert.Nil(t, r.Error)
}

func TestBroker_InvalidCommand(t *testing.T) {
	srv, url := startBroker(t, nil)
	p := dialPeer(t, url)
	p.connect(login(t, srv.Handler(), "alice").CentrifugeToken)

	r := p.call(subscribeCmd(""))
	require.NotNil(t, r.Error)
	assert.Equal(t, v1.CodeBadRequest, r.Error.Code)
}

func TestBroker_ServerPublishOrdering(t *testing.T) {
	srv, url := startBroker(t, nil)
	p := dialPeer(t, url)
	p.connect(login(t, srv.Handler(), "alice").CentrifugeToken)
	require.Nil(t, p.call(subscribeCmd("chat:tech")).Error)

	const n = 50
	for i := 1; i <= n; i++ {
		data, _ := json.Marshal(map[string]int{"seq": i})
		off, err := srv.Broker().Publish("chat:tech", data, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), off)
	}

	for i := 1; i <= n; i++ {
		push := p.awaitPush()
		require.NotNil(t, push.Pub)
		var body map[string]int
		require.NoError(t, json.Unmarshal(push.Pub.Data, &body))
		assert.Equal(t, i, body["seq"])
	}
}

func TestBroker_ServerUnsubscribe(t *testing.T) {
	srv, url := startBroker(t, nil)
	p := dialPeer(t, url)
	p.connect(login(t, srv.Handler(), "alice").CentrifugeToken)
	require.Nil(t, p.call(subscribeCmd("chat:random")).Error)

	assert.Equal(t, 1, srv.Broker().Unsubscribe("chat:random", v1.UnsubscribeInsufficient, "resubscribe"))

	push := p.awaitPush()
	require.NotNil(t, push.Unsubscribe)
	assert.Equal(t, "chat:random", push.Channel)
	assert.Equal(t, v1.UnsubscribeInsufficient, push.Unsubscribe.Code)
	assert.Empty(t, srv.Broker().Subscribers("chat:random"))
}

func TestBroker_DisconnectAll(t *testing.T) {
	srv, url := startBroker(t, nil)
	p := dialPeer(t, url)
	p.connect(login(t, srv.Handler(), "alice").CentrifugeToken)
	require.Nil(t, p.call(subscribeCmd("chat:general")).Error)

	assert.Equal(t, 1, srv.Broker().DisconnectAll(v1.CloseShutdown, "shutdown"))

	st := p.readUntilClose()
	assert.Equal(t, websocket.StatusCode(v1.CloseShutdown), st)
	require.NotEmpty(t, p.pushes)
	last := p.pushes[len(p.pushes)-1]
	require.NotNil(t, last.Disconnect)
	assert.Equal(t, uint32(v1.CloseShutdown), last.Disconnect.Code)

	require.Eventually(t, func() bool {
		return srv.Broker().ConnCount() == 0 && len(srv.Broker().Subscribers("chat:general")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_PingPong(t *testing.T) {
	srv, url := startBroker(t, func(c *Config) { c.Broker.PingInterval = 20 * time.Millisecond })
	p := dialPeer(t, url)
	p.connect(login(t, srv.Handler(), "alice").CentrifugeToken)

	// Answer pings for a while; the session must stay up.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		r, err := p.next()
		require.NoError(t, err)
		if r.IsPing() {
			p.pings++
			p.send(v1.Command{})
		}
	}
	assert.Greater(t, p.pings, 2)
	assert.Equal(t, 1, srv.Broker().ConnCount())
}

func TestBroker_MissingPongCloses(t *testing.T) {
	srv, url := startBroker(t, func(c *Config) { c.Broker.PingInterval = 20 * time.Millisecond })
	p := dialPeer(t, url)
	p.connect(login(t, srv.Handler(), "alice").CentrifugeToken)

	assert.Equal(t, websocket.StatusCode(v1.CloseNoPing), p.readUntilClose())
}

func TestBroker_RateLimit(t *testing.T) {
	srv, url := startBroker(t, func(c *Config) {
		c.Broker.RateEvents = 3
		c.Broker.RateWindow = time.Minute
	})
	p := dialPeer(t, url)
	p.connect(login(t, srv.Handler(), "alice").CentrifugeToken)

	cmds := make([]v1.Command, 0, 5)
	for i := range 5 {
		cmds = append(cmds, v1.Command{ID: uint32(10 + i), Subscribe: &v1.SubscribeRequest{Channel: "chat:general"}})
	}
	p.send(cmds...)

	assert.Equal(t, websocket.StatusPolicyViolation, p.readUntilClose())
}

func TestBroker_CloseRejectsNewSessions(t *testing.T) {
	srv, url := startBroker(t, nil)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 503, resp.StatusCode)
	}

	_, err = srv.Broker().Publish("chat:general", []byte(`{}`), nil)
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestServer_HandlerServesAPIAndUpgrade(t *testing.T) {
	srv := newTestServer(t, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	resp, err := http.Get(hs.URL + APIPrefix + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tok := login(t, srv.Handler(), "alice").CentrifugeToken
	p := dialPeer(t, "ws"+strings.TrimPrefix(hs.URL, "http")+WebSocketPath)

	res := p.connect(tok)
	assert.NotEmpty(t, res.Client)
	require.Eventually(t, func() bool { return srv.Broker().ConnCount() == 1 }, time.Second, 10*time.Millisecond)
}
