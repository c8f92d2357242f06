package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"topicchat/cmd/internal/metrics"
	v1 "topicchat/shared/contracts/pubsub/v1"
)

// ClientState is the connection state.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ClientConfig configures a Client. Zero durations use package defaults.
type ClientConfig struct {
	// URL is the broker WebSocket endpoint, e.g. ws://localhost:8000/connection/websocket.
	URL string

	// Token authenticates the connection. When empty, GetToken is called.
	Token string

	// GetToken fetches a token on first connect (if Token is empty) and after the broker
	// reports the token as expired. Returning an error wrapping ErrUnauthorized stops reconnecting.
	GetToken func(ctx context.Context) (string, error)

	// Name and Version identify the client to the broker.
	Name    string
	Version string

	ReplyTimeout      time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	HTTPClient *http.Client
	Header     http.Header
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Name == "" {
		cfg.Name = "topicchat"
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MinReconnectDelay <= 0 {
		cfg.MinReconnectDelay = defaultMinReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.MinReconnectDelay {
		cfg.MaxReconnectDelay = cfg.MinReconnectDelay
	}
	return cfg
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClientMetrics sets the metrics recorder.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

type callResult struct {
	reply v1.Reply
	err   error
}

// pendingCall is an in-flight command. onReply, when set, runs on the read goroutine
// before any later frame entry is processed.
type pendingCall struct {
	ch      chan callResult
	onReply func(v1.Reply)
}

// Client is a pub/sub connection with a subscription registry.
//
// Event handlers run on the connection's read goroutine and must not block on Client calls.
type Client struct {
	cfg     ClientConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    ClientState
	token    string
	ws       *websocket.Conn
	clientID string
	nextID   uint32
	pending  map[uint32]pendingCall
	subs     map[string]*Subscription
	stopping bool

	runCancel context.CancelFunc
	runDone   chan struct{}

	onConnecting   listeners[ConnectingEvent]
	onConnected    listeners[ConnectedEvent]
	onDisconnected listeners[DisconnectedEvent]
	onError        listeners[ErrorEvent]
}

// NewClient validates cfg and returns a disconnected Client.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: empty url", ErrConfig)
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") &&
		!strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("%w: unsupported url scheme: %s", ErrConfig, cfg.URL)
	}

	c := &Client{
		cfg:     cfg,
		log:     slog.New(slog.DiscardHandler),
		token:   cfg.Token,
		pending: make(map[uint32]pendingCall),
		subs:    make(map[string]*Subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// State returns the connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the broker-assigned id of the current connection, or "".
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) OnConnecting(fn func(ConnectingEvent)) { c.onConnecting.add(fn) }
func (c *Client) OnConnected(fn func(ConnectedEvent)) { c.onConnected.add(fn) }
func (c *Client) OnDisconnected(fn func(DisconnectedEvent)) { c.onDisconnected.add(fn) }
func (c *Client) OnError(fn func(ErrorEvent)) { c.onError.add(fn) }

// RemoveAllListeners detaches every client-level handler.
func (c *Client) RemoveAllListeners() {
	c.onConnecting.reset()
	c.onConnected.reset()
	c.onDisconnected.reset()
	c.onError.reset()
}

// Connect starts the connection loop and waits for the outcome of the first attempt.
//
// On success it returns nil once Connected. A failed first attempt returns its error; unless the
// failure is terminal (unauthorized, terminal close code) the loop keeps retrying in the background.
// Calling Connect while the loop is running is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.runDone != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	ready := make(chan error, 1)
	c.runCancel, c.runDone = cancel, done
	c.stopping = false
	c.mu.Unlock()

	go c.run(runCtx, done, ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the connection loop and closes the socket.
// Subscriptions stay in the registry in the Subscribing state; a later Connect restores them.
// It is safe to call when already disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done, ws := c.runCancel, c.runDone, c.ws
	c.runCancel, c.runDone = nil, nil
	c.stopping = true
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "disconnect called")
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}, ready chan<- error) {
	defer func() {
		c.mu.Lock()
		if c.runDone == done {
			c.runCancel, c.runDone = nil, nil
		}
		c.mu.Unlock()
		close(done)
	}()

	signal := func(err error) {
		if ready != nil {
			ready <- err
			ready = nil
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.MinReconnectDelay
	bo.MaxInterval = c.cfg.MaxReconnectDelay
	bo.Reset()

	code, reason := CodeConnectCalled, "connect called"
	for {
		c.setState(StateConnecting)
		c.onConnecting.emit(ConnectingEvent{Code: code, Reason: reason})

		conn, res, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil || c.isStopping() {
				c.disconnected(CodeDisconnectCalled, "disconnect called", false)
				signal(ErrNotConnected)
				return
			}

			c.log.Warn("realtime.connect.fail", "url", c.cfg.URL, "err", err)
			c.onError.emit(ErrorEvent{Err: err})
			signal(err)

			if dcode, dreason, terminal := c.classifyConnectErr(err); terminal {
				c.disconnected(dcode, dreason, false)
				return
			}
			code, reason = CodeTransportClosed, "connect failed"
			if !sleepCtx(ctx, bo.NextBackOff()) {
				c.disconnected(CodeDisconnectCalled, "disconnect called", false)
				return
			}
			c.metrics.Reconnect()
			continue
		}

		bo.Reset()
		c.attach(conn, res)
		c.log.Info("realtime.connect.ok", "client_id", res.Client, "version", res.Version, "ping", res.Ping)
		c.onConnected.emit(ConnectedEvent{ClientID: res.Client, Version: res.Version})
		signal(nil)
		c.resubscribe(ctx)

		dcode, dreason, reconnect := c.readLoop(ctx, conn, res)
		c.detach(conn)

		if ctx.Err() != nil || c.isStopping() {
			c.disconnected(CodeDisconnectCalled, "disconnect called", false)
			return
		}

		c.log.Info("realtime.disconnect", "code", dcode, "reason", dreason, "reconnect", reconnect)
		c.disconnected(dcode, dreason, reconnect)
		if !reconnect {
			return
		}

		code, reason = CodeTransportClosed, dreason
		if !sleepCtx(ctx, bo.NextBackOff()) {
			return
		}
		c.metrics.Reconnect()
	}
}

// dial opens the socket and performs the connect handshake.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, *v1.ConnectResult, error) {
	token, err := c.connectToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: c.cfg.Header,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	cmd := v1.Command{
		ID:      c.allocID(),
		Connect: &v1.ConnectRequest{Token: token, Name: c.cfg.Name, Version: c.cfg.Version},
	}
	if err := writeCommands(hctx, conn, c.cfg.WriteTimeout, cmd); err != nil {
		_ = conn.CloseNow()
		return nil, nil, fmt.Errorf("send connect: %w", err)
	}

	for {
		_, data, err := conn.Read(hctx)
		if err != nil {
			_ = conn.CloseNow()
			return nil, nil, err
		}
		replies, err := v1.DecodeReplies(data)
		if err != nil {
			_ = conn.Close(websocket.StatusCode(v1.CloseBadRequest), "bad reply")
			return nil, nil, fmt.Errorf("%w: %v", errBadProtocol, err)
		}
		for _, r := range replies {
			if r.ID != cmd.ID {
				continue
			}
			if r.Error != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "connect rejected")
				return nil, nil, r.Error
			}
			if r.Connect == nil {
				_ = conn.Close(websocket.StatusCode(v1.CloseBadRequest), "bad reply")
				return nil, nil, fmt.Errorf("%w: connect reply without result", errBadProtocol)
			}
			return conn, r.Connect, nil
		}
	}
}

var errBadProtocol = errors.New("realtime: bad protocol")

func (c *Client) connectToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	if tok != "" || c.cfg.GetToken == nil {
		return tok, nil
	}

	tok, err := c.cfg.GetToken(ctx)
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

// classifyConnectErr maps a failed attempt to a disconnect code and reports whether it is terminal.
func (c *Client) classifyConnectErr(err error) (uint32, string, bool) {
	if errors.Is(err, ErrUnauthorized) {
		return CodeUnauthorized, "unauthorized", true
	}
	if errors.Is(err, errBadProtocol) {
		return CodeBadProtocol, "bad protocol", true
	}

	var pe *v1.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case v1.CodeUnauthorized:
			return CodeUnauthorized, "unauthorized", true
		case v1.CodeTokenExpired:
			if c.cfg.GetToken == nil {
				return CodeUnauthorized, "token expired", true
			}
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			return 0, "", false
		case v1.CodeBadRequest:
			return CodeBadProtocol, "bad request", true
		}
		return 0, "", false
	}

	if st := websocket.CloseStatus(err); st != -1 && !v1.ShouldReconnect(int(st)) {
		return uint32(st), closeReason(err), true
	}
	return 0, "", false
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, res *v1.ConnectResult) (uint32, string, bool) {
	var idle time.Duration
	if res.Ping > 0 {
		idle = time.Duration(res.Ping)*time.Second + pingGrace
	}

	var pushed *v1.DisconnectPush
	for {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if idle > 0 {
			rctx, cancel = context.WithTimeout(ctx, idle)
		}
		_, data, err := conn.Read(rctx)
		idleExpired := errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil || c.isStopping():
				return CodeDisconnectCalled, "disconnect called", false
			case pushed != nil:
				return pushed.Code, pushed.Reason, v1.ShouldReconnect(int(pushed.Code))
			case idleExpired:
				c.log.Info("realtime.ping.timeout", "idle", idle)
				return CodeNoPing, "no ping", true
			}
			if st := websocket.CloseStatus(err); st != -1 {
				return uint32(st), closeReason(err), v1.ShouldReconnect(int(st))
			}
			c.log.Debug("realtime.read.fail", "err", err)
			return CodeTransportClosed, "transport closed", true
		}

		replies, err := v1.DecodeReplies(data)
		if err != nil {
			c.log.Warn("realtime.frame.bad", "err", err)
			c.onError.emit(ErrorEvent{Err: fmt.Errorf("%w: %v", errBadProtocol, err)})
			continue
		}

		for _, r := range replies {
			switch {
			case r.ID > 0:
				c.resolve(r)
			case r.Push != nil && r.Push.Disconnect != nil:
				pushed = r.Push.Disconnect
			case r.Push != nil:
				c.handlePush(*r.Push)
			default:
				// Server ping.
				if err := writeCommands(ctx, conn, c.cfg.WriteTimeout, v1.Command{}); err != nil {
					c.log.Debug("realtime.pong.fail", "err", err)
				}
			}
		}
	}
}

func (c *Client) handlePush(p v1.Push) {
	c.mu.Lock()
	s := c.subs[p.Channel]
	c.mu.Unlock()

	if s == nil {
		if p.Pub != nil {
			c.metrics.PublicationDropped(p.Channel)
		}
		c.log.Debug("realtime.push.unknown_channel", "channel", p.Channel)
		return
	}

	switch {
	case p.Pub != nil:
		s.handlePublication(*p.Pub)
	case p.Unsubscribe != nil:
		s.handleServerUnsubscribe(*p.Unsubscribe)
	}
}

func (c *Client) attach(conn *websocket.Conn, res *v1.ConnectResult) {
	c.mu.Lock()
	c.ws = conn
	c.clientID = res.Client
	c.state = StateConnected
	c.mu.Unlock()
	c.metrics.SetConnectionState(metrics.StateConnected)
}

// detach forgets conn, fails pending calls and moves subscriptions back to Subscribing.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.ws == conn {
		c.ws = nil
		c.clientID = ""
	}
	pending := c.pending
	c.pending = make(map[uint32]pendingCall)
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	_ = conn.CloseNow()

	for _, p := range pending {
		p.ch <- callResult{err: ErrClientClosed}
	}
	for _, s := range subs {
		s.moveToSubscribing()
	}
}

func (c *Client) resubscribe(ctx context.Context) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if s.State() == SubStateSubscribing {
			go func() { _ = s.send(ctx) }()
		}
	}
}

// setState updates the state and returns the previous one.
func (c *Client) setState(s ClientState) ClientState {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	switch s {
	case StateConnecting:
		c.metrics.SetConnectionState(metrics.StateConnecting)
	case StateDisconnected:
		c.metrics.SetConnectionState(metrics.StateDisconnected)
	}
	return prev
}

func (c *Client) disconnected(code uint32, reason string, reconnect bool) {
	if c.setState(StateDisconnected) == StateDisconnected {
		return
	}
	c.onDisconnected.emit(DisconnectedEvent{Code: code, Reason: reason, Reconnect: reconnect})
}

func (c *Client) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.ws != nil
}

func (c *Client) allocID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocIDLocked()
}

func (c *Client) allocIDLocked() uint32 {
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

// call sends cmd and waits for the matching reply.
// A reply carrying a protocol error is returned together with that *v1.Error.
func (c *Client) call(ctx context.Context, cmd v1.Command) (v1.Reply, error) {
	return c.callWith(ctx, cmd, nil)
}

// callWith is call with a hook applied to the reply on the read goroutine.
func (c *Client) callWith(ctx context.Context, cmd v1.Command, onReply func(v1.Reply)) (v1.Reply, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return v1.Reply{}, ErrNotConnected
	}
	cmd.ID = c.allocIDLocked()
	ch := make(chan callResult, 1)
	c.pending[cmd.ID] = pendingCall{ch: ch, onReply: onReply}
	ws := c.ws
	c.mu.Unlock()

	if err := writeCommands(ctx, ws, c.cfg.WriteTimeout, cmd); err != nil {
		c.forget(cmd.ID)
		return v1.Reply{}, fmt.Errorf("realtime: write: %w", err)
	}

	timer := time.NewTimer(c.cfg.ReplyTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return v1.Reply{}, res.err
		}
		if res.reply.Error != nil {
			return res.reply, res.reply.Error
		}
		return res.reply, nil
	case <-timer.C:
		c.forget(cmd.ID)
		return v1.Reply{}, ErrReplyTimeout
	case <-ctx.Done():
		c.forget(cmd.ID)
		return v1.Reply{}, ctx.Err()
	}
}

func (c *Client) resolve(r v1.Reply) {
	c.mu.Lock()
	p, ok := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("realtime.reply.orphan", "id", r.ID)
		return
	}
	if p.onReply != nil {
		p.onReply(r)
	}
	p.ch <- callResult{reply: r}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ---- registry ----

// NewSubscription registers a subscription for channel. It does not subscribe.
func (c *Client) NewSubscription(channel string) (*Subscription, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("%w: empty channel", ErrConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[channel]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, channel)
	}
	s := newSubscription(c, channel)
	c.subs[channel] = s
	return s, nil
}

// GetSubscription returns the registered subscription for channel.
func (c *Client) GetSubscription(channel string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[channel]
	return s, ok
}

// RemoveSubscription unsubscribes s and removes it from the registry.
func (c *Client) RemoveSubscription(ctx context.Context, s *Subscription) error {
	if s == nil {
		return nil
	}
	err := s.Unsubscribe(ctx)

	c.mu.Lock()
	if c.subs[s.channel] == s {
		delete(c.subs, s.channel)
	}
	c.mu.Unlock()
	return err
}

// Subscriptions returns a copy of the registry.
func (c *Client) Subscriptions() map[string]*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]*Subscription, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

// ---- frame IO ----

func writeCommands(parent context.Context, conn *websocket.Conn, timeout time.Duration, cmds ...v1.Command) error {
	b, err := v1.EncodeCommands(cmds...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
