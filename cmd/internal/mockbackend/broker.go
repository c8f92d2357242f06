package mockbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"topicchat/cmd/internal/metrics"
	v1 "topicchat/shared/contracts/pubsub/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Max missed pongs before the broker drops a session.
const maxMissedPongs = 2

// ErrBrokerClosed is returned by server-side operations after Close.
var ErrBrokerClosed = errors.New("mockbackend: broker closed")

// BrokerConfig tunes the broker. Zero values take defaults.
type BrokerConfig struct {
	// PingInterval is the server ping period. Negative disables pings.
	PingInterval     time.Duration
	SendQueueSize    int
	RateEvents       int
	RateWindow       time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// OriginPatterns authorizes cross-origin browser clients (websocket.AcceptOptions).
	OriginPatterns []string
	Version        string
}

func (cfg BrokerConfig) withDefaults() BrokerConfig {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.SendQueueSize < minSendQueueSize {
		cfg.SendQueueSize = minSendQueueSize
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = rateLimitEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = rateLimitWindow
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	return cfg
}

// Broker is the pubsub v1 WebSocket endpoint. It owns in-memory channels and live sessions.
type Broker struct {
	log     *slog.Logger
	issuer  *Issuer
	metrics *metrics.Metrics
	cfg     BrokerConfig

	mu       sync.RWMutex
	channels map[string]*Channel
	conns    map[string]*Conn
	closed   bool
}

// NewBroker constructs a Broker. metrics may be nil.
func NewBroker(issuer *Issuer, cfg BrokerConfig, log *slog.Logger, m *metrics.Metrics) *Broker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Broker{
		log:      log,
		issuer:   issuer,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		channels: make(map[string]*Channel),
		conns:    make(map[string]*Conn),
	}
}

// channel returns a stable channel handle.
func (b *Broker) channel(name string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.channels[name]; ok {
		return c
	}
	c := NewChannel(b.log, name)
	b.channels[name] = c
	return c
}

func (b *Broker) lookup(name string) *Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channels[name]
}

// ServeHTTP upgrades the request and runs one broker session until it ends.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.cfg.OriginPatterns})
	if err != nil {
		b.log.Error("broker.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()
	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	claims, connectID, ok := b.handshake(ctx, ws)
	if !ok {
		return
	}

	conn := NewConn(uuid.NewString(), b.cfg.SendQueueSize)
	conn.User = claims.Subject

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ws.Close(websocket.StatusCode(v1.CloseShutdown), "shutdown")
		return
	}
	b.conns[conn.ID] = conn
	b.mu.Unlock()

	b.metrics.BrokerConnOpened()
	b.log.Info("broker.connect.ok", "client_id", conn.ID, "user", conn.User)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, ch := range conn.Channels() {
				if c := b.lookup(ch); c != nil {
					c.Leave(conn.ID)
				}
			}

			b.mu.Lock()
			delete(b.conns, conn.ID)
			b.mu.Unlock()

			conn.Close()
			_ = ws.Close(code, reason)
			cancel()

			b.metrics.BrokerConnClosed()
			b.log.Info("broker.disconnect", "client_id", conn.ID, "code", int(code), "reason", reason)
		})
	}

	conn.enqueue(v1.Reply{ID: connectID, Connect: b.connectResult(conn.ID, claims)})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writePump(ctx, ws, conn, shutdown)
	}()

	var missedPongs atomic.Int32
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		if b.cfg.PingInterval <= 0 {
			return
		}

		t := time.NewTicker(b.cfg.PingInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				if missedPongs.Add(1) > maxMissedPongs {
					b.log.Info("broker.pong.missing", "client_id", conn.ID)
					conn.Disconnect(v1.CloseNoPing, "no pong")
					return
				}
				if !conn.enqueue(v1.Reply{}) {
					conn.Disconnect(v1.CloseSlow, "slow")
					return
				}
			}
		}
	}()

	rl := NewRateLimiter(b.cfg.RateEvents, b.cfg.RateWindow)

readLoop:
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				b.log.Info("broker.read.fail", "client_id", conn.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		cmds, err := v1.DecodeCommands(data)
		if err != nil {
			b.log.Info("broker.frame.bad", "client_id", conn.ID, "err", err)
			conn.Disconnect(v1.CloseBadRequest, "bad request")
			continue
		}

		for _, cmd := range cmds {
			if cmd.IsPong() {
				missedPongs.Store(0)
				continue
			}
			if !rl.Allow(time.Now().UTC()) {
				b.log.Info("broker.rate.limited", "client_id", conn.ID)
				conn.Disconnect(int(websocket.StatusPolicyViolation), "rate limited")
				continue readLoop
			}

			reply, queued := b.dispatch(conn, cmd)
			if queued {
				continue
			}
			if !conn.enqueue(reply) {
				conn.Disconnect(v1.CloseSlow, "slow")
				continue readLoop
			}
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(closeGrace):
	}
}

// handshake reads the connect command. Failures are answered and the socket closed here.
func (b *Broker) handshake(ctx context.Context, ws *websocket.Conn) (*Claims, uint32, bool) {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(hctx)
	if err != nil {
		b.log.Info("broker.handshake.fail", "err", err)
		return nil, 0, false
	}

	cmds, err := v1.DecodeCommands(data)
	if err != nil || len(cmds) == 0 || cmds[0].Connect == nil || cmds[0].Validate() != nil {
		b.log.Info("broker.handshake.bad", "err", err)
		_ = ws.Close(websocket.StatusCode(v1.CloseBadRequest), "connect expected")
		return nil, 0, false
	}
	cmd := cmds[0]

	claims, err := b.issuer.Verify(cmd.Connect.Token, KindRealtime, KindSession)
	switch {
	case errors.Is(err, ErrTokenExpired):
		b.log.Info("broker.connect.expired")
		b.writeNow(hctx, ws, v1.Reply{ID: cmd.ID, Error: &v1.Error{Code: v1.CodeTokenExpired, Message: "token expired", Temporary: true}})
		_ = ws.Close(websocket.StatusNormalClosure, "token expired")
		return nil, 0, false
	case err != nil:
		b.log.Info("broker.connect.unauthorized", "err", err)
		_ = ws.Close(websocket.StatusCode(v1.CloseInvalidToken), "invalid token")
		return nil, 0, false
	}
	return claims, cmd.ID, true
}

func (b *Broker) connectResult(clientID string, claims *Claims) *v1.ConnectResult {
	res := &v1.ConnectResult{
		Client:  clientID,
		Version: b.cfg.Version,
		Ping:    uint32(max(b.cfg.PingInterval, 0) / time.Second),
		Pong:    b.cfg.PingInterval > 0,
	}
	if ttl := b.ttl(claims); ttl > 0 {
		res.Expires, res.TTL = true, ttl
	}
	return res
}

func (b *Broker) ttl(claims *Claims) uint32 {
	if claims.ExpiresAt == nil {
		return 0
	}
	d := claims.ExpiresAt.Sub(b.issuer.now())
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// ---- command handlers ----

// dispatch handles one command. queued reports that the reply was already queued.
func (b *Broker) dispatch(conn *Conn, cmd v1.Command) (reply v1.Reply, queued bool) {
	if err := cmd.Validate(); err != nil {
		return errorReply(cmd.ID, v1.CodeBadRequest, err.Error()), false
	}

	switch {
	case cmd.Subscribe != nil:
		ch := strings.TrimSpace(cmd.Subscribe.Channel)
		ack := v1.Reply{ID: cmd.ID, Subscribe: &v1.SubscribeResult{}}
		if !b.channel(ch).Join(conn, &ack) {
			return errorReply(cmd.ID, v1.CodeAlreadySubscribed, "already subscribed"), false
		}
		b.log.Debug("broker.subscribe.ok", "client_id", conn.ID, "channel", ch)
		return v1.Reply{}, true
	}
	return b.handle(conn, cmd), false
}

func (b *Broker) handle(conn *Conn, cmd v1.Command) v1.Reply {
	switch {
	case cmd.Connect != nil:
		return errorReply(cmd.ID, v1.CodeBadRequest, "already connected")

	case cmd.Unsubscribe != nil:
		if c := b.lookup(cmd.Unsubscribe.Channel); c != nil {
			c.Leave(conn.ID)
		}
		return v1.Reply{ID: cmd.ID, Unsubscribe: &v1.UnsubscribeResult{}}

	case cmd.Publish != nil:
		c := b.lookup(cmd.Publish.Channel)
		if c == nil || !c.Has(conn.ID) {
			return errorReply(cmd.ID, v1.CodePermissionDenied, "permission denied")
		}
		if len(cmd.Publish.Data) > maxPublicationBytes {
			return errorReply(cmd.ID, v1.CodeBadRequest, "publication too large")
		}
		c.Broadcast(cmd.Publish.Data, &v1.ClientInfo{User: conn.User, Client: conn.ID})
		return v1.Reply{ID: cmd.ID, Publish: &v1.PublishResult{}}

	case cmd.Refresh != nil:
		claims, err := b.issuer.Verify(cmd.Refresh.Token, KindRealtime, KindSession)
		switch {
		case errors.Is(err, ErrTokenExpired):
			return errorReply(cmd.ID, v1.CodeTokenExpired, "token expired")
		case err != nil:
			conn.Disconnect(v1.CloseInvalidToken, "invalid token")
			return errorReply(cmd.ID, v1.CodeUnauthorized, "unauthorized")
		case claims.Subject != conn.User:
			return errorReply(cmd.ID, v1.CodePermissionDenied, "user mismatch")
		}
		return v1.Reply{ID: cmd.ID, Refresh: &v1.RefreshResult{Expires: true, TTL: b.ttl(claims)}}
	}
	return errorReply(cmd.ID, v1.CodeBadRequest, "unsupported command")
}

func errorReply(id uint32, code uint32, msg string) v1.Reply {
	return v1.Reply{ID: id, Error: &v1.Error{Code: code, Message: msg}}
}

// ---- server-side API ----

// Publish delivers data to every subscriber of channel and returns the assigned offset.
func (b *Broker) Publish(channel string, data []byte, info *v1.ClientInfo) (uint64, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return 0, errors.New("mockbackend: empty channel")
	}
	if len(data) == 0 || len(data) > maxPublicationBytes {
		return 0, fmt.Errorf("mockbackend: publication size %d out of range", len(data))
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, ErrBrokerClosed
	}

	offset, n := b.channel(channel).Broadcast(data, info)
	b.log.Debug("broker.publish", "channel", channel, "offset", offset, "delivered", n)
	return offset, nil
}

// Unsubscribe removes every subscriber from channel and pushes an unsubscribe with code.
// It returns the number of sessions affected.
func (b *Broker) Unsubscribe(channel string, code uint32, reason string) int {
	c := b.lookup(channel)
	if c == nil {
		return 0
	}

	n := 0
	for _, id := range c.Members() {
		b.mu.RLock()
		conn := b.conns[id]
		b.mu.RUnlock()

		if !c.Leave(id) || conn == nil {
			continue
		}
		n++
		push := v1.Reply{Push: &v1.Push{Channel: channel, Unsubscribe: &v1.UnsubscribePush{Code: code, Reason: reason}}}
		if !conn.enqueue(push) {
			conn.Disconnect(v1.CloseSlow, "slow")
		}
	}
	return n
}

// DisconnectAll pushes a disconnect to every session and closes it with code.
func (b *Broker) DisconnectAll(code int, reason string) int {
	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		c.Disconnect(code, reason)
	}
	return len(conns)
}

// Subscribers returns the session ids subscribed to channel, sorted.
func (b *Broker) Subscribers(channel string) []string {
	c := b.lookup(channel)
	if c == nil {
		return []string{}
	}
	return c.Members()
}

// Channels returns channel names with at least one subscriber, sorted.
func (b *Broker) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.channels))
	for name, c := range b.channels {
		if !c.empty() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ConnCount returns the number of live sessions.
func (b *Broker) ConnCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Close rejects new sessions and disconnects live ones with a reconnectable shutdown code.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.DisconnectAll(v1.CloseShutdown, "shutdown")
}

// ---- frame IO ----

func (b *Broker) writePump(ctx context.Context, ws *websocket.Conn, conn *Conn, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case k := <-conn.kick:
			batch := drain(conn.Send, nil)
			batch = append(batch, v1.Reply{Push: &v1.Push{Disconnect: &v1.DisconnectPush{Code: uint32(k.code), Reason: k.reason}}})
			if err := b.write(ctx, ws, batch); err != nil {
				b.log.Info("broker.write.fail", "client_id", conn.ID, "err", err)
			}
			shutdown(websocket.StatusCode(k.code), k.reason)
			return
		case r := <-conn.Send:
			if err := b.write(ctx, ws, drain(conn.Send, []v1.Reply{r})); err != nil {
				b.log.Info("broker.write.fail", "client_id", conn.ID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusCode(v1.CloseWriteError), "write failed")
				return
			}
		}
	}
}

// drain appends queued replies without blocking, up to one frame's worth.
func drain(q <-chan v1.Reply, batch []v1.Reply) []v1.Reply {
	for len(batch) < v1.MaxFrameEntries {
		select {
		case r := <-q:
			batch = append(batch, r)
		default:
			return batch
		}
	}
	return batch
}

func (b *Broker) write(parent context.Context, ws *websocket.Conn, batch []v1.Reply) error {
	if len(batch) == 0 {
		return nil
	}
	frame, err := v1.EncodeReplies(batch...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, b.cfg.WriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, frame)
}

func (b *Broker) writeNow(ctx context.Context, ws *websocket.Conn, r v1.Reply) {
	if err := b.write(ctx, ws, []v1.Reply{r}); err != nil {
		b.log.Debug("broker.write.fail", "err", err)
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
