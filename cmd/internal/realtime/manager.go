package realtime

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"topicchat/cmd/internal/chat"
	"topicchat/cmd/internal/ids"
	"topicchat/cmd/internal/metrics"
)

// Mode is the Manager's subscription mode.
type Mode string

const (
	ModeIdle   Mode = "idle"
	ModeSingle Mode = "single"
	ModeFanIn  Mode = "fan_in"
)

// Config controls channel naming and fan-in.
type Config struct {
	// ChannelPrefix is prepended to a topic to form its channel name.
	ChannelPrefix string

	// FanIn enables the aggregate topic: selecting FanInTopic subscribes to every FanInMembers channel.
	FanIn        bool
	FanInTopic   string
	FanInMembers []string

	// ResubscribeDelay is waited between teardown and the new subscriptions.
	// Teardown already waits for the broker's unsubscribe replies, so this is normally 0.
	ResubscribeDelay time.Duration

	// Client is the template for every connection; Token is set by Connect.
	Client ClientConfig
}

// DefaultConfig returns the chat defaults: "chat:" channels with the "all" fan-in topic.
func DefaultConfig() Config {
	return Config{
		ChannelPrefix: "chat:",
		FanIn:         true,
		FanInTopic:    "all",
		FanInMembers:  []string{"general", "tech", "random"},
	}
}

// Manager owns one pub/sub connection and the subscriptions backing the chat view.
//
// Operations are serialized. Publication handlers only write to the chat store,
// so they never wait on the Manager.
type Manager struct {
	cfg     Config
	chat    *chat.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	ids     *ids.Generator

	// opMu serializes Connect, SubscribeToTopic and Disconnect.
	opMu sync.Mutex

	mu     sync.Mutex
	client *Client
	subs   map[string]*Subscription
	active *Subscription
	mode   Mode
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the receipt-time clock.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs an idle Manager writing to store.
func NewManager(cfg Config, store *chat.Store, opts ...ManagerOption) *Manager {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "chat:"
	}
	if cfg.FanInTopic == "" {
		cfg.FanInTopic = "all"
	}
	if store == nil {
		store = chat.NewStore()
	}

	m := &Manager{
		cfg:  cfg,
		chat: store,
		log:  slog.New(slog.DiscardHandler),
		now:  time.Now,
		ids:  ids.NewGenerator(),
		subs: make(map[string]*Subscription),
		mode: ModeIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Chat returns the store the Manager writes to.
func (m *Manager) Chat() *chat.Store { return m.chat }

// Connect replaces any existing connection with a new one authenticated by token.
// It returns the outcome of the first connection attempt; the client keeps retrying
// non-terminal failures in the background.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.teardown(ctx)
	m.dropClient(ctx)

	cc := m.cfg.Client
	cc.Token = token
	client, err := NewClient(cc, WithClientLogger(m.log), WithClientMetrics(m.metrics))
	if err != nil {
		m.log.Error("realtime.client.fail", "err", err)
		return err
	}

	client.OnConnecting(func(e ConnectingEvent) {
		m.log.Info("realtime.connecting", "code", e.Code, "reason", e.Reason)
	})
	client.OnConnected(func(e ConnectedEvent) {
		m.log.Info("realtime.connected", "client_id", e.ClientID)
		m.chat.SetConnected(true)
	})
	client.OnDisconnected(func(e DisconnectedEvent) {
		m.log.Info("realtime.disconnected", "code", e.Code, "reason", e.Reason, "reconnect", e.Reconnect)
		m.chat.SetConnected(false)
	})
	client.OnError(func(e ErrorEvent) {
		m.log.Error("realtime.error", "err", e.Err)
	})

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		m.log.Error("realtime.connect.fail", "err", err)
		return err
	}
	return nil
}

// SubscribeToTopic makes topic the active view.
//
// Every tracked subscription is torn down first (listeners detached, broker unsubscribe
// acknowledged), the chat store switches to topic with an empty message list, and then the
// channel set for topic is subscribed: the fan-in members for the fan-in topic, otherwise the
// topic's own channel. Without a connection it does nothing. Per-channel failures are logged
// and do not stop the remaining channels.
func (m *Manager) SubscribeToTopic(ctx context.Context, topic string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		m.log.Debug("realtime.subscribe.skip", "topic", topic, "reason", "no connection")
		return nil
	}

	m.teardown(ctx)
	m.chat.SetActiveTopic(topic)

	if d := m.cfg.ResubscribeDelay; d > 0 {
		if !sleepCtx(ctx, d) {
			return ctx.Err()
		}
	}

	targets, mode := m.targets(topic)

	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()

	for _, t := range targets {
		channel := m.cfg.ChannelPrefix + t

		sub, ok := client.GetSubscription(channel)
		if !ok {
			var err error
			sub, err = client.NewSubscription(channel)
			if err != nil {
				m.log.Error("realtime.subscribe.fail", "channel", channel, "err", err)
				continue
			}
		}

		sub.RemoveAllListeners()
		sub.OnPublication(m.publicationHandler(t))
		sub.OnSubscribed(func(e SubscribedEvent) {
			m.log.Info("realtime.subscribe.ok", "channel", e.Channel, "mode", mode)
		})
		sub.OnError(func(e SubscriptionErrorEvent) {
			m.log.Error("realtime.subscription.error", "channel", e.Channel, "err", e.Err)
		})

		if sub.State() != SubStateSubscribed {
			if err := sub.Subscribe(ctx); err != nil {
				m.log.Error("realtime.subscribe.fail", "channel", channel, "err", err)
			}
		}

		m.mu.Lock()
		m.subs[channel] = sub
		if mode == ModeSingle {
			m.active = sub
		}
		n := len(m.subs)
		m.mu.Unlock()
		m.metrics.SetActiveSubscriptions(n)
	}
	return nil
}

func (m *Manager) targets(topic string) ([]string, Mode) {
	if m.cfg.FanIn && topic == m.cfg.FanInTopic {
		return slices.Clone(m.cfg.FanInMembers), ModeFanIn
	}
	return []string{topic}, ModeSingle
}

// publicationHandler converts publications on topic's channel into chat messages.
// Messages keep the topic of the channel they arrived on, also in fan-in mode.
func (m *Manager) publicationHandler(topic string) func(PublicationEvent) {
	return func(e PublicationEvent) {
		now := m.now()

		ts := gjson.GetBytes(e.Data, "timestamp").Int()
		if ts == 0 {
			ts = now.UnixMilli()
		}

		m.chat.AppendMessage(chat.Message{
			ID:        m.ids.Next(now),
			Username:  gjson.GetBytes(e.Data, "username").String(),
			Content:   gjson.GetBytes(e.Data, "content").String(),
			Timestamp: ts,
			Topic:     topic,
		})
	}
}

// SendMessage publishes a chat message on the active single-topic subscription.
// It does nothing in fan-in mode or when no topic is active.
func (m *Manager) SendMessage(ctx context.Context, content, username string) error {
	m.mu.Lock()
	sub := m.active
	mode := m.mode
	m.mu.Unlock()

	if sub == nil || mode != ModeSingle {
		m.log.Debug("realtime.send.skip", "mode", mode)
		return nil
	}

	err := sub.Publish(ctx, outgoingMessage{
		Username:  username,
		Content:   content,
		Timestamp: m.now().UnixMilli(),
	})
	if err != nil {
		m.log.Warn("realtime.send.fail", "channel", sub.Channel(), "err", err)
		return err
	}
	return nil
}

type outgoingMessage struct {
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Disconnect tears down every subscription, closes the connection and resets the chat store.
// It is safe to call when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.teardown(ctx)
	err := m.dropClient(ctx)
	m.chat.Reset()
	return err
}

// teardown detaches and unsubscribes every tracked subscription, waiting for each
// acknowledgement, then clears tracking. Caller holds opMu.
func (m *Manager) teardown(ctx context.Context) {
	m.mu.Lock()
	client := m.client
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.active = nil
	m.mode = ModeIdle
	m.mu.Unlock()

	for channel, sub := range subs {
		sub.RemoveAllListeners()
		var err error
		if client != nil {
			err = client.RemoveSubscription(ctx, sub)
		} else {
			err = sub.Unsubscribe(ctx)
		}
		if err != nil {
			m.log.Warn("realtime.unsubscribe.fail", "channel", channel, "err", err)
		}
	}
	if len(subs) > 0 {
		m.metrics.SetActiveSubscriptions(0)
	}
}

// dropClient disconnects and forgets the current client. Caller holds opMu.
func (m *Manager) dropClient(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	err := client.Disconnect(ctx)
	client.RemoveAllListeners()
	if err != nil {
		m.log.Warn("realtime.disconnect.fail", "err", err)
	}
	return err
}

// State returns the connection state (Disconnected when there is no connection).
func (m *Manager) State() ClientState {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return StateDisconnected
	}
	return client.State()
}

// ActiveChannels returns the tracked channel names, sorted.
func (m *Manager) ActiveChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.subs))
	for ch := range m.subs {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Mode returns the current subscription mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}
