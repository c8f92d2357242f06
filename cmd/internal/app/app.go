// Package app wires the topicchat runtime: config, logging, storage, the session,
// the REST gateway and the realtime connection manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"topicchat/cmd/internal/chat"
	"topicchat/cmd/internal/gateway"
	"topicchat/cmd/internal/metrics"
	"topicchat/cmd/internal/realtime"
	"topicchat/cmd/internal/session"
	"topicchat/cmd/internal/storage"
)

// Version is stamped at build time with -ldflags "-X topicchat/cmd/internal/app.Version=...".
var Version = "dev"

// ErrUnknownTopic is returned by Join for a topic outside the configured list.
var ErrUnknownTopic = errors.New("unknown topic")

// App is the client runtime. It owns the storage backend and every component built on it.
type App struct {
	cfg Config
	log *slog.Logger

	kv      storage.KV
	session *session.Store
	gateway *gateway.Client
	chat    *chat.Store
	manager *realtime.Manager
	metrics *metrics.Metrics

	metricsSrv *http.Server
}

// Option customizes an App.
type Option func(*App)

// WithMetrics replaces the metrics recorder built by New.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// New opens storage, restores the session and wires the gateway and the realtime manager.
// It does not connect; call Connect once logged in.
func New(ctx context.Context, cfg Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(metrics.Config{Process: cfg.MetricsAddr != ""}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	kv, err := storage.Open(ctx, cfg.Storage.storageConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.kv = kv

	a.session = session.New(kv, session.DefaultConfig(), log)
	a.session.Initialize(ctx)

	gw, err := gateway.New(gateway.Config{
		BaseURL: cfg.APIURL,
		Timeout: cfg.RequestTimeout,
	}, a.session, gateway.WithLogger(log), gateway.WithMetrics(a.metrics))
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	a.gateway = gw

	a.chat = chat.NewStore(
		chat.WithTopics(cfg.Chat.Topics),
		chat.WithMaxMessages(cfg.Chat.MaxMessages),
	)

	a.manager = realtime.NewManager(realtime.Config{
		ChannelPrefix:    cfg.Chat.ChannelPrefix,
		FanIn:            cfg.Chat.FanIn,
		FanInTopic:       cfg.Chat.FanInTopic,
		FanInMembers:     cfg.Chat.FanInMembers,
		ResubscribeDelay: cfg.Chat.ResubscribeDelay,
		Client: realtime.ClientConfig{
			URL:      cfg.RealtimeURL,
			GetToken: a.fetchRealtimeToken,
			Version:  Version,
		},
	}, a.chat, realtime.WithLogger(log), realtime.WithMetrics(a.metrics))

	if cfg.MetricsAddr != "" {
		a.startMetrics()
	}

	log.Info("app.ready",
		"api_url", cfg.APIURL,
		"realtime_url", cfg.RealtimeURL,
		"storage", cfg.Storage.Kind,
		"authenticated", a.session.Snapshot().IsAuthenticated,
	)
	return a, nil
}

// Session exposes the session store.
func (a *App) Session() *session.Store { return a.session }

// Chat exposes the chat view state.
func (a *App) Chat() *chat.Store { return a.chat }

// Manager exposes the realtime connection manager.
func (a *App) Manager() *realtime.Manager { return a.manager }

// Metrics exposes the metrics recorder.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Topics returns the configured topic list.
func (a *App) Topics() []string { return slices.Clone(a.chat.Snapshot().Topics) }

// Login authenticates against the backend and persists the session.
func (a *App) Login(ctx context.Context, username, password string) (session.User, error) {
	resp, err := a.gateway.Login(ctx, gateway.LoginRequest{
		Username: strings.TrimSpace(username),
		Password: password,
	})
	if err != nil {
		return session.User{}, err
	}
	if err := a.session.Login(ctx, resp.Token, resp.RealtimeToken, resp.User); err != nil {
		return session.User{}, err
	}
	return resp.User, nil
}

// Logout drops the realtime connection and clears the persisted session.
func (a *App) Logout(ctx context.Context) error {
	if err := a.manager.Disconnect(ctx); err != nil {
		a.log.Warn("app.logout.disconnect_fail", "err", err)
	}
	return a.session.Logout(ctx)
}

// Whoami asks the backend for the user behind the stored session.
func (a *App) Whoami(ctx context.Context) (session.User, error) {
	if !a.session.Snapshot().IsAuthenticated {
		return session.User{}, session.ErrNotAuthenticated
	}
	return a.gateway.CurrentUser(ctx)
}

// Health checks backend liveness.
func (a *App) Health(ctx context.Context) (gateway.HealthStatus, error) {
	return a.gateway.Health(ctx)
}

// Connect opens the realtime connection for the stored session.
// With UseRealtimeToken the dedicated realtime token is used (fetched when missing),
// otherwise the session token.
func (a *App) Connect(ctx context.Context) error {
	st := a.session.Snapshot()
	if !st.IsAuthenticated {
		return session.ErrNotAuthenticated
	}
	token := st.Token
	if a.cfg.UseRealtimeToken {
		token = st.RealtimeToken
	}
	return a.manager.Connect(ctx, token)
}

// Join makes topic the active view.
func (a *App) Join(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if !slices.Contains(a.Topics(), topic) {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return a.manager.SubscribeToTopic(ctx, topic)
}

// Send publishes text on the active topic as the logged-in user.
func (a *App) Send(ctx context.Context, text string) error {
	st := a.session.Snapshot()
	if !st.IsAuthenticated || st.User == nil {
		return session.ErrNotAuthenticated
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return a.manager.SendMessage(ctx, text, st.User.Username)
}

// Close disconnects and releases storage and the metrics listener.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.manager.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.kv.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// fetchRealtimeToken is the realtime client's GetToken hook.
func (a *App) fetchRealtimeToken(ctx context.Context) (string, error) {
	if !a.cfg.UseRealtimeToken {
		tok := a.session.Token()
		if tok == "" {
			return "", fmt.Errorf("%w: no session", realtime.ErrUnauthorized)
		}
		if a.session.TokenExpired() {
			return "", fmt.Errorf("%w: session token expired", realtime.ErrUnauthorized)
		}
		return tok, nil
	}

	tok, err := a.gateway.RefreshRealtimeToken(ctx)
	switch {
	case gateway.IsStatus(err, http.StatusUnauthorized):
		return "", fmt.Errorf("%w: %v", realtime.ErrUnauthorized, err)
	case err != nil:
		return "", err
	}
	if err := a.session.SetRealtimeToken(ctx, tok); err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			return "", fmt.Errorf("%w: %v", realtime.ErrUnauthorized, err)
		}
		a.log.Warn("app.realtime_token.persist_fail", "err", err)
	}
	return tok, nil
}

func (a *App) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())

	a.metricsSrv = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("metrics.start", "addr", a.cfg.MetricsAddr)
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics.fail", "err", err)
		}
	}()
}
