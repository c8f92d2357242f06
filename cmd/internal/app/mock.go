package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"topicchat/cmd/internal/metrics"
	"topicchat/cmd/internal/mockbackend"
)

// Mock is the dev backend runtime: the REST API and broker behind one HTTP server,
// plus /metrics.
type Mock struct {
	cfg     Config
	log     *slog.Logger
	backend *mockbackend.Server
	handler http.Handler
}

// NewMock builds the dev backend from cfg.Mock and cfg.Chat.
func NewMock(cfg Config, log *slog.Logger) (*Mock, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Mock.Validate(); err != nil {
		return nil, err
	}

	m := metrics.New(metrics.Config{Process: true})

	backend, err := mockbackend.New(mockbackend.Config{
		Secret:        []byte(cfg.Mock.Secret),
		SessionTTL:    cfg.Mock.SessionTTL,
		RealtimeTTL:   cfg.Mock.RealtimeTTL,
		Passwords:     cfg.Mock.Users,
		ChannelPrefix: cfg.Chat.ChannelPrefix,
		Version:       Version,
		Broker: mockbackend.BrokerConfig{
			PingInterval:   cfg.Mock.PingInterval,
			OriginPatterns: originHosts(cfg.Mock.AllowedOrigins),
		},
	}, mockbackend.WithLogger(log), mockbackend.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", backend.Handler())

	return &Mock{
		cfg:     cfg,
		log:     log,
		backend: backend,
		handler: WithSecurityHeaders(WithCORS(mux, cfg.Mock.AllowedOrigins, log)),
	}, nil
}

// Handler returns the root handler.
func (m *Mock) Handler() http.Handler { return m.handler }

// Backend exposes the dev backend for server-side operations.
func (m *Mock) Backend() *mockbackend.Server { return m.backend }

// Run serves until ctx is cancelled or the listener fails.
func (m *Mock) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              m.cfg.Mock.Addr,
		Handler:           m.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	m.log.Info("server.start", "addr", m.cfg.Mock.Addr, "version", Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		m.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		m.log.Error("server.fail", "err", err)
		return err
	}

	// Websocket sessions are hijacked and ignored by Shutdown, so close them first.
	m.backend.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	m.log.Info("server.stopped")
	return nil
}

// originHosts turns origin patterns ("http://localhost:*") into the host patterns
// the websocket upgrader matches ("localhost:*").
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
			continue
		case o == "*":
			out = append(out, "*")
		case strings.Contains(o, "://"):
			if u, err := url.Parse(strings.Replace(o, ":*", "", 1)); err == nil && u.Host != "" {
				host := u.Host
				if strings.HasSuffix(o, ":*") {
					host += ":*"
				}
				out = append(out, host)
			}
		default:
			out = append(out, o)
		}
	}
	return out
}
