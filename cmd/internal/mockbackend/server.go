package mockbackend

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"topicchat/cmd/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Route paths.
const (
	APIPrefix     = "/api"
	WebSocketPath = "/connection/websocket"
)

// Config configures a Server.
type Config struct {
	// Secret signs session and realtime tokens (HS256, min 16 bytes).
	Secret      []byte
	SessionTTL  time.Duration
	RealtimeTTL time.Duration
	// Passwords restricts logins to known accounts. Values are plaintext or HashPassword output.
	// Nil accepts any non-empty password.
	Passwords map[string]string
	// ChannelPrefix maps a REST topic to its broker channel.
	ChannelPrefix string
	Version       string
	Now           func() time.Time
	Broker        BrokerConfig
}

// Server is the dev backend: REST API plus broker.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	issuer   *Issuer
	broker   *Broker
	accounts *accounts
	engine   *gin.Engine
	handler  http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics recorder for HTTP and broker instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New constructs a Server.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "chat:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Broker.Version == "" {
		cfg.Broker.Version = cfg.Version
	}

	s := &Server{cfg: cfg, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}

	issuer, err := NewIssuer(cfg.Secret, cfg.SessionTTL, cfg.RealtimeTTL, cfg.Now)
	if err != nil {
		return nil, err
	}
	accts, err := newAccounts(cfg.Passwords)
	if err != nil {
		return nil, err
	}
	s.issuer = issuer
	s.accounts = accts
	s.broker = NewBroker(issuer, cfg.Broker, s.log, s.metrics)
	s.engine = s.routes()

	// The broker sits outside gin: gin's writer refuses to hijack once the upgrade headers are flushed.
	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, s.broker)
	mux.Handle("/", s.engine)
	s.handler = mux
	return s, nil
}

// Handler returns the HTTP handler serving the API and the broker endpoint.
func (s *Server) Handler() http.Handler { return s.handler }

// Broker exposes the broker for server-side operations.
func (s *Server) Broker() *Broker { return s.broker }

// Issuer exposes the token issuer.
func (s *Server) Issuer() *Issuer { return s.issuer }

// Close disconnects broker sessions.
func (s *Server) Close() { s.broker.Close() }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
	}

	api := r.Group(APIPrefix)
	api.GET("/health", s.handleHealth)
	api.POST("/login", s.handleLogin)

	authed := api.Group("", s.requireAuth())
	authed.GET("/user", s.handleUser)
	authed.POST("/centrifuge-token", s.handleRealtimeToken)
	authed.POST("/topics/:topic/messages", s.handlePublish)

	return r
}

// requestLogger logs one line per request, skipping the long-lived websocket.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.FullPath() == WebSocketPath {
			return
		}
		st := c.Writer.Status()
		lvl := slog.LevelInfo
		switch {
		case st >= 500:
			lvl = slog.LevelError
		case st >= 400:
			lvl = slog.LevelWarn
		}
		s.log.Log(c.Request.Context(), lvl, "http.request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", st,
			"dur_ms", time.Since(start).Milliseconds(),
		)
	}
}

const claimsKey = "claims"

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := s.issuer.Verify(tok, KindSession)
		if err != nil {
			msg := "unauthorized"
			if errors.Is(err, ErrTokenExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *Claims {
	v, _ := c.Get(claimsKey)
	cl, _ := v.(*Claims)
	return cl
}
