package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"topicchat/cmd/internal/metrics"
)

// DefaultTimeout bounds a single request when the caller's context has no deadline.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps decoded response bodies.
const maxBodyBytes = 1 << 20

// TokenSource yields the current bearer token ("" for none).
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Config configures the gateway.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8000/api.
	BaseURL string
	Timeout time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the backend REST client.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a Client. tokens may be nil (no Authorization header is sent).
func New(cfg Config, tokens TokenSource, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway: empty base url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// do performs one JSON request. body may be nil; out may be nil to discard the response.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	start := time.Now()
	status := 0
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if status != 0 {
				outcome = "status_" + strconv.Itoa(status)
			}
			c.log.Warn("gateway.request.fail", "op", op, "method", method, "path", path, "status", status, "err", err)
		} else {
			c.log.Debug("gateway.request.ok", "op", op, "method", method, "path", path, "status", status, "dur", time.Since(start))
		}
		c.metrics.GatewayRequest(op, outcome, start)
	}()

	fail := func(st int, cause error) error {
		return &Error{Op: op, Method: method, Path: path, Status: st, Err: cause}
	}

	var rdr io.Reader
	if body != nil {
		b, mErr := json.Marshal(body)
		if mErr != nil {
			return fail(0, mErr)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer func() { _ = resp.Body.Close() }()
	status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return fail(resp.StatusCode, nil)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fail(resp.StatusCode, err)
	}
	return nil
}
