package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"topicchat/cmd/internal/session"
)

// LoginRequest carries credentials for POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the POST /login payload.
type LoginResponse struct {
	Token         string       `json:"token"`
	RealtimeToken string       `json:"realtime_token,omitempty"`
	User          session.User `json:"user"`

	// LegacyRealtimeToken is the older field name for the realtime token.
	LegacyRealtimeToken string `json:"centrifuge_token,omitempty"`
}

// HealthStatus is the GET /health payload.
type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
	Version   string `json:"version,omitempty"`
}

// OK reports whether the backend declared itself healthy.
func (h HealthStatus) OK() bool {
	return strings.EqualFold(h.Status, "ok") || strings.EqualFold(h.Status, "healthy")
}

type realtimeTokenResponse struct {
	CentrifugeToken string `json:"centrifuge_token"`
}

// Login exchanges credentials for a session token, an optional realtime token and the user.
func (c *Client) Login(ctx context.Context, in LoginRequest) (LoginResponse, error) {
	var out LoginResponse
	if err := c.do(ctx, "login", http.MethodPost, "/login", in, &out); err != nil {
		return LoginResponse{}, err
	}
	if out.RealtimeToken == "" {
		out.RealtimeToken = out.LegacyRealtimeToken
	}
	out.LegacyRealtimeToken = ""
	if out.Token == "" {
		return LoginResponse{}, &Error{Op: "login", Method: http.MethodPost, Path: "/login", Status: http.StatusOK, Err: errors.New("response without token")}
	}
	return out, nil
}

// CurrentUser fetches the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (session.User, error) {
	var out session.User
	if err := c.do(ctx, "user", http.MethodGet, "/user", nil, &out); err != nil {
		return session.User{}, err
	}
	return out, nil
}

// RefreshRealtimeToken obtains a fresh realtime token for the current session.
func (c *Client) RefreshRealtimeToken(ctx context.Context) (string, error) {
	var out realtimeTokenResponse
	if err := c.do(ctx, "realtime_token", http.MethodPost, "/centrifuge-token", nil, &out); err != nil {
		return "", err
	}
	if out.CentrifugeToken == "" {
		return "", &Error{Op: "realtime_token", Method: http.MethodPost, Path: "/centrifuge-token", Status: http.StatusOK, Err: errors.New("response without token")}
	}
	return out.CentrifugeToken, nil
}

// Health checks backend liveness.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, &out); err != nil {
		return HealthStatus{}, err
	}
	return out, nil
}
