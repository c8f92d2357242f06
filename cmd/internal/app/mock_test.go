package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginHosts(t *testing.T) {
	t.Parallel()

	got := originHosts([]string{
		"http://localhost:*",
		"https://app.example.com",
		"http://127.0.0.1:3000",
		"*",
		" ",
		"example.org",
	})
	assert.Equal(t, []string{"localhost:*", "app.example.com", "127.0.0.1:3000", "*", "example.org"}, got)
}

func TestMock_ServesAPIAndMetrics(t *testing.T) {
	_, hs := startMock(t, nil)

	resp, err := http.Get(hs.URL + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMock_RejectsForeignOrigin(t *testing.T) {
	m, _ := startMock(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestNewMock_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Mock.Secret = "short"
	_, err := NewMock(cfg, nil)
	require.ErrorIs(t, err, ErrConfig)
}
