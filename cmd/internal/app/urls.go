package app

import (
	"net"
	"net/url"
	"strings"
)

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) origin to its ws(s) counterpart.
func wsBaseURL(httpURL string) string {
	s := strings.TrimRight(strings.TrimSpace(httpURL), "/")
	switch {
	case strings.HasPrefix(s, "https://"):
		return "wss://" + strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		return "ws://" + strings.TrimPrefix(s, "http://")
	case strings.HasPrefix(s, "ws://"), strings.HasPrefix(s, "wss://"):
		return s
	default:
		return "ws://" + s
	}
}

// realtimeURLFromAPI derives the broker endpoint from the REST base URL: the API path is
// replaced by the websocket path on the same host.
func realtimeURLFromAPI(apiURL, wsPath string) string {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return wsBaseURL(u.Scheme+"://"+u.Host) + wsPath
}
