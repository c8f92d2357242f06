// Package metrics exposes Prometheus instrumentation for the client and the dev backend.
//
// Each Metrics owns a private registry; a nil *Metrics is a valid no-op recorder.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "topicchat"

// Config controls metric naming and histogram buckets.
type Config struct {
	Namespace string
	Buckets   []float64
	// Process registers the Go and process collectors.
	Process bool
}

// Metrics holds the client and dev-backend collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	gatewayReqCnt *prometheus.CounterVec
	gatewayReqDur *prometheus.HistogramVec

	connState   prometheus.Gauge
	reconnects  prometheus.Counter
	activeSubs  prometheus.Gauge
	pubsRecv    *prometheus.CounterVec
	pubsSent    *prometheus.CounterVec
	pubsDropped *prometheus.CounterVec

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	brokerConn prometheus.Gauge
}

// New builds the collectors and registers them, plus the Go and process collectors when
// cfg.Process is set.
func New(cfg Config) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	if cfg.Process {
		r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		r.MustRegister(collectors.NewGoCollector())
	}

	gatewayReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "gateway_requests_total", Help: "REST calls to the chat backend by endpoint and outcome"}, []string{"endpoint", "outcome"})
	gatewayReqDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "gateway_request_duration_seconds", Help: "REST call latency by endpoint and outcome", Buckets: buckets}, []string{"endpoint", "outcome"})
	r.MustRegister(gatewayReqCnt, gatewayReqDur)

	connState := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "realtime_connection_state", Help: "0 disconnected, 1 connecting, 2 connected"})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "realtime_reconnects_total", Help: "Realtime reconnect attempts"})
	activeSubs := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "realtime_active_subscriptions", Help: "Channels currently subscribed"})
	pubsRecv := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "realtime_publications_received_total", Help: "Publications received per channel"}, []string{"channel"})
	pubsSent := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "realtime_publications_sent_total", Help: "Publications sent per channel"}, []string{"channel"})
	pubsDropped := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "realtime_publications_dropped_total", Help: "Publications discarded as malformed or off-topic per channel"}, []string{"channel"})
	r.MustRegister(connState, reconnects, activeSubs, pubsRecv, pubsSent, pubsDropped)

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total", Help: "Dev backend HTTP requests by method, route and status"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Help: "Dev backend HTTP latency by method, route and status", Buckets: buckets}, []string{"method", "route", "status"})
	brokerConn := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "broker_connections", Help: "Open dev broker WebSocket connections"})
	r.MustRegister(httpReqCnt, httpDur, brokerConn)

	return &Metrics{
		registry:      r,
		gatewayReqCnt: gatewayReqCnt,
		gatewayReqDur: gatewayReqDur,
		connState:     connState,
		reconnects:    reconnects,
		activeSubs:    activeSubs,
		pubsRecv:      pubsRecv,
		pubsSent:      pubsSent,
		pubsDropped:   pubsDropped,
		httpReqCnt:    httpReqCnt,
		httpDur:       httpDur,
		brokerConn:    brokerConn,
	}
}

// Registry returns the private registry (tests and custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// GatewayRequest records one REST call.
func (m *Metrics) GatewayRequest(endpoint, outcome string, since time.Time) {
	if m == nil {
		return
	}
	m.gatewayReqCnt.WithLabelValues(endpoint, outcome).Inc()
	m.gatewayReqDur.WithLabelValues(endpoint, outcome).Observe(time.Since(since).Seconds())
}

// Connection states reported by SetConnectionState.
const (
	StateDisconnected = 0
	StateConnecting   = 1
	StateConnected    = 2
)

// SetConnectionState reports one of the State constants.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connState.Set(float64(state))
}

// Reconnect counts one reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetActiveSubscriptions reports the number of subscribed channels.
func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.activeSubs.Set(float64(n))
}

// PublicationReceived counts an incoming publication on channel.
func (m *Metrics) PublicationReceived(channel string) {
	if m == nil {
		return
	}
	m.pubsRecv.WithLabelValues(channel).Inc()
}

// PublicationSent counts an outgoing publication on channel.
func (m *Metrics) PublicationSent(channel string) {
	if m == nil {
		return
	}
	m.pubsSent.WithLabelValues(channel).Inc()
}

// PublicationDropped counts a publication on channel that was not delivered to the view.
func (m *Metrics) PublicationDropped(channel string) {
	if m == nil {
		return
	}
	m.pubsDropped.WithLabelValues(channel).Inc()
}

// BrokerConnOpened counts a new dev broker connection.
func (m *Metrics) BrokerConnOpened() {
	if m == nil {
		return
	}
	m.brokerConn.Inc()
}

// BrokerConnClosed releases a connection counted by BrokerConnOpened.
func (m *Metrics) BrokerConnClosed() {
	if m == nil {
		return
	}
	m.brokerConn.Dec()
}

// Middleware records request count and latency per gin route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
