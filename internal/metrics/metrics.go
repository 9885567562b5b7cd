// Package metrics exposes gateway counters and live pool/session gauges in
// the Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
)

const namespace = "mcp_gateway"

type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	toolCalls       prometheus.Counter
	sessionsOpened  prometheus.Counter
	sessionsClosed  prometheus.Counter
	browserStatus   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"scope"}),
		toolCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls routed to browser sessions.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Client sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Client sessions closed.",
		}),
		browserStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_status_transitions_total",
			Help:      "Browser connection status transitions by target status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.rateLimited,
		m.toolCalls,
		m.sessionsOpened,
		m.sessionsClosed,
		m.browserStatus,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimited(scope string) {
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) ToolCall() {
	m.toolCalls.Inc()
}

func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Inc()
}

func (m *Metrics) SessionClosed() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) BrowserStatusChanged(status browserpool.Status) {
	m.browserStatus.WithLabelValues(string(status)).Inc()
}

// WatchState registers gauges read from the pool and the session registry at
// scrape time.
func (m *Metrics) WatchState(pool func() browserpool.Stats, reg func() sessions.Stats) {
	m.registry.MustRegister(&stateCollector{pool: pool, sessions: reg})
}

var (
	browserConnectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "browser_connections"),
		"Pooled browser connections by status.",
		[]string{"status"}, nil,
	)
	sessionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions"),
		"Registered client sessions.",
		nil, nil,
	)
	activeSessionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions_active"),
		"Client sessions active within the idle timeout.",
		nil, nil,
	)
)

type stateCollector struct {
	pool     func() browserpool.Stats
	sessions func() sessions.Stats
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- browserConnectionsDesc
	ch <- sessionsDesc
	ch <- activeSessionsDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		ps := c.pool()
		for status, n := range map[browserpool.Status]int{
			browserpool.StatusConnected:    ps.Connected,
			browserpool.StatusDisconnected: ps.Disconnected,
			browserpool.StatusReconnecting: ps.Reconnecting,
			browserpool.StatusFailed:       ps.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(browserConnectionsDesc, prometheus.GaugeValue, float64(n), string(status))
		}
	}
	if c.sessions != nil {
		ss := c.sessions()
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(ss.Total))
		ch <- prometheus.MustNewConstMetric(activeSessionsDesc, prometheus.GaugeValue, float64(ss.Active))
	}
}
