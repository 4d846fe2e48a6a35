// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for proxy latency. The round-trip ceiling is 10s.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	// ErrorOutcomes counts requests answered with a synthesized error page.
	ErrorOutcomes *prometheus.CounterVec
	// Rewrites counts responses by rewrite decision (html or passthrough).
	Rewrites *prometheus.CounterVec
	// StrippedMetaTags counts CSP meta tags removed from HTML bodies.
	StrippedMetaTags prometheus.Counter
	// WebSocketSessions counts upgraded WebSocket sessions by result.
	WebSocketSessions *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embed_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "embed_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "embed_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "embed_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embed_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ErrorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embed_proxy_error_outcomes_total",
			Help: "Requests answered with a proxy error page, by outcome.",
		}, []string{"outcome"}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embed_proxy_rewrite_decisions_total",
			Help: "Buffered upstream responses by rewrite decision.",
		}, []string{"decision"}),

		StrippedMetaTags: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embed_proxy_stripped_meta_tags_total",
			Help: "Content-Security-Policy meta tags removed from HTML bodies.",
		}),

		WebSocketSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embed_proxy_websocket_sessions_total",
			Help: "WebSocket pass-through sessions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ErrorOutcomes,
		m.Rewrites,
		m.StrippedMetaTags,
		m.WebSocketSessions,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// localRoutes are answered by the proxy itself.
var localRoutes = []string{"/health", "/my-ip"}

// NormalizeRoute returns a bounded route label. Anything that is not a local
// route or the metrics endpoint is reported as "proxied".
func NormalizeRoute(path, metricsPath string) string {
	for _, prefix := range localRoutes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix
		}
	}
	if metricsPath != "" && path == metricsPath {
		return "metrics"
	}
	return "proxied"
}
