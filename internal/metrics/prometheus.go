// Package metrics exposes the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestLatency      *prometheus.HistogramVec
	TokenUsage          *prometheus.HistogramVec
	RateLimitRejections prometheus.Counter
	ActiveBuckets       prometheus.Gauge
	TokenRefreshes      *prometheus.CounterVec
	StreamSessions      *prometheus.CounterVec
	UpstreamLatency     *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_gateway_requests_total",
				Help: "Total number of completion requests by caller protocol and status code",
			},
			[]string{"protocol", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_gateway_request_duration_seconds",
				Help:    "Request latency distributions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		TokenUsage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_gateway_token_usage",
				Help:    "Approximate token usage per request",
				Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 8000, 32000},
			},
			[]string{"direction"},
		),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copilot_gateway_rate_limit_rejections_total",
			Help: "Requests rejected by the per-caller rate limiter",
		}),
		ActiveBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copilot_gateway_rate_limit_active_buckets",
			Help: "Rate limit buckets currently tracked",
		}),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_gateway_token_refreshes_total",
				Help: "Backend credential refreshes by outcome",
			},
			[]string{"outcome"},
		),
		StreamSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_gateway_stream_sessions_total",
				Help: "Streaming sessions by terminal state",
			},
			[]string{"state"},
		),
		UpstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_gateway_upstream_duration_seconds",
				Help:    "Latency of upstream calls until response headers",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.TokenUsage,
		m.RateLimitRejections,
		m.ActiveBuckets,
		m.TokenRefreshes,
		m.StreamSessions,
		m.UpstreamLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(protocol string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(protocol, statusLabel(status)).Inc()
	m.RequestLatency.WithLabelValues(protocol).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveUsage(input, output int) {
	if m == nil {
		return
	}
	m.TokenUsage.WithLabelValues("input").Observe(float64(input))
	m.TokenUsage.WithLabelValues("output").Observe(float64(output))
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

func (m *Metrics) SetActiveBuckets(n int) {
	if m == nil {
		return
	}
	m.ActiveBuckets.Set(float64(n))
}

func (m *Metrics) TokenRefreshed(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StreamFinished(state string) {
	if m == nil {
		return
	}
	m.StreamSessions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveUpstream(op string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
