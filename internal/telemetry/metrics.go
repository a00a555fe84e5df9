// Package telemetry provides observability primitives for the Sigil gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	TokensProcessed  *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	WebSearchesTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "sigil",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigil",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		WebSearchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "web_searches_total",
			Help:      "Total chat completions enhanced with web search.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.TokensProcessed,
		m.RateLimitRejects,
		m.WebSearchesTotal,
	)

	return m
}
