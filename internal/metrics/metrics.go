// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the gateway emits.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal         *prometheus.CounterVec
	UpstreamRequestsTotal *prometheus.CounterVec
	RateLimitedTotal      prometheus.Counter
	UsageQueueDepth       prometheus.Gauge
	UsageDroppedTotal     prometheus.Counter
	UsageBatchesTotal     *prometheus.CounterVec
	StreamErrorsTotal     prometheus.Counter
}

// New builds and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_requests_total",
			Help: "Requests handled, by route and status code.",
		}, []string{"route", "status"}),
		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_upstream_requests_total",
			Help: "Upstream provider requests, by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter.",
		}),
		UsageQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_usage_queue_depth",
			Help: "Pending increments on the usage reporter queue.",
		}),
		UsageDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_usage_dropped_total",
			Help: "Usage increments dropped because the reporter queue was full.",
		}),
		UsageBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_usage_batches_total",
			Help: "Usage batches flushed upstream, by outcome.",
		}, []string{"outcome"}),
		StreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_stream_errors_total",
			Help: "Streams that ended with an error (upstream fault, tool-call reassembly failure or client disconnect).",
		}),
	}
	registry.MustRegister(
		m.RequestsTotal,
		m.UpstreamRequestsTotal,
		m.RateLimitedTotal,
		m.UsageQueueDepth,
		m.UsageDroppedTotal,
		m.UsageBatchesTotal,
		m.StreamErrorsTotal,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
