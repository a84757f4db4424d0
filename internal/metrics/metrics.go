// Package metrics exposes the proxy's Prometheus counters and histograms on
// /metrics, unauthenticated like /health.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this proxy emits, registered against a
// dedicated prometheus.Registry rather than the global default so tests can
// build isolated instances.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal         *prometheus.CounterVec
	UpstreamFailuresTotal *prometheus.CounterVec
	KeyBlocksTotal        *prometheus.CounterVec
	BreakerTripsTotal     *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total client requests handled, labeled by group and outcome status class.",
		}, []string{"group", "status_class"}),
		UpstreamFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_failures_total",
			Help: "Total upstream dispatch failures, labeled by target_url.",
		}, []string{"target_url"}),
		KeyBlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_key_blocks_total",
			Help: "Total key-block events, labeled by group and whether the block was permanent.",
		}, []string{"group", "permanent"}),
		BreakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_breaker_trips_total",
			Help: "Total circuit breaker Open transitions, labeled by target_url.",
		}, []string{"target_url"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "End-to-end client request duration, including all internal retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"group"}),
	}

	reg.MustRegister(m.RequestsTotal, m.UpstreamFailuresTotal, m.KeyBlocksTotal, m.BreakerTripsTotal, m.RequestDuration)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed client request.
func (m *Registry) ObserveRequest(group, statusClass string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(group, statusClass).Inc()
	m.RequestDuration.WithLabelValues(group).Observe(d.Seconds())
}

// ObserveUpstreamFailure records one failed upstream dispatch.
func (m *Registry) ObserveUpstreamFailure(targetURL string) {
	m.UpstreamFailuresTotal.WithLabelValues(targetURL).Inc()
}

// ObserveKeyBlock records one key being blocked.
func (m *Registry) ObserveKeyBlock(group string, permanent bool) {
	m.KeyBlocksTotal.WithLabelValues(group, boolLabel(permanent)).Inc()
}

// ObserveBreakerTrip records one breaker transitioning to Open.
func (m *Registry) ObserveBreakerTrip(targetURL string) {
	m.BreakerTripsTotal.WithLabelValues(targetURL).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
