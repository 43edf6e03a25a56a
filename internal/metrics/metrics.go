// Package metrics provides Prometheus metrics for analytify.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "analytify"

// Metrics holds the collectors registered on one registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	apiRequests   *prometheus.CounterVec
	apiDuration   *prometheus.HistogramVec
	tokenRefresh  *prometheus.CounterVec
	emailsSent    *prometheus.CounterVec
	schedulerRuns *prometheus.CounterVec
}

// New registers the analytify collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// CacheLookups counts report cache lookups by result (hit, miss).
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of report cache lookups",
			},
			[]string{"result"},
		),

		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of Google API requests",
			},
			[]string{"api", "operation", "status"},
		),

		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration of Google API requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"api"},
		),

		tokenRefresh: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_total",
				Help:      "Total number of OAuth token refresh attempts",
			},
			[]string{"status"},
		),

		emailsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_total",
				Help:      "Total number of outbound emails",
			},
			[]string{"kind", "status"},
		),

		schedulerRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_runs_total",
				Help:      "Total number of email scheduler runs by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CacheHit records a report cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss records a report cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordAPIRequest records one Google API call.
func (m *Metrics) RecordAPIRequest(api, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(api, operation, status).Inc()
	m.apiDuration.WithLabelValues(api).Observe(duration.Seconds())
}

// RecordTokenRefresh records a refresh attempt (success, failure).
func (m *Metrics) RecordTokenRefresh(status string) {
	if m == nil {
		return
	}
	m.tokenRefresh.WithLabelValues(status).Inc()
}

// RecordEmail records an outbound email (kind: week, month, test, token_failure).
func (m *Metrics) RecordEmail(kind, status string) {
	if m == nil {
		return
	}
	m.emailsSent.WithLabelValues(kind, status).Inc()
}

// RecordSchedulerRun records a scheduler invocation outcome.
func (m *Metrics) RecordSchedulerRun(outcome string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(outcome).Inc()
}
