/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedup

import "github.com/prometheus/client_golang/prometheus"

// Cache events.
const (
	EventHit     = "hit"
	EventMiss    = "miss"
	EventStored  = "stored"
	EventError   = "error"
	EventSkipped = "skipped"
)

// MetricsCollector collects metrics of the deduplication cache.
type MetricsCollector interface {
	IncEvents(event string)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics of the deduplication cache.
type PrometheusMetrics struct {
	EventsTotal *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	return &PrometheusMetrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "dedup_events_total",
			Help:        "Number of deduplication cache events (hit, miss, stored, error, skipped).",
			ConstLabels: opts.ConstLabels,
		}, []string{"event"}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.EventsTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.EventsTotal)
}

// IncEvents increments the events counter.
func (pm *PrometheusMetrics) IncEvents(event string) {
	pm.EventsTotal.WithLabelValues(event).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncEvents(string) {}
