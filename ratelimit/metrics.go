/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

const (
	resultAllowed  = "allowed"
	resultRejected = "rejected"
	resultError    = "error"
)

// MetricsCollector collects metrics of rate limit decisions.
type MetricsCollector interface {
	IncRequests(tier Tier, result string)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics of the Limiter.
type PrometheusMetrics struct {
	RequestsTotal *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	return &PrometheusMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratelimit_requests_total",
			Help:        "Number of rate limit decisions by tier and result (allowed, rejected, error).",
			ConstLabels: opts.ConstLabels,
		}, []string{"tier", "result"}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.RequestsTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.RequestsTotal)
}

// IncRequests increments the decisions counter.
func (pm *PrometheusMetrics) IncRequests(tier Tier, result string) {
	pm.RequestsTotal.WithLabelValues(string(tier), result).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncRequests(Tier, string) {}
