/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-admitkit/lrucache"
)

// MetricsCollector collects metrics of store degradation and of the in-process store.
type MetricsCollector interface {
	// IncFallbacks increments the number of operations served by the fallback store.
	IncFallbacks(op string)
	// SetBreakerOpen sets whether calls to the primary store are currently skipped.
	SetBreakerOpen(open bool)
	// MemoryCache returns the collector of the in-process store cache, nil disables it.
	MemoryCache() lrucache.MetricsCollector
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics of the FallbackStore and the MemoryStore cache.
type PrometheusMetrics struct {
	FallbacksTotal *prometheus.CounterVec
	BreakerOpen    prometheus.Gauge
	Memory         *lrucache.PrometheusMetrics
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	return &PrometheusMetrics{
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "store_fallbacks_total",
			Help:        "Number of store operations served by the in-process fallback store.",
			ConstLabels: opts.ConstLabels,
		}, []string{"op"}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "store_breaker_open",
			Help:        "1 if calls to the primary store are skipped by the circuit breaker, 0 otherwise.",
			ConstLabels: opts.ConstLabels,
		}),
		Memory: lrucache.NewPrometheusMetricsWithOpts(lrucache.PrometheusMetricsOpts{
			Namespace:   opts.Namespace,
			ConstLabels: mergeLabels(opts.ConstLabels, prometheus.Labels{"cache": "memory_store"}),
		}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.FallbacksTotal, pm.BreakerOpen)
	pm.Memory.MustRegister()
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.FallbacksTotal)
	prometheus.Unregister(pm.BreakerOpen)
	pm.Memory.Unregister()
}

// IncFallbacks increments the number of operations served by the fallback store.
func (pm *PrometheusMetrics) IncFallbacks(op string) {
	pm.FallbacksTotal.WithLabelValues(op).Inc()
}

// SetBreakerOpen sets the breaker state gauge.
func (pm *PrometheusMetrics) SetBreakerOpen(open bool) {
	if open {
		pm.BreakerOpen.Set(1)
		return
	}
	pm.BreakerOpen.Set(0)
}

// MemoryCache returns the metrics of the in-process store cache.
func (pm *PrometheusMetrics) MemoryCache() lrucache.MetricsCollector {
	return pm.Memory
}

func mergeLabels(base, extra prometheus.Labels) prometheus.Labels {
	res := make(prometheus.Labels, len(base)+len(extra))
	for k, v := range base {
		res[k] = v
	}
	for k, v := range extra {
		res[k] = v
	}
	return res
}

type disabledMetrics struct{}

func (disabledMetrics) IncFallbacks(string)                    {}
func (disabledMetrics) SetBreakerOpen(bool)                    {}
func (disabledMetrics) MemoryCache() lrucache.MetricsCollector { return nil }
