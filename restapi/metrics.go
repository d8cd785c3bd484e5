/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Error responses are counted per domain, code and HTTP status so that admission rejections
// (429 from the rate limiter, 503 from the queue) can be told apart from handler failures.
var metricsResponseErrors *prometheus.CounterVec

const (
	metricsLabelDomain = "domain"
	metricsLabelCode   = "code"
	metricsLabelStatus = "status"
)

// MustInitAndRegisterMetrics creates the error responses counter in the given namespace
// and registers it in the default registry. It panics if the counter is already registered.
func MustInitAndRegisterMetrics(namespace string) {
	metricsResponseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "restapi",
		Name:      "error_responses_total",
		Help:      "Number of error responses sent, by error domain, error code and HTTP status.",
	}, []string{metricsLabelDomain, metricsLabelCode, metricsLabelStatus})
	prometheus.MustRegister(metricsResponseErrors)
}

// UnregisterMetrics removes the error responses counter from the default registry.
func UnregisterMetrics() {
	if metricsResponseErrors == nil {
		return
	}
	prometheus.Unregister(metricsResponseErrors)
	metricsResponseErrors = nil
}

func countErrorResponse(httpStatusCode int, err *Error) {
	if metricsResponseErrors == nil {
		return
	}
	metricsResponseErrors.With(prometheus.Labels{
		metricsLabelDomain: err.Domain,
		metricsLabelCode:   err.Code,
		metricsLabelStatus: strconv.Itoa(httpStatusCode),
	}).Inc()
}
