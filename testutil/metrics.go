/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

// AssertSamplesCountInHistogram asserts how many observations the histogram child has received.
// Children of a HistogramVec (obtained with With/WithLabelValues) are accepted as well.
func AssertSamplesCountInHistogram(t assert.TestingT, obs prometheus.Observer, wantSamplesCount int) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	metric, ok := obs.(prometheus.Metric)
	if !assert.True(t, ok, "observer %T is not a prometheus.Metric", obs) {
		return false
	}
	var m dto.Metric
	if !assert.NoError(t, metric.Write(&m)) {
		return false
	}
	if !assert.NotNil(t, m.GetHistogram(), "metric is not a histogram") {
		return false
	}
	return assert.EqualValues(t, wantSamplesCount, m.GetHistogram().GetSampleCount())
}
