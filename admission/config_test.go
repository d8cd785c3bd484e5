/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admitkit/config"
)

func loadConfig(data string) (*Config, error) {
	cfg := NewConfig()
	err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(bytes.NewBufferString(data), config.DataTypeYAML, cfg)
	return cfg, err
}

func TestConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, NewDefaultConfig(), cfg)

	cfg, err = loadConfig(`
admission:
  maxConcurrent: 8
  loadThreshold: 0.5
  maxQueueSize: 16
  queueTimeout: 2s
  pollInterval: 10ms
  priorities:
    reports: low
    payments: critical
    analytics: normal
`)
	require.NoError(t, err)
	require.Equal(t, QueueOpts{
		MaxConcurrent: 8,
		LoadThreshold: 0.5,
		MaxQueueSize:  16,
		QueueTimeout:  2 * time.Second,
		PollInterval:  10 * time.Millisecond,
	}, cfg.QueueOpts())
	require.Equal(t, PriorityLow, cfg.Keywords["reports"])
	require.Equal(t, PriorityCritical, cfg.Keywords["payments"])
	require.Equal(t, PriorityNormal, cfg.Keywords["analytics"])
	require.Equal(t, PriorityHigh, cfg.Keywords["auth"])

	for _, tt := range []struct{ data, wantErr string }{
		{data: "admission:\n  maxConcurrent: 0\n", wantErr: "admission.maxConcurrent: should be > 0"},
		{data: "admission:\n  loadThreshold: 1.5\n", wantErr: "admission.loadThreshold: should be in (0, 1]"},
		{data: "admission:\n  maxQueueSize: -1\n", wantErr: "admission.maxQueueSize: should be > 0"},
		{data: "admission:\n  queueTimeout: 0s\n", wantErr: "admission.queueTimeout: should be > 0"},
		{data: "admission:\n  pollInterval: 0s\n", wantErr: "admission.pollInterval: should be > 0"},
		{data: "admission:\n  priorities:\n    reports: urgent\n", wantErr: `admission.priorities: reports: unknown priority "urgent"`},
	} {
		_, err = loadConfig(tt.data)
		require.EqualError(t, err, tt.wantErr, tt.data)
	}
}
