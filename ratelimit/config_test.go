/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

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
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig("")
		require.NoError(t, err)
		require.Equal(t, NewDefaultConfig(), cfg)
	})

	t.Run("rules are merged over defaults", func(t *testing.T) {
		cfg, err := loadConfig(`
rateLimit:
  failClosed: true
  tiers:
    - name: premium
      limit: 2000
      window: 1m
    - name: partner
      limit: 10
      window: 1s
  endpoints:
    - path: /api/reports
      limit: 5
      window: 30s
  skipPaths: ["/internal/*"]
`)
		require.NoError(t, err)
		require.True(t, cfg.FailClosed)
		require.Equal(t, []string{"/internal/*"}, cfg.SkipPaths)
		require.Equal(t, Rule{Limit: 2000, Window: time.Minute}, cfg.TierRules[TierPremium])
		require.Equal(t, Rule{Limit: 10, Window: time.Second}, cfg.TierRules["partner"])
		require.Equal(t, DefaultTierRules()[TierAnonymous], cfg.TierRules[TierAnonymous])
		require.Equal(t, Rule{Limit: 5, Window: 30 * time.Second}, cfg.EndpointRules["/api/reports"])
		for path, rule := range DefaultEndpointRules() {
			require.Equal(t, rule, cfg.EndpointRules[path])
		}

		opts := cfg.LimiterOpts()
		require.True(t, opts.FailClosed)
		require.Equal(t, cfg.TierRules, opts.TierRules)
		require.Equal(t, cfg.EndpointRules, opts.EndpointRules)
	})

	t.Run("custom key prefix", func(t *testing.T) {
		cfg := NewConfig(WithKeyPrefix("limits"))
		err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString("limits:\n  failClosed: true\n"), config.DataTypeYAML, cfg)
		require.NoError(t, err)
		require.True(t, cfg.FailClosed)
		require.Equal(t, "limits", cfg.KeyPrefix())
	})

	t.Run("invalid rules", func(t *testing.T) {
		for _, tt := range []struct {
			name    string
			data    string
			wantErr string
		}{
			{
				name:    "tier without name",
				data:    "rateLimit:\n  tiers:\n    - limit: 1\n      window: 1s\n",
				wantErr: "rateLimit.tiers: #0: name is required",
			},
			{
				name:    "zero limit",
				data:    "rateLimit:\n  tiers:\n    - name: premium\n      limit: 0\n      window: 1s\n",
				wantErr: "rateLimit.tiers: premium: limit should be > 0, got 0",
			},
			{
				name:    "endpoint without path",
				data:    "rateLimit:\n  endpoints:\n    - limit: 1\n      window: 1s\n",
				wantErr: "rateLimit.endpoints: #0: path is required",
			},
			{
				name:    "endpoint without window",
				data:    "rateLimit:\n  endpoints:\n    - path: /api/bots\n      limit: 1\n",
				wantErr: "rateLimit.endpoints: /api/bots: window should be > 0, got 0s",
			},
		} {
			t.Run(tt.name, func(t *testing.T) {
				_, err := loadConfig(tt.data)
				require.EqualError(t, err, tt.wantErr)
			})
		}
	})
}
