/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedup

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
dedup:
  ttl: 10m
  autoDedup: false
  includeBody: true
  excludedPaths: ["/api/login"]
  maxBodySize: 64K
  writeTimeout: 1s
`)
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, cfg.TTL)
	require.Equal(t, Policy{ExcludedPaths: []string{"/api/login"}, IncludeBody: true, MaxBodySize: 64 << 10}, cfg.Policy)
	require.Equal(t, CacheOpts{TTL: 10 * time.Minute, WriteTimeout: time.Second}, cfg.CacheOpts())

	ttlErr := "dedup.ttl: should be in (0, " + MaxTTL.String() + "]"
	for _, tt := range []struct{ data, wantErr string }{
		{data: "dedup:\n  ttl: 0s\n", wantErr: ttlErr},
		{data: "dedup:\n  ttl: 1000h\n", wantErr: ttlErr},
		{data: "dedup:\n  writeTimeout: 0\n", wantErr: "dedup.writeTimeout: should be > 0"},
		{data: "dedup:\n  maxBodySize: 0\n", wantErr: "dedup.maxBodySize: should be > 0"},
	} {
		_, err = loadConfig(tt.data)
		require.EqualError(t, err, tt.wantErr, tt.data)
	}
}
