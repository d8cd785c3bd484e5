/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: `1024`, want: 1024},
		{in: `"1K"`, want: 1024},
		{in: `"16Mi"`, want: 16 * 1024 * 1024},
		{in: `"2GB"`, want: 2 * 1024 * 1024 * 1024},
		{in: `-1`, wantErr: true},
		{in: `"lots"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got ByteSize
			err := json.Unmarshal([]byte(tt.in), &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTimeDuration(t *testing.T) {
	var cfg struct {
		Window TimeDuration `yaml:"window"`
		Raw    TimeDuration `yaml:"raw"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("window: 5m\nraw: 1000\n"), &cfg))
	require.Equal(t, TimeDuration(5*time.Minute), cfg.Window)
	require.Equal(t, TimeDuration(time.Microsecond), cfg.Raw)

	data, err := json.Marshal(cfg.Window)
	require.NoError(t, err)
	require.Equal(t, `"5m0s"`, string(data))

	var bad TimeDuration
	require.Error(t, bad.UnmarshalText([]byte("-5s")))
	require.Error(t, bad.UnmarshalText([]byte("soon")))
}

type testRule struct {
	Limit  int          `mapstructure:"limit"`
	Window TimeDuration `mapstructure:"window"`
}

func TestViperAdapter_UnmarshalKeyWithDurationHook(t *testing.T) {
	va := NewViperAdapter()
	require.NoError(t, va.SetFromReader(bytes.NewBufferString(
		`{"tiers":{"premium":{"limit":1000,"window":"1m"}}}`), DataTypeJSON))
	var rules map[string]testRule
	require.NoError(t, va.UnmarshalKey("tiers", &rules, WithDurationHook()))
	require.Equal(t, testRule{Limit: 1000, Window: TimeDuration(time.Minute)}, rules["premium"])
}

func TestViperAdapter_GetSizeInBytes(t *testing.T) {
	va := NewViperAdapter()
	va.Set("a", "10M")
	va.Set("b", 4096)
	va.Set("c", "nope")

	got, err := va.GetSizeInBytes("a")
	require.NoError(t, err)
	require.Equal(t, uint64(10*1024*1024), got)

	got, err = va.GetSizeInBytes("b")
	require.NoError(t, err)
	require.Equal(t, uint64(4096), got)

	got, err = va.GetSizeInBytes("missing")
	require.NoError(t, err)
	require.Zero(t, got)

	_, err = va.GetSizeInBytes("c")
	require.Error(t, err)
}
