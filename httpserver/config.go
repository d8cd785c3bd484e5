/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"fmt"
	"time"

	"github.com/acronis/go-admitkit/config"
)

const cfgDefaultKeyPrefix = "server"

const (
	cfgKeyAddress                 = "address"
	cfgKeyUnixSocketPath          = "unixSocketPath"
	cfgKeyTLSCert                 = "tls.cert"
	cfgKeyTLSKey                  = "tls.key"
	cfgKeyTLSEnabled              = "tls.enabled"
	cfgKeyTimeoutsWrite           = "timeouts.write"
	cfgKeyTimeoutsRead            = "timeouts.read"
	cfgKeyTimeoutsReadHeader      = "timeouts.readHeader"
	cfgKeyTimeoutsIdle            = "timeouts.idle"
	cfgKeyTimeoutsShutdown        = "timeouts.shutdown"
	cfgKeyLimitsMaxBodySize       = "limits.maxBodySize"
	cfgKeyLogRequestStart         = "log.requestStart"
	cfgKeyLogRequestHeaders       = "log.requestHeaders"
	cfgKeyLogExcludedEndpoints    = "log.excludedEndpoints"
	cfgKeyLogSecretQueryParams    = "log.secretQueryParams" // nolint:gosec // false positive
	cfgKeyLogAddRequestInfo       = "log.addRequestInfo"
	cfgKeyLogSlowRequestThreshold = "log.slowRequestThreshold"
)

const (
	defaultAddress = ":8080"
	// Write timeout covers the time a request waits in the admission queue.
	defaultTimeoutsWrite        = time.Minute
	defaultTimeoutsRead         = time.Second * 15
	defaultTimeoutsReadHeader   = time.Second * 10
	defaultTimeoutsIdle         = time.Minute
	defaultTimeoutsShutdown     = time.Second * 5
	defaultSlowRequestThreshold = time.Second
	defaultLimitsMaxBodySize    = 8 << 20
)

// Config represents a set of configuration parameters for HTTPServer.
// It is loaded with config.Loader or decoded directly with yaml/json/mapstructure tags.
//
// Example in YAML:
//
//	server:
//	  address: ":8080"
//	  timeouts:
//	    write: 1m
//	    shutdown: 5s
//	  limits:
//	    maxBodySize: 8M
//	  log:
//	    requestStart: false
//	    excludedEndpoints: ["/healthz", "/metrics"]
//	    slowRequestThreshold: 1s
type Config struct {
	Address        string         `mapstructure:"address" yaml:"address" json:"address"`
	UnixSocketPath string         `mapstructure:"unixSocketPath" yaml:"unixSocketPath" json:"unixSocketPath"`
	Timeouts       TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Limits         LimitsConfig   `mapstructure:"limits" yaml:"limits" json:"limits"`
	Log            LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
	TLS            TLSConfig      `mapstructure:"tls" yaml:"tls" json:"tls"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.Address = defaultAddress
	cfg.Timeouts = TimeoutsConfig{
		Write:      config.TimeDuration(defaultTimeoutsWrite),
		Read:       config.TimeDuration(defaultTimeoutsRead),
		ReadHeader: config.TimeDuration(defaultTimeoutsReadHeader),
		Idle:       config.TimeDuration(defaultTimeoutsIdle),
		Shutdown:   config.TimeDuration(defaultTimeoutsShutdown),
	}
	cfg.Limits.MaxBodySize = defaultLimitsMaxBodySize
	cfg.Log.SlowRequestThreshold = config.TimeDuration(defaultSlowRequestThreshold)
	return cfg
}

// KeyPrefix returns the section name of the server configuration ("server" by default).
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults registers defaults of all server keys in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAddress, defaultAddress)

	dp.SetDefault(cfgKeyTimeoutsWrite, defaultTimeoutsWrite)
	dp.SetDefault(cfgKeyTimeoutsRead, defaultTimeoutsRead)
	dp.SetDefault(cfgKeyTimeoutsReadHeader, defaultTimeoutsReadHeader)
	dp.SetDefault(cfgKeyTimeoutsIdle, defaultTimeoutsIdle)
	dp.SetDefault(cfgKeyTimeoutsShutdown, defaultTimeoutsShutdown)

	dp.SetDefault(cfgKeyLimitsMaxBodySize, defaultLimitsMaxBodySize)

	dp.SetDefault(cfgKeyLogRequestStart, false)
	dp.SetDefault(cfgKeyLogAddRequestInfo, false)
	dp.SetDefault(cfgKeyLogSlowRequestThreshold, defaultSlowRequestThreshold)
}

// TimeoutsConfig maps to the timeouts of http.Server plus the graceful shutdown timeout.
// Zero disables the corresponding http.Server timeout.
type TimeoutsConfig struct {
	Write      config.TimeDuration `mapstructure:"write" yaml:"write" json:"write"`
	Read       config.TimeDuration `mapstructure:"read" yaml:"read" json:"read"`
	ReadHeader config.TimeDuration `mapstructure:"readHeader" yaml:"readHeader" json:"readHeader"`
	Idle       config.TimeDuration `mapstructure:"idle" yaml:"idle" json:"idle"`
	Shutdown   config.TimeDuration `mapstructure:"shutdown" yaml:"shutdown" json:"shutdown"`
}

// Set reads timeouts from config.DataProvider. Negative values are rejected.
func (t *TimeoutsConfig) Set(dp config.DataProvider) error {
	for _, item := range []struct {
		key string
		dst *config.TimeDuration
	}{
		{cfgKeyTimeoutsWrite, &t.Write},
		{cfgKeyTimeoutsRead, &t.Read},
		{cfgKeyTimeoutsReadHeader, &t.ReadHeader},
		{cfgKeyTimeoutsIdle, &t.Idle},
		{cfgKeyTimeoutsShutdown, &t.Shutdown},
	} {
		dur, err := dp.GetDuration(item.key)
		if err != nil {
			return err
		}
		if dur < 0 {
			return dp.WrapKeyErr(item.key, fmt.Errorf("cannot be negative"))
		}
		*item.dst = config.TimeDuration(dur)
	}
	return nil
}

// LimitsConfig holds request limits enforced by the server itself.
// Concurrency is limited by the admission queue, not here.
type LimitsConfig struct {
	// MaxBodySize is the maximum size of the request body in bytes. Zero means no limit.
	MaxBodySize config.ByteSize `mapstructure:"maxBodySize" yaml:"maxBodySize" json:"maxBodySize"`
}

// Set reads limits from config.DataProvider. MaxBodySize accepts "512K", "8M" and plain byte counts.
func (l *LimitsConfig) Set(dp config.DataProvider) error {
	size, err := dp.GetSizeInBytes(cfgKeyLimitsMaxBodySize)
	if err != nil {
		return err
	}
	l.MaxBodySize = config.ByteSize(size)
	return nil
}

// LogConfig configures the request logging middleware.
type LogConfig struct {
	RequestStart           bool                `mapstructure:"requestStart" yaml:"requestStart" json:"requestStart"`
	RequestHeaders         []string            `mapstructure:"requestHeaders" yaml:"requestHeaders" json:"requestHeaders"`
	ExcludedEndpoints      []string            `mapstructure:"excludedEndpoints" yaml:"excludedEndpoints" json:"excludedEndpoints"`
	SecretQueryParams      []string            `mapstructure:"secretQueryParams" yaml:"secretQueryParams"`
	AddRequestInfoToLogger bool                `mapstructure:"addRequestInfo" yaml:"addRequestInfo" json:"addRequestInfo"`
	SlowRequestThreshold   config.TimeDuration `mapstructure:"slowRequestThreshold" yaml:"slowRequestThreshold" json:"slowRequestThreshold"`
}

// Set reads logging options from config.DataProvider.
func (l *LogConfig) Set(dp config.DataProvider) error {
	var err error
	if l.RequestStart, err = dp.GetBool(cfgKeyLogRequestStart); err != nil {
		return err
	}
	if l.RequestHeaders, err = dp.GetStringSlice(cfgKeyLogRequestHeaders); err != nil {
		return err
	}
	if l.ExcludedEndpoints, err = dp.GetStringSlice(cfgKeyLogExcludedEndpoints); err != nil {
		return err
	}
	if l.SecretQueryParams, err = dp.GetStringSlice(cfgKeyLogSecretQueryParams); err != nil {
		return err
	}
	if l.AddRequestInfoToLogger, err = dp.GetBool(cfgKeyLogAddRequestInfo); err != nil {
		return err
	}

	threshold, err := dp.GetDuration(cfgKeyLogSlowRequestThreshold)
	if err != nil {
		return err
	}
	l.SlowRequestThreshold = config.TimeDuration(threshold)
	return nil
}

// TLSConfig enables HTTPS. Certificate and Key are paths to PEM files.
type TLSConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Certificate string `mapstructure:"cert" yaml:"cert" json:"cert"`
	Key         string `mapstructure:"key" yaml:"key" json:"key"`
}

// Set reads TLS options from config.DataProvider.
func (s *TLSConfig) Set(dp config.DataProvider) error {
	var err error
	if s.Enabled, err = dp.GetBool(cfgKeyTLSEnabled); err != nil {
		return err
	}
	if s.Certificate, err = dp.GetString(cfgKeyTLSCert); err != nil {
		return err
	}
	if s.Key, err = dp.GetString(cfgKeyTLSKey); err != nil {
		return err
	}
	if s.Enabled && (s.Certificate == "" || s.Key == "") {
		return dp.WrapKeyErr(cfgKeyTLSKey, fmt.Errorf("both cert and key should be set"))
	}
	return nil
}

// Set reads the whole server section from config.DataProvider.
// Either address or unixSocketPath is required.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.UnixSocketPath, err = dp.GetString(cfgKeyUnixSocketPath); err != nil {
		return err
	}
	if c.Address == "" && c.UnixSocketPath == "" {
		return dp.WrapKeyErr(cfgKeyAddress, fmt.Errorf("either address or unixSocketPath should be set"))
	}

	for _, section := range []interface{ Set(config.DataProvider) error }{&c.TLS, &c.Timeouts, &c.Limits, &c.Log} {
		if err = section.Set(dp); err != nil {
			return err
		}
	}
	return nil
}
