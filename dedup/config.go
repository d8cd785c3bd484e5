/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedup

import (
	"fmt"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/acronis/go-admitkit/config"
)

const cfgDefaultKeyPrefix = "dedup"

const (
	cfgKeyTTL           = "ttl"
	cfgKeyAutoDedup     = "autoDedup"
	cfgKeyIncludeBody   = "includeBody"
	cfgKeyExcludedPaths = "excludedPaths"
	cfgKeyMaxBodySize   = "maxBodySize"
	cfgKeyWriteTimeout  = "writeTimeout"
)

// Config represents a set of configuration parameters for request deduplication.
//
// Example in YAML:
//
//	dedup:
//	  ttl: 10m
//	  autoDedup: true
//	  includeBody: false
//	  excludedPaths: ["/api/auth", "/api/auth/*"]
//	  maxBodySize: 1M
//	  writeTimeout: 500ms
type Config struct {
	TTL          time.Duration
	WriteTimeout time.Duration
	Policy       Policy

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
	cfg.TTL = DefaultTTL
	cfg.WriteTimeout = DefaultWriteTimeout
	cfg.Policy = DefaultPolicy()
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTTL, DefaultTTL.String())
	dp.SetDefault(cfgKeyAutoDedup, true)
	dp.SetDefault(cfgKeyIncludeBody, false)
	dp.SetDefault(cfgKeyExcludedPaths, DefaultExcludedPaths)
	dp.SetDefault(cfgKeyMaxBodySize, bytefmt.ByteSize(DefaultMaxBodySize))
	dp.SetDefault(cfgKeyWriteTimeout, DefaultWriteTimeout.String())
}

// Set sets deduplication configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.TTL, err = dp.GetDuration(cfgKeyTTL); err != nil {
		return err
	}
	if c.TTL <= 0 || c.TTL > MaxTTL {
		return dp.WrapKeyErr(cfgKeyTTL, fmt.Errorf("should be in (0, %s]", MaxTTL))
	}
	if c.WriteTimeout, err = dp.GetDuration(cfgKeyWriteTimeout); err != nil {
		return err
	}
	if c.WriteTimeout <= 0 {
		return dp.WrapKeyErr(cfgKeyWriteTimeout, fmt.Errorf("should be > 0"))
	}

	if c.Policy.AutoDedup, err = dp.GetBool(cfgKeyAutoDedup); err != nil {
		return err
	}
	if c.Policy.IncludeBody, err = dp.GetBool(cfgKeyIncludeBody); err != nil {
		return err
	}
	if c.Policy.ExcludedPaths, err = dp.GetStringSlice(cfgKeyExcludedPaths); err != nil {
		return err
	}
	maxBodySize, err := dp.GetSizeInBytes(cfgKeyMaxBodySize)
	if err != nil {
		return err
	}
	if maxBodySize == 0 {
		return dp.WrapKeyErr(cfgKeyMaxBodySize, fmt.Errorf("should be > 0"))
	}
	c.Policy.MaxBodySize = int64(maxBodySize)
	return nil
}

// CacheOpts returns cache options described by the configuration.
func (c *Config) CacheOpts() CacheOpts {
	return CacheOpts{TTL: c.TTL, WriteTimeout: c.WriteTimeout}
}
