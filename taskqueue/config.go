/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"fmt"
	"time"

	"github.com/acronis/go-admitkit/config"
)

const cfgDefaultKeyPrefix = "tasks"

const (
	cfgKeyBatchSize   = "batchSize"
	cfgKeyBatchWindow = "batchWindow"
	cfgKeyMaxWorkers  = "maxWorkers"
	cfgKeyMaxAttempts = "maxAttempts"
	cfgKeyBackoffBase = "backoffBase"
	cfgKeyBackoffCap  = "backoffCap"
)

// Config represents a set of configuration parameters for the task scheduler.
//
// Example in YAML:
//
//	tasks:
//	  batchSize: 10
//	  batchWindow: 100ms
//	  maxWorkers: 4
//	  maxAttempts: 3
//	  backoffBase: 1s
//	  backoffCap: 16s
type Config struct {
	BatchSize   int
	BatchWindow time.Duration
	MaxWorkers  int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

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
	cfg.BatchSize = DefaultBatchSize
	cfg.BatchWindow = DefaultBatchWindow
	cfg.MaxWorkers = DefaultMaxWorkers
	cfg.MaxAttempts = DefaultMaxAttempts
	cfg.BackoffBase = DefaultBackoffBase
	cfg.BackoffCap = DefaultBackoffCap
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
	dp.SetDefault(cfgKeyBatchSize, DefaultBatchSize)
	dp.SetDefault(cfgKeyBatchWindow, DefaultBatchWindow.String())
	dp.SetDefault(cfgKeyMaxWorkers, DefaultMaxWorkers)
	dp.SetDefault(cfgKeyMaxAttempts, DefaultMaxAttempts)
	dp.SetDefault(cfgKeyBackoffBase, DefaultBackoffBase.String())
	dp.SetDefault(cfgKeyBackoffCap, DefaultBackoffCap.String())
}

// Set sets task scheduler configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	for _, item := range []struct {
		key string
		dst *int
	}{
		{cfgKeyBatchSize, &c.BatchSize},
		{cfgKeyMaxWorkers, &c.MaxWorkers},
		{cfgKeyMaxAttempts, &c.MaxAttempts},
	} {
		v, err := dp.GetInt(item.key)
		if err != nil {
			return err
		}
		if v <= 0 {
			return dp.WrapKeyErr(item.key, fmt.Errorf("should be > 0"))
		}
		*item.dst = v
	}
	for _, item := range []struct {
		key string
		dst *time.Duration
	}{
		{cfgKeyBatchWindow, &c.BatchWindow},
		{cfgKeyBackoffBase, &c.BackoffBase},
		{cfgKeyBackoffCap, &c.BackoffCap},
	} {
		v, err := dp.GetDuration(item.key)
		if err != nil {
			return err
		}
		if v <= 0 {
			return dp.WrapKeyErr(item.key, fmt.Errorf("should be > 0"))
		}
		*item.dst = v
	}
	if c.BackoffCap < c.BackoffBase {
		return dp.WrapKeyErr(cfgKeyBackoffCap, fmt.Errorf("should not be less than %s", c.BackoffBase))
	}
	return nil
}

// SchedulerOpts returns scheduler options described by the configuration.
func (c *Config) SchedulerOpts() SchedulerOpts {
	return SchedulerOpts{
		BatchSize:   c.BatchSize,
		BatchWindow: c.BatchWindow,
		MaxWorkers:  c.MaxWorkers,
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
		BackoffCap:  c.BackoffCap,
	}
}
