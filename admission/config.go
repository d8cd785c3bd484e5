/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"time"

	"github.com/acronis/go-admitkit/config"
)

const cfgDefaultKeyPrefix = "admission"

const (
	cfgKeyMaxConcurrent = "maxConcurrent"
	cfgKeyLoadThreshold = "loadThreshold"
	cfgKeyMaxQueueSize  = "maxQueueSize"
	cfgKeyQueueTimeout  = "queueTimeout"
	cfgKeyPollInterval  = "pollInterval"
	cfgKeyPriorities    = "priorities"
)

// Config represents a set of configuration parameters for the admission queue.
// Keywords from "priorities" are merged over DefaultPriorityKeywords.
//
// Example in YAML:
//
//	admission:
//	  maxConcurrent: 100
//	  loadThreshold: 0.8
//	  maxQueueSize: 1000
//	  queueTimeout: 30s
//	  pollInterval: 100ms
//	  priorities:
//	    reports: low
//	    payments: high
type Config struct {
	MaxConcurrent int
	LoadThreshold float64
	MaxQueueSize  int
	QueueTimeout  time.Duration
	PollInterval  time.Duration
	Keywords      map[string]Priority

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
	cfg.MaxConcurrent = DefaultMaxConcurrent
	cfg.LoadThreshold = DefaultLoadThreshold
	cfg.MaxQueueSize = DefaultMaxQueueSize
	cfg.QueueTimeout = DefaultQueueTimeout
	cfg.PollInterval = DefaultPollInterval
	cfg.Keywords = DefaultPriorityKeywords()
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
	dp.SetDefault(cfgKeyMaxConcurrent, DefaultMaxConcurrent)
	dp.SetDefault(cfgKeyLoadThreshold, DefaultLoadThreshold)
	dp.SetDefault(cfgKeyMaxQueueSize, DefaultMaxQueueSize)
	dp.SetDefault(cfgKeyQueueTimeout, DefaultQueueTimeout.String())
	dp.SetDefault(cfgKeyPollInterval, DefaultPollInterval.String())
}

// Set sets admission configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.MaxConcurrent, err = dp.GetInt(cfgKeyMaxConcurrent); err != nil {
		return err
	}
	if c.MaxConcurrent <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxConcurrent, fmt.Errorf("should be > 0"))
	}
	if c.LoadThreshold, err = dp.GetFloat64(cfgKeyLoadThreshold); err != nil {
		return err
	}
	if c.LoadThreshold <= 0 || c.LoadThreshold > 1 {
		return dp.WrapKeyErr(cfgKeyLoadThreshold, fmt.Errorf("should be in (0, 1]"))
	}
	if c.MaxQueueSize, err = dp.GetInt(cfgKeyMaxQueueSize); err != nil {
		return err
	}
	if c.MaxQueueSize <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxQueueSize, fmt.Errorf("should be > 0"))
	}
	if c.QueueTimeout, err = dp.GetDuration(cfgKeyQueueTimeout); err != nil {
		return err
	}
	if c.QueueTimeout <= 0 {
		return dp.WrapKeyErr(cfgKeyQueueTimeout, fmt.Errorf("should be > 0"))
	}
	if c.PollInterval, err = dp.GetDuration(cfgKeyPollInterval); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyPollInterval, fmt.Errorf("should be > 0"))
	}

	var keywords map[string]string
	if err = dp.UnmarshalKey(cfgKeyPriorities, &keywords); err != nil {
		return err
	}
	c.Keywords = DefaultPriorityKeywords()
	for kw, name := range keywords {
		p, pErr := ParsePriority(name)
		if pErr != nil {
			return dp.WrapKeyErr(cfgKeyPriorities, fmt.Errorf("%s: %w", kw, pErr))
		}
		c.Keywords[kw] = p
	}
	return nil
}

// QueueOpts returns queue options described by the configuration.
func (c *Config) QueueOpts() QueueOpts {
	return QueueOpts{
		MaxConcurrent: c.MaxConcurrent,
		LoadThreshold: c.LoadThreshold,
		MaxQueueSize:  c.MaxQueueSize,
		QueueTimeout:  c.QueueTimeout,
		PollInterval:  c.PollInterval,
	}
}
