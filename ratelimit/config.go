/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"

	"github.com/acronis/go-admitkit/config"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyFailClosed = "failClosed"
	cfgKeyTiers      = "tiers"
	cfgKeyEndpoints  = "endpoints"
	cfgKeySkipPaths  = "skipPaths"
)

// DefaultSkipPaths are the path globs the rate limiting middleware never limits.
var DefaultSkipPaths = []string{"/healthz", "/metrics"}

// Config represents a set of configuration parameters for rate limiting.
// Tier and endpoint rules from the configuration are merged over the defaults.
//
// Example in YAML:
//
//	rateLimit:
//	  failClosed: false
//	  tiers:
//	    - name: premium
//	      limit: 2000
//	      window: 1m
//	  endpoints:
//	    - path: /api/reports
//	      limit: 10
//	      window: 1m
//	  skipPaths: ["/healthz", "/metrics", "/internal/*"]
type Config struct {
	FailClosed    bool
	TierRules     map[Tier]Rule
	EndpointRules map[string]Rule
	SkipPaths     []string

	keyPrefix string
}

type tierRuleConfig struct {
	Name   string              `mapstructure:"name"`
	Limit  int                 `mapstructure:"limit"`
	Window config.TimeDuration `mapstructure:"window"`
}

type endpointRuleConfig struct {
	Path   string              `mapstructure:"path"`
	Limit  int                 `mapstructure:"limit"`
	Window config.TimeDuration `mapstructure:"window"`
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
	cfg.TierRules = DefaultTierRules()
	cfg.EndpointRules = DefaultEndpointRules()
	cfg.SkipPaths = append([]string(nil), DefaultSkipPaths...)
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
	dp.SetDefault(cfgKeySkipPaths, DefaultSkipPaths)
}

// Set sets rate limiting configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.FailClosed, err = dp.GetBool(cfgKeyFailClosed); err != nil {
		return err
	}
	if c.SkipPaths, err = dp.GetStringSlice(cfgKeySkipPaths); err != nil {
		return err
	}

	var tiers []tierRuleConfig
	if err = dp.UnmarshalKey(cfgKeyTiers, &tiers, config.WithDurationHook()); err != nil {
		return err
	}
	c.TierRules = DefaultTierRules()
	for i, t := range tiers {
		rule := Rule{Limit: t.Limit, Window: time.Duration(t.Window)}
		if t.Name == "" {
			return dp.WrapKeyErr(cfgKeyTiers, fmt.Errorf("#%d: name is required", i))
		}
		if err = rule.validate(); err != nil {
			return dp.WrapKeyErr(cfgKeyTiers, fmt.Errorf("%s: %w", t.Name, err))
		}
		c.TierRules[Tier(t.Name)] = rule
	}

	var endpoints []endpointRuleConfig
	if err = dp.UnmarshalKey(cfgKeyEndpoints, &endpoints, config.WithDurationHook()); err != nil {
		return err
	}
	c.EndpointRules = DefaultEndpointRules()
	for i, e := range endpoints {
		rule := Rule{Limit: e.Limit, Window: time.Duration(e.Window)}
		if e.Path == "" {
			return dp.WrapKeyErr(cfgKeyEndpoints, fmt.Errorf("#%d: path is required", i))
		}
		if err = rule.validate(); err != nil {
			return dp.WrapKeyErr(cfgKeyEndpoints, fmt.Errorf("%s: %w", e.Path, err))
		}
		c.EndpointRules[e.Path] = rule
	}
	return nil
}

// LimiterOpts returns limiter options described by the configuration.
func (c *Config) LimiterOpts() LimiterOpts {
	return LimiterOpts{TierRules: c.TierRules, EndpointRules: c.EndpointRules, FailClosed: c.FailClosed}
}
