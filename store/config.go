/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package store

import (
	"fmt"
	"time"

	"github.com/acronis/go-admitkit/config"
)

const cfgDefaultKeyPrefix = "store"

const (
	cfgKeyBackend         = "backend"
	cfgKeyRedisAddr       = "redis.addr"
	cfgKeyRedisPassword   = "redis.password" // nolint:gosec // key name, not a credential
	cfgKeyRedisDB         = "redis.db"
	cfgKeyCallTimeout     = "callTimeout"
	cfgKeyMaxKeys         = "maxKeys"
	cfgKeyCleanupInterval = "cleanupInterval"
	cfgKeyBreakerFailures = "breaker.failures"
	cfgKeyBreakerTimeout  = "breaker.timeout"
)

// Backend defines possible values for the store backend.
type Backend string

// Store backends.
const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

const (
	defaultBackend         = BackendMemory
	defaultRedisAddr       = "localhost:6379"
	defaultCleanupInterval = time.Minute
)

// Config represents a set of configuration parameters for the store.
type Config struct {
	Backend         Backend
	Redis           RedisConfig
	CallTimeout     time.Duration
	MaxKeys         int
	CleanupInterval time.Duration
	Breaker         BreakerConfig

	keyPrefix string
}

// RedisConfig represents Redis connection parameters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BreakerConfig represents parameters of the circuit breaker in front of Redis.
type BreakerConfig struct {
	Failures int
	Timeout  time.Duration
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
	cfg.Backend = defaultBackend
	cfg.Redis.Addr = defaultRedisAddr
	cfg.CallTimeout = DefaultRedisCallTimeout
	cfg.MaxKeys = DefaultMemoryMaxKeys
	cfg.CleanupInterval = defaultCleanupInterval
	cfg.Breaker = BreakerConfig{Failures: DefaultBreakerFailures, Timeout: DefaultBreakerTimeout}
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
	dp.SetDefault(cfgKeyBackend, string(defaultBackend))
	dp.SetDefault(cfgKeyRedisAddr, defaultRedisAddr)
	dp.SetDefault(cfgKeyCallTimeout, DefaultRedisCallTimeout.String())
	dp.SetDefault(cfgKeyMaxKeys, DefaultMemoryMaxKeys)
	dp.SetDefault(cfgKeyCleanupInterval, defaultCleanupInterval.String())
	dp.SetDefault(cfgKeyBreakerFailures, DefaultBreakerFailures)
	dp.SetDefault(cfgKeyBreakerTimeout, DefaultBreakerTimeout.String())
}

// Set sets store configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	backend, err := dp.GetStringFromSet(cfgKeyBackend, []string{string(BackendMemory), string(BackendRedis)}, false)
	if err != nil {
		return err
	}
	c.Backend = Backend(backend)

	if c.Redis.Addr, err = dp.GetString(cfgKeyRedisAddr); err != nil {
		return err
	}
	if c.Redis.Password, err = dp.GetString(cfgKeyRedisPassword); err != nil {
		return err
	}
	if c.Redis.DB, err = dp.GetInt(cfgKeyRedisDB); err != nil {
		return err
	}

	if c.CallTimeout, err = dp.GetDuration(cfgKeyCallTimeout); err != nil {
		return err
	}
	if c.CallTimeout <= 0 || c.CallTimeout > MaxRedisCallTimeout {
		return dp.WrapKeyErr(cfgKeyCallTimeout, fmt.Errorf("should be in (0, %s]", MaxRedisCallTimeout))
	}

	if c.MaxKeys, err = dp.GetInt(cfgKeyMaxKeys); err != nil {
		return err
	}
	if c.MaxKeys <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxKeys, fmt.Errorf("should be > 0"))
	}

	if c.CleanupInterval, err = dp.GetDuration(cfgKeyCleanupInterval); err != nil {
		return err
	}
	if c.CleanupInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyCleanupInterval, fmt.Errorf("should be > 0"))
	}

	if c.Breaker.Failures, err = dp.GetInt(cfgKeyBreakerFailures); err != nil {
		return err
	}
	if c.Breaker.Failures <= 0 {
		return dp.WrapKeyErr(cfgKeyBreakerFailures, fmt.Errorf("should be > 0"))
	}
	if c.Breaker.Timeout, err = dp.GetDuration(cfgKeyBreakerTimeout); err != nil {
		return err
	}
	if c.Breaker.Timeout <= 0 {
		return dp.WrapKeyErr(cfgKeyBreakerTimeout, fmt.Errorf("should be > 0"))
	}
	return nil
}
