/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"fmt"

	"github.com/acronis/go-admitkit/admission"
	"github.com/acronis/go-admitkit/config"
	"github.com/acronis/go-admitkit/dedup"
	"github.com/acronis/go-admitkit/httpserver"
	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/ratelimit"
	"github.com/acronis/go-admitkit/store"
	"github.com/acronis/go-admitkit/taskqueue"
)

const envVarsPrefix = "admitd"

// AppConfig is the root configuration of admitd. Each field is a config section.
type AppConfig struct {
	Log       *log.Config
	Server    *httpserver.Config
	Store     *store.Config
	RateLimit *ratelimit.Config
	Dedup     *dedup.Config
	Admission *admission.Config
	Tasks     *taskqueue.Config
}

var _ config.Config = (*AppConfig)(nil)

// NewAppConfig creates a new AppConfig with all sections using their default key prefixes.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:       log.NewConfig(),
		Server:    httpserver.NewConfig(),
		Store:     store.NewConfig(),
		RateLimit: ratelimit.NewConfig(),
		Dedup:     dedup.NewConfig(),
		Admission: admission.NewConfig(),
		Tasks:     taskqueue.NewConfig(),
	}
}

// SetProviderDefaults sets default values of all sections.
func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

// Set sets values of all sections from config.DataProvider.
func (c *AppConfig) Set(dp config.DataProvider) error {
	return config.CallSetForFields(c, dp)
}

// LoadConfig loads configuration from the file (if path is not empty) and ADMITD_* environment variables.
// The file format is detected by its extension.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := NewAppConfig()
	loader := config.NewDefaultLoader(envVarsPrefix)
	if path == "" {
		if err := loader.LoadFromEnv(cfg); err != nil {
			return nil, fmt.Errorf("load config from env: %w", err)
		}
		return cfg, nil
	}

	if err := loader.LoadFromPath(path, cfg); err != nil {
		return nil, fmt.Errorf("load config from file %q: %w", path, err)
	}
	return cfg, nil
}

type ruleSummary struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

// ConfigSummary is the effective configuration printed by the check-config command.
// Secrets are not included.
type ConfigSummary struct {
	Server struct {
		Address        string `yaml:"address,omitempty"`
		UnixSocketPath string `yaml:"unixSocketPath,omitempty"`
		MaxBodySize    string `yaml:"maxBodySize"`
		TLS            bool   `yaml:"tls"`
	} `yaml:"server"`
	Store struct {
		Backend     string `yaml:"backend"`
		RedisAddr   string `yaml:"redisAddr,omitempty"`
		CallTimeout string `yaml:"callTimeout"`
		MaxKeys     int    `yaml:"maxKeys"`
	} `yaml:"store"`
	RateLimit struct {
		FailClosed bool                   `yaml:"failClosed"`
		Tiers      map[string]ruleSummary `yaml:"tiers,omitempty"`
		Endpoints  map[string]ruleSummary `yaml:"endpoints,omitempty"`
		SkipPaths  []string               `yaml:"skipPaths"`
	} `yaml:"rateLimit"`
	Dedup struct {
		TTL         string `yaml:"ttl"`
		AutoDedup   bool   `yaml:"autoDedup"`
		IncludeBody bool   `yaml:"includeBody"`
	} `yaml:"dedup"`
	Admission struct {
		MaxConcurrent int     `yaml:"maxConcurrent"`
		LoadThreshold float64 `yaml:"loadThreshold"`
		MaxQueueSize  int     `yaml:"maxQueueSize"`
		QueueTimeout  string  `yaml:"queueTimeout"`
	} `yaml:"admission"`
	Tasks struct {
		BatchSize   int    `yaml:"batchSize"`
		BatchWindow string `yaml:"batchWindow"`
		MaxWorkers  int    `yaml:"maxWorkers"`
		MaxAttempts int    `yaml:"maxAttempts"`
	} `yaml:"tasks"`
}

// Summary returns the effective configuration without secrets.
func (c *AppConfig) Summary() ConfigSummary {
	var s ConfigSummary

	s.Server.Address = c.Server.Address
	s.Server.UnixSocketPath = c.Server.UnixSocketPath
	s.Server.MaxBodySize = c.Server.Limits.MaxBodySize.String()
	s.Server.TLS = c.Server.TLS.Enabled

	s.Store.Backend = string(c.Store.Backend)
	if c.Store.Backend == store.BackendRedis {
		s.Store.RedisAddr = c.Store.Redis.Addr
	}
	s.Store.CallTimeout = c.Store.CallTimeout.String()
	s.Store.MaxKeys = c.Store.MaxKeys

	s.RateLimit.FailClosed = c.RateLimit.FailClosed
	s.RateLimit.SkipPaths = c.RateLimit.SkipPaths
	if len(c.RateLimit.TierRules) != 0 {
		s.RateLimit.Tiers = make(map[string]ruleSummary, len(c.RateLimit.TierRules))
		for tier, rule := range c.RateLimit.TierRules {
			s.RateLimit.Tiers[string(tier)] = ruleSummary{Limit: rule.Limit, Window: rule.Window.String()}
		}
	}
	if len(c.RateLimit.EndpointRules) != 0 {
		s.RateLimit.Endpoints = make(map[string]ruleSummary, len(c.RateLimit.EndpointRules))
		for path, rule := range c.RateLimit.EndpointRules {
			s.RateLimit.Endpoints[path] = ruleSummary{Limit: rule.Limit, Window: rule.Window.String()}
		}
	}

	s.Dedup.TTL = c.Dedup.TTL.String()
	s.Dedup.AutoDedup = c.Dedup.Policy.AutoDedup
	s.Dedup.IncludeBody = c.Dedup.Policy.IncludeBody

	s.Admission.MaxConcurrent = c.Admission.MaxConcurrent
	s.Admission.LoadThreshold = c.Admission.LoadThreshold
	s.Admission.MaxQueueSize = c.Admission.MaxQueueSize
	s.Admission.QueueTimeout = c.Admission.QueueTimeout.String()

	s.Tasks.BatchSize = c.Tasks.BatchSize
	s.Tasks.BatchWindow = c.Tasks.BatchWindow.String()
	s.Tasks.MaxWorkers = c.Tasks.MaxWorkers
	s.Tasks.MaxAttempts = c.Tasks.MaxAttempts

	return s
}
