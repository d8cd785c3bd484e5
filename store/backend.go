/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/retry"
)

// Ping retry parameters used by Open.
const (
	pingRetryInterval    = 500 * time.Millisecond
	pingRetryMaxAttempts = 3
)

// Stack is the store assembled from configuration.
type Stack struct {
	// Store is what the limiter and the deduplication cache use.
	Store Store
	// Memory is the in-process store. It is the only store for the memory backend
	// and the fallback for the redis backend.
	Memory *MemoryStore

	client redis.UniversalClient
}

// Open assembles the store described by cfg. For the redis backend it pings Redis first;
// an unreachable Redis is logged and the service starts degraded instead of failing.
func Open(ctx context.Context, cfg *Config, logger log.FieldLogger, metrics MetricsCollector) (*Stack, error) {
	if metrics == nil {
		metrics = disabledMetrics{}
	}
	memory, err := NewMemoryStore(MemoryStoreOpts{MaxKeys: cfg.MaxKeys, MetricsCollector: metrics.MemoryCache()})
	if err != nil {
		return nil, fmt.Errorf("create in-process store: %w", err)
	}
	if cfg.Backend != BackendRedis {
		return &Stack{Store: memory, Memory: memory}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisStore, err := NewRedisStore(client, RedisStoreOpts{CallTimeout: cfg.CallTimeout})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if pingErr := redisStore.Ping(ctx, retry.NewConstantBackoffPolicy(pingRetryInterval, pingRetryMaxAttempts)); pingErr != nil {
		logger.Warn("redis is unreachable, starting with in-process store fallback",
			log.String("addr", cfg.Redis.Addr), log.Error(pingErr))
	}
	fallback := NewFallbackStore(redisStore, memory, FallbackStoreOpts{
		BreakerFailures:  uint32(cfg.Breaker.Failures), //nolint:gosec // validated to be positive
		BreakerTimeout:   cfg.Breaker.Timeout,
		Logger:           logger,
		MetricsCollector: metrics,
	})
	return &Stack{Store: fallback, Memory: memory, client: client}, nil
}

// Close releases the Redis connection if any.
func (s *Stack) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Degraded reports whether the shared store is configured but currently bypassed in favor of the in-process one.
func (s *Stack) Degraded() bool {
	fs, ok := s.Store.(*FallbackStore)
	return ok && !fs.PrimaryAvailable()
}
