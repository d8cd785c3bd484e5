/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package dedup implements the idempotent request deduplication cache: responses of mutating requests
// are recorded by a key derived from the request and replayed verbatim to repeated requests.
// The cache is best effort: concurrent identical requests may both execute.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/store"
)

// Default values of Cache options.
const (
	DefaultTTL          = 5 * time.Minute
	MaxTTL              = 24 * time.Hour
	DefaultWriteTimeout = 500 * time.Millisecond
)

// ErrNotCacheable is returned by Cache.Store for non-2xx responses.
var ErrNotCacheable = errors.New("only 2xx responses are cached")

// Response is a recorded response.
type Response struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"headers"`
	Body      []byte      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Cacheable reports whether the response status is 2xx.
func (r *Response) Cacheable() bool {
	return r.Status >= 200 && r.Status < 300
}

// Cache stores recorded responses in a store.Store.
type Cache struct {
	store        store.Store
	logger       log.FieldLogger
	metrics      MetricsCollector
	ttl          time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// CacheOpts represents options for Cache.
type CacheOpts struct {
	// TTL is the default lifetime of a recorded response, at most MaxTTL.
	TTL time.Duration
	// WriteTimeout bounds StoreDetached writes.
	WriteTimeout     time.Duration
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
	Now              func() time.Time
}

// NewCache creates a new Cache.
func NewCache(s store.Store, opts CacheOpts) (*Cache, error) {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TTL < 0 || opts.TTL > MaxTTL {
		return nil, fmt.Errorf("ttl should be in (0, %s], got %s", MaxTTL, opts.TTL)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:        s,
		logger:       opts.Logger,
		metrics:      opts.MetricsCollector,
		ttl:          opts.TTL,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
	}, nil
}

// Lookup returns the response recorded by the key. Store errors and corrupted records are treated as misses.
func (c *Cache) Lookup(ctx context.Context, key string) (*Response, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("deduplication lookup failed", log.String("key", key), log.Error(err))
			c.count(EventError)
		}
		c.count(EventMiss)
		return nil, false
	}
	var resp Response
	if err = json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("corrupted deduplication record", log.String("key", key), log.Error(err))
		c.count(EventError)
		c.count(EventMiss)
		return nil, false
	}
	c.count(EventHit)
	return &resp, true
}

// Store records the response by the key. Zero ttl means the default TTL, larger than MaxTTL is clamped.
func (c *Cache) Store(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	if !resp.Cacheable() {
		return ErrNotCacheable
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	ttl = min(ttl, MaxTTL)
	rec := *resp
	rec.CreatedAt = c.now()
	rec.ExpiresAt = rec.CreatedAt.Add(ttl)
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal deduplication record: %w", err)
	}
	if err = c.store.Set(ctx, key, data, ttl); err != nil {
		c.count(EventError)
		return fmt.Errorf("store deduplication record: %w", err)
	}
	c.count(EventStored)
	return nil
}

// StoreDetached records the response with a context detached from ctx cancellation
// and bounded by the write timeout. Failures are logged, not returned.
func (c *Cache) StoreDetached(ctx context.Context, key string, resp *Response) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()
	if err := c.Store(writeCtx, key, resp, 0); err != nil && !errors.Is(err, ErrNotCacheable) {
		c.logger.Warn("failed to record response for deduplication", log.String("key", key), log.Error(err))
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Skipped counts a request that was not eligible for deduplication.
func (c *Cache) Skipped() {
	c.count(EventSkipped)
}

func (c *Cache) count(event string) {
	c.statsMu.Lock()
	switch event {
	case EventHit:
		c.stats.Hits++
	case EventMiss:
		c.stats.Misses++
	case EventStored:
		c.stats.Stored++
	case EventError:
		c.stats.StoreErrors++
	case EventSkipped:
		c.stats.Skipped++
	}
	c.statsMu.Unlock()
	c.metrics.IncEvents(event)
}

// Stats is a snapshot of cache counters since start.
type Stats struct {
	Hits        int64
	Misses      int64
	Stored      int64
	StoreErrors int64
	Skipped     int64
}

// HitRate returns the share of hits among lookups in percent.
func (s Stats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses) * 100
}
