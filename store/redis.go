/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/spf13/cast"

	"github.com/acronis/go-admitkit/retry"
)

// DefaultRedisCallTimeout is the default upper bound of a single Redis round trip.
const DefaultRedisCallTimeout = 250 * time.Millisecond

// MaxRedisCallTimeout bounds the time a request may spend waiting for Redis.
const MaxRedisCallTimeout = 500 * time.Millisecond

// Window events are stored in a sorted set scored by microseconds since epoch.
// Cutoff and scores are computed by the caller because Lua numbers lose precision when formatted.
//
// KEYS[1] - window key
// ARGV[1] - score of the new event
// ARGV[2] - cutoff score, events with score <= cutoff are removed
// ARGV[3] - limit (<= 0 means no limit, < 0 means do not insert at all)
// ARGV[4] - unique member of the new event
// ARGV[5] - key TTL in milliseconds
const windowInsertLua = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local limit = tonumber(ARGV[3])
local inserted = 0
if limit == 0 or (limit > 0 and count < limit) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
	inserted = 1
end
if inserted == 1 or count > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #oldest == 0 then
	return {count, inserted, '-1'}
end
return {count, inserted, oldest[2]}
`

var windowInsertScript = redis.NewScript(windowInsertLua)

// RedisStore is a Store backed by Redis. Every call is bounded by CallTimeout.
type RedisStore struct {
	client      redis.UniversalClient
	callTimeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisStoreOpts represents options for RedisStore.
type RedisStoreOpts struct {
	CallTimeout time.Duration
}

// NewRedisStore creates a new RedisStore over the given client.
func NewRedisStore(client redis.UniversalClient, opts RedisStoreOpts) (*RedisStore, error) {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultRedisCallTimeout
	}
	if opts.CallTimeout < 0 || opts.CallTimeout > MaxRedisCallTimeout {
		return nil, fmt.Errorf("call timeout should be in (0, %s], got %s", MaxRedisCallTimeout, opts.CallTimeout)
	}
	return &RedisStore{client: client, callTimeout: opts.CallTimeout}, nil
}

// Ping checks connectivity, retrying according to the policy until ctx is done.
func (rs *RedisStore) Ping(ctx context.Context, policy retry.Policy) error {
	return retry.DoWithRetry(ctx, policy, nil, nil, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, rs.callTimeout)
		defer cancel()
		return rs.client.Ping(callCtx).Err()
	})
}

// Get returns the value stored by the key or ErrNotFound.
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.callTimeout)
	defer cancel()
	val, err := rs.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Set stores the value by the key.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, rs.callTimeout)
	defer cancel()
	if err := rs.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Exists reports whether the key is present.
func (rs *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.callTimeout)
	defer cancel()
	n, err := rs.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Delete removes the key.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, rs.callTimeout)
	defer cancel()
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// AtomicWindowInsert implements Store with a single Lua script round trip.
func (rs *RedisStore) AtomicWindowInsert(
	ctx context.Context, key string, now time.Time, window time.Duration, limit int,
) (WindowState, error) {
	if limit < 0 {
		limit = 0
	}
	return rs.runWindowScript(ctx, key, now, window, limit)
}

// WindowCount implements Store.
func (rs *RedisStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (WindowState, error) {
	return rs.runWindowScript(ctx, key, now, window, -1)
}

func (rs *RedisStore) runWindowScript(
	ctx context.Context, key string, now time.Time, window time.Duration, limit int,
) (WindowState, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.callTimeout)
	defer cancel()

	score := now.UnixMicro()
	cutoff := now.Add(-window).UnixMicro()
	ttlMs := window.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}
	member := strconv.FormatInt(score, 10) + "-" + xid.New().String()

	res, err := windowInsertScript.Run(ctx, rs.client, []string{key},
		score, cutoff, limit, member, ttlMs).Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("redis window script: %w", err)
	}
	return parseWindowScriptResult(res)
}

func parseWindowScriptResult(res []interface{}) (WindowState, error) {
	if len(res) != 3 {
		return WindowState{}, fmt.Errorf("unexpected window script result length %d", len(res))
	}
	count, err := cast.ToIntE(res[0])
	if err != nil {
		return WindowState{}, fmt.Errorf("parse window count: %w", err)
	}
	inserted, err := cast.ToIntE(res[1])
	if err != nil {
		return WindowState{}, fmt.Errorf("parse window insert flag: %w", err)
	}
	oldestScore, err := cast.ToFloat64E(res[2])
	if err != nil {
		return WindowState{}, fmt.Errorf("parse window oldest score: %w", err)
	}
	state := WindowState{Count: count, Inserted: inserted == 1}
	if oldestScore >= 0 {
		state.Oldest = time.UnixMicro(int64(oldestScore))
	}
	return state, nil
}
