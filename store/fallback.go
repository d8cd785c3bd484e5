/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/acronis/go-admitkit/log"
)

// Default values of FallbackStore options.
const (
	DefaultBreakerFailures    = 5
	DefaultBreakerTimeout     = 10 * time.Second
	DefaultDegradeLogInterval = 10 * time.Second
)

// Operation names used in logs and metrics.
const (
	OpGet          = "get"
	OpSet          = "set"
	OpExists       = "exists"
	OpDelete       = "delete"
	OpWindowInsert = "window_insert"
	OpWindowCount  = "window_count"
)

// FallbackStore serves every call from the primary store and, if the primary fails,
// serves the same call from the fallback store. Primary errors never reach the caller.
// After BreakerFailures consecutive failures the primary is skipped for BreakerTimeout.
// A call whose context is done is not a primary failure: it returns the context error
// and neither trips the breaker nor falls back.
type FallbackStore struct {
	primary  Store
	fallback Store
	breaker  *gobreaker.CircuitBreaker[struct{}]
	logger   log.FieldLogger
	metrics  MetricsCollector
	degrade  *rate.Sometimes
	degraded atomic.Int64
}

var _ Store = (*FallbackStore)(nil)

// FallbackStoreOpts represents options for FallbackStore.
type FallbackStoreOpts struct {
	BreakerFailures    uint32
	BreakerTimeout     time.Duration
	DegradeLogInterval time.Duration
	Logger             log.FieldLogger
	MetricsCollector   MetricsCollector
}

// NewFallbackStore creates a new FallbackStore.
func NewFallbackStore(primary, fallback Store, opts FallbackStoreOpts) *FallbackStore {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultBreakerFailures
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = DefaultBreakerTimeout
	}
	if opts.DegradeLogInterval == 0 {
		opts.DegradeLogInterval = DefaultDegradeLogInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	fs := &FallbackStore{
		primary:  primary,
		fallback: fallback,
		logger:   opts.Logger,
		metrics:  opts.MetricsCollector,
		degrade:  &rate.Sometimes{Interval: opts.DegradeLogInterval},
	}
	fs.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "store-primary",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, errCallerDone) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fs.logger.Warn("store circuit breaker state changed",
				log.String("breaker", name), log.String("from", from.String()), log.String("to", to.String()))
			fs.metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	})
	return fs
}

// Degraded returns the number of calls served by the fallback store so far.
func (fs *FallbackStore) Degraded() int64 {
	return fs.degraded.Load()
}

// PrimaryAvailable reports whether calls currently go to the primary store.
// It is false while the circuit breaker is open.
func (fs *FallbackStore) PrimaryAvailable() bool {
	return fs.breaker.State() != gobreaker.StateOpen
}

// Get implements Store.
func (fs *FallbackStore) Get(ctx context.Context, key string) (val []byte, err error) {
	err = fs.callPrimary(ctx, OpGet, key, func(ctx context.Context) (pErr error) {
		val, pErr = fs.primary.Get(ctx, key)
		return pErr
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		return val, err
	}
	return fs.fallback.Get(ctx, key)
}

// Set implements Store.
func (fs *FallbackStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := fs.callPrimary(ctx, OpSet, key, func(ctx context.Context) error {
		return fs.primary.Set(ctx, key, value, ttl)
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fs.fallback.Set(ctx, key, value, ttl)
}

// Exists implements Store.
func (fs *FallbackStore) Exists(ctx context.Context, key string) (exists bool, err error) {
	err = fs.callPrimary(ctx, OpExists, key, func(ctx context.Context) (pErr error) {
		exists, pErr = fs.primary.Exists(ctx, key)
		return pErr
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		return exists, err
	}
	return fs.fallback.Exists(ctx, key)
}

// Delete implements Store. The key is removed from the fallback store as well.
func (fs *FallbackStore) Delete(ctx context.Context, key string) error {
	err := fs.callPrimary(ctx, OpDelete, key, func(ctx context.Context) error {
		return fs.primary.Delete(ctx, key)
	})
	fbErr := fs.fallback.Delete(ctx, key)
	if !errors.Is(err, ErrStoreUnavailable) && err != nil {
		return err
	}
	return fbErr
}

// AtomicWindowInsert implements Store.
func (fs *FallbackStore) AtomicWindowInsert(
	ctx context.Context, key string, now time.Time, window time.Duration, limit int,
) (state WindowState, err error) {
	err = fs.callPrimary(ctx, OpWindowInsert, key, func(ctx context.Context) (pErr error) {
		state, pErr = fs.primary.AtomicWindowInsert(ctx, key, now, window, limit)
		return pErr
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		return state, err
	}
	state, err = fs.fallback.AtomicWindowInsert(ctx, key, now, window, limit)
	state.Local = true
	return state, err
}

// WindowCount implements Store.
func (fs *FallbackStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (state WindowState, err error) {
	err = fs.callPrimary(ctx, OpWindowCount, key, func(ctx context.Context) (pErr error) {
		state, pErr = fs.primary.WindowCount(ctx, key, now, window)
		return pErr
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		return state, err
	}
	state, err = fs.fallback.WindowCount(ctx, key, now, window)
	state.Local = true
	return state, err
}

// errCallerDone marks primary errors caused by the caller's context being canceled or expired.
var errCallerDone = errors.New("caller context is done")

// callPrimary runs fn through the breaker. ErrNotFound and errors of a done ctx pass through,
// any other error is reported as degradation and returned wrapped in ErrStoreUnavailable.
func (fs *FallbackStore) callPrimary(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := fs.breaker.Execute(func() (struct{}, error) {
		fnErr := fn(ctx)
		if fnErr != nil && ctx.Err() != nil {
			return struct{}{}, fmt.Errorf("%w: %w", errCallerDone, fnErr)
		}
		return struct{}{}, fnErr
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, errCallerDone) {
		return ctx.Err()
	}
	err = fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	fs.degraded.Inc()
	fs.metrics.IncFallbacks(op)
	fs.degrade.Do(func() {
		fs.logger.Warn("primary store unavailable, serving from in-process store",
			log.String("op", op), log.String("key", key), log.Error(err))
	})
	return err
}
