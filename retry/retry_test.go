/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffPolicy(t *testing.T) {
	t.Run("delays double and are capped", func(t *testing.T) {
		bf := NewExponentialBackoffPolicy(time.Second, 16*time.Second, 0).NewBackOff()
		var got []time.Duration
		for i := 0; i < 7; i++ {
			got = append(got, bf.NextBackOff())
		}
		require.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 16 * time.Second, 16 * time.Second,
		}, got)
	})

	t.Run("max attempts stops backoff", func(t *testing.T) {
		bf := NewExponentialBackoffPolicy(time.Millisecond, time.Second, 2).NewBackOff()
		require.Equal(t, time.Millisecond, bf.NextBackOff())
		require.Equal(t, 2*time.Millisecond, bf.NextBackOff())
		require.Equal(t, backoff.Stop, bf.NextBackOff())
	})

	t.Run("defaults for zero values", func(t *testing.T) {
		bf := ExponentialBackoffPolicy{}.NewBackOff()
		require.Equal(t, DefaultExponentialInitialInterval, bf.NextBackOff())
	})
}

func TestDoWithRetry(t *testing.T) {
	errTemporary := errors.New("temporary")
	errFatal := errors.New("fatal")

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 5), nil, nil,
			func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return errTemporary
				}
				return nil
			})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("non-retryable error stops immediately", func(t *testing.T) {
		calls := 0
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 5),
			func(err error) bool { return !errors.Is(err, errFatal) }, nil,
			func(ctx context.Context) error {
				calls++
				return errFatal
			})
		require.ErrorIs(t, err, errFatal)
		require.Equal(t, 1, calls)
	})

	t.Run("attempts are exhausted", func(t *testing.T) {
		calls := 0
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 2), nil, nil,
			func(ctx context.Context) error {
				calls++
				return errTemporary
			})
		require.ErrorIs(t, err, errTemporary)
		require.Equal(t, 3, calls)
	})
}
