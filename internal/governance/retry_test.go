package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetryPolicy_CalculateBackoff(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2,
	}, nil)

	assert.Equal(t, 10*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 20*time.Millisecond, rp.CalculateBackoff(1))
	assert.Equal(t, 40*time.Millisecond, rp.CalculateBackoff(2))
	assert.Equal(t, 50*time.Millisecond, rp.CalculateBackoff(3), "capped at max backoff")
	assert.Equal(t, 50*time.Millisecond, rp.CalculateBackoff(60), "overflow falls back to max backoff")
}

func TestRetryPolicy_JitterStaysWithinQuarter(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries:     1,
		InitialBackoff: 40 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		Jitter:         true,
	}, nil)

	for i := 0; i < 50; i++ {
		d := rp.CalculateBackoff(0)
		assert.GreaterOrEqual(t, d, 40*time.Millisecond)
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	fast := RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		rp := NewRetryPolicy(fast, nil)
		calls := 0
		attempts, err := rp.Do(context.Background(), func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops when exhausted", func(t *testing.T) {
		rp := NewRetryPolicy(fast, nil)
		attempts, err := rp.Do(context.Background(), func(context.Context, int) error {
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, attempts)
	})

	t.Run("classifier vetoes retry", func(t *testing.T) {
		rp := NewRetryPolicy(fast, func(error) bool { return false })
		attempts, err := rp.Do(context.Background(), func(context.Context, int) error {
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, attempts)
	})

	t.Run("nil policy runs once", func(t *testing.T) {
		var rp *RetryPolicy
		attempts, err := rp.Do(context.Background(), func(context.Context, int) error {
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled context is never retried", func(t *testing.T) {
		rp := NewRetryPolicy(fast, nil)
		attempts, err := rp.Do(context.Background(), func(context.Context, int) error {
			return context.Canceled
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})
}
