package orchestrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
)

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestRetryPolicy_ApplyDefaults(t *testing.T) {
	p := RetryPolicy{}
	p.ApplyDefaults()

	assert.Equal(t, defaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, defaultInitialBackoff, p.InitialBackoff)
	assert.Equal(t, defaultMaxBackoff, p.MaxBackoff)
	assert.Equal(t, defaultMultiplier, p.Multiplier)

	p = RetryPolicy{MaxAttempts: 5, InitialBackoff: 2 * time.Second, MaxBackoff: time.Minute, Multiplier: 3.0}
	p.ApplyDefaults()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.InitialBackoff)
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: config.Duration(100 * time.Millisecond),
		MaxBackoff:     config.Duration(2 * time.Second),
		Multiplier:     1.5,
	})

	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 2*time.Second, p.MaxBackoff)
	assert.Equal(t, 1.5, p.Multiplier)

	p = PolicyFromConfig(config.RetryConfig{})
	assert.Equal(t, defaultMaxAttempts, p.MaxAttempts)
}

func TestRetryPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("success on first attempt", func(t *testing.T) {
		calls := 0
		err := fastPolicy(3).Do(ctx, IsTransient, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		calls := 0
		err := fastPolicy(3).Do(ctx, IsTransient, func() error {
			calls++
			if calls < 3 {
				return markTransient(errors.New("flaky"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error returns immediately", func(t *testing.T) {
		calls := 0
		permanent := errors.New("unauthorized")
		err := fastPolicy(3).Do(ctx, IsTransient, func() error {
			calls++
			return permanent
		})
		require.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhaustion wraps last error", func(t *testing.T) {
		calls := 0
		err := fastPolicy(2).Do(ctx, IsTransient, func() error {
			calls++
			return markTransient(errors.New("still down"))
		})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.Contains(t, err.Error(), "retries exhausted after 2 attempts")
		assert.Contains(t, err.Error(), "still down")
	})

	t.Run("canceled context stops retries", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2.0}
		err := policy.Do(cctx, IsTransient, func() error {
			calls++
			cancel()
			return markTransient(errors.New("flaky"))
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsTransient(markTransient(errors.New("flaky"))))

	wrapped := errors.Join(errors.New("outer"), markTransient(errors.New("inner")))
	assert.True(t, IsTransient(wrapped))
}
