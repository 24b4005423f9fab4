package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("defaults match the documented policies", func(t *testing.T) {
		publish := PublishPolicy()
		assert.Equal(t, 500*time.Millisecond, publish.InitialInterval)
		assert.Equal(t, 30*time.Second, publish.MaxInterval)
		assert.Equal(t, 10, publish.MaxRetries())
		assert.True(t, publish.Jitter)

		assert.Equal(t, 5, ConsumerPolicy().MaxRetries())
	})

	t.Run("NextDelay doubles until the cap", func(t *testing.T) {
		eb := NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 10)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 500 * time.Millisecond},
			{1, 500 * time.Millisecond},
			{2, time.Second},
			{3, 2 * time.Second},
			{4, 4 * time.Second},
			{7, 30 * time.Second},
			{20, 30 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within 15 percent and keeps delays increasing", func(t *testing.T) {
		eb := ConsumerPolicy()

		for i := 0; i < 200; i++ {
			prev := time.Duration(0)
			for attempt := 1; attempt < eb.MaxAttempts; attempt++ {
				d := eb.NextDelay(attempt)
				base := float64(500*time.Millisecond) * float64(int(1)<<(attempt-1))
				assert.GreaterOrEqual(t, float64(d), base*0.85-1)
				assert.LessOrEqual(t, float64(d), base*1.15+1)
				assert.Greater(t, d, prev)
				prev = d
			}
		}
	})

	t.Run("ShouldRetry stops at max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(10*time.Millisecond, time.Second, 2.0, 3)

		for attempt := 1; attempt < 3; attempt++ {
			ok, delay := eb.ShouldRetry(attempt, errors.New("boom"))
			assert.True(t, ok)
			assert.Greater(t, delay, time.Duration(0))
		}

		ok, delay := eb.ShouldRetry(3, errors.New("boom"))
		assert.False(t, ok)
		assert.Zero(t, delay)
	})

	t.Run("ShouldRetry refuses permanent errors", func(t *testing.T) {
		eb := NewExponentialBackoff(10*time.Millisecond, time.Second, 2.0, 3)
		ok, _ := eb.ShouldRetry(1, Permanent(errors.New("bad input")))
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	fast := func(max int) *ExponentialBackoff {
		eb := NewExponentialBackoff(time.Millisecond, 5*time.Millisecond, 2.0, max)
		eb.Jitter = false
		return eb
	}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int32
		var delays []time.Duration

		err := RetryNotify(context.Background(), fast(5), func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		}, func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		})

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls)
		assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
	})

	t.Run("gives up with a RetryError", func(t *testing.T) {
		cause := errors.New("still down")
		var calls int32

		err := Retry(context.Background(), fast(3), func() error {
			atomic.AddInt32(&calls, 1)
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, int32(3), calls)
		assert.False(t, IsRetryable(err))
	})

	t.Run("permanent errors return immediately", func(t *testing.T) {
		var calls int32
		cause := errors.New("invalid")

		err := Retry(context.Background(), fast(5), func() error {
			atomic.AddInt32(&calls, 1)
			return Permanent(cause)
		})

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		eb := NewExponentialBackoff(time.Hour, time.Hour, 2.0, 5)

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, eb, func() error { return errors.New("down") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.True(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.True(t, IsRetryable(&BreakerError{Err: ErrBreakerOpen}))
}

func TestSleepWithContext(t *testing.T) {
	assert.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepWithContext(ctx, time.Hour), context.Canceled)
}
