package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker(t *testing.T) {
	config := BreakerConfig{
		ConsecutiveFailures: 3,
		MinRequests:         100,
		FailureRatio:        1,
		Interval:            time.Minute,
		Timeout:             50 * time.Millisecond,
		MaxRequests:         1,
	}

	t.Run("trips after consecutive failures and recovers", func(t *testing.T) {
		b := NewBreaker("broker", config, nil)
		failing := func(context.Context) error { return errors.New("nack") }

		for i := 0; i < 3; i++ {
			assert.Error(t, b.Execute(context.Background(), failing))
		}
		assert.Equal(t, BreakerOpen, b.State())

		err := b.Execute(context.Background(), func(context.Context) error {
			t.Fatal("must not be called while open")
			return nil
		})
		assert.ErrorIs(t, err, ErrBreakerOpen)
		assert.True(t, IsRetryable(err))

		time.Sleep(70 * time.Millisecond)
		assert.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("cancellation does not count as failure", func(t *testing.T) {
		b := NewBreaker("broker", config, nil)
		for i := 0; i < 5; i++ {
			_ = b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
		}
		assert.Equal(t, BreakerClosed, b.State())
		assert.Equal(t, "broker", b.Name())
	})
}
