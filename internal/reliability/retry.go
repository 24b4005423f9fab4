package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultBaseDelay is the first retry delay
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps every retry delay
	DefaultMaxDelay = 30 * time.Second
	// DefaultPublishAttempts bounds outbox publish attempts
	DefaultPublishAttempts = 10
	// DefaultConsumerAttempts bounds handler attempts before dead-lettering
	DefaultConsumerAttempts = 5
)

// RetryPolicy defines the interface for retry policies.
// Attempts are counted from 1: attempt n is the n-th execution that failed.
type RetryPolicy interface {
	// ShouldRetry determines if another attempt is allowed after the given one failed
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of attempts
	MaxRetries() int
	// NextDelay calculates the delay before the attempt following the given one
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// PublishPolicy is the outbox relay default: 10 attempts, 500ms to 30s
func PublishPolicy() *ExponentialBackoff {
	return NewExponentialBackoff(DefaultBaseDelay, DefaultMaxDelay, 2.0, DefaultPublishAttempts)
}

// ConsumerPolicy is the subscriber default: 5 attempts, 500ms to 30s
func ConsumerPolicy() *ExponentialBackoff {
	return NewExponentialBackoff(DefaultBaseDelay, DefaultMaxDelay, 2.0, DefaultConsumerAttempts)
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.MaxAttempts > 0 && attempt >= e.MaxAttempts {
		return false, 0
	}

	if !IsRetryable(err) {
		return false, 0
	}

	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy. With jitter enabled the delay varies by
// ±15%, so consecutive delays still grow strictly until the cap.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt-1))

	// Cap at max interval
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// Retry executes fn until it succeeds, the policy gives up or ctx is done
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	return RetryNotify(ctx, policy, fn, nil)
}

// RetryNotify is Retry with a callback invoked before every wait
func RetryNotify(ctx context.Context, policy RetryPolicy, fn func() error, notify func(attempt int, delay time.Duration, err error)) error {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			if !IsRetryable(err) {
				return err
			}
			return &RetryError{
				Attempts:    attempt,
				MaxAttempts: policy.MaxRetries(),
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if notify != nil {
			notify(attempt, delay, err)
		}

		if err := SleepWithContext(ctx, delay); err != nil {
			return err
		}
	}
}

// SleepWithContext waits for d or until ctx is done
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable classifies an error. Errors are retryable unless something in
// their chain reports otherwise, and context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to indicate whether it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
