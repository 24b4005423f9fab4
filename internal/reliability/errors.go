package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBreakerOpen is returned while the breaker rejects calls
	ErrBreakerOpen = errors.New("circuit breaker: circuit is open")
	// ErrBreakerHalfOpenLimit is returned when half-open probes are exhausted
	ErrBreakerHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
)

// RetryError represents a retry operation that gave up
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	op := e.Op
	if op == "" {
		op = "operation"
	}
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// IsRetryable reports false; the policy already gave up
func (e *RetryError) IsRetryable() bool {
	return false
}

// BreakerError carries the breaker name and state that rejected a call
type BreakerError struct {
	Name  string
	State string
	Err   error
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s: %v", e.Name, e.State, e.Err)
}

func (e *BreakerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports true; an open breaker recovers after its timeout
func (e *BreakerError) IsRetryable() bool {
	return true
}
