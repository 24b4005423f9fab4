package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerState mirrors the gobreaker states
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker guards a remote dependency with a circuit breaker
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// BreakerConfig tunes when the breaker trips and how it recovers
type BreakerConfig struct {
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
	Interval            time.Duration
	Timeout             time.Duration
	MaxRequests         uint32
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes after 30s
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		MinRequests:         20,
		FailureRatio:        0.5,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// NewBreaker creates a named breaker
func NewBreaker(name string, config BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Breaker{name: name, logger: logger}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= config.ConsecutiveFailures {
				return true
			}
			if counts.Requests < config.MinRequests || counts.Requests == 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		// Context cancellation is the caller giving up, not the dependency failing
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", stateOf(from),
				"to", stateOf(to),
			)
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn through the breaker
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return &BreakerError{Name: b.name, State: string(BreakerOpen), Err: ErrBreakerOpen}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return &BreakerError{Name: b.name, State: string(BreakerHalfOpen), Err: ErrBreakerHalfOpenLimit}
	}
	return err
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	return stateOf(b.cb.State())
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

func stateOf(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
