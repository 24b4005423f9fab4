package cogbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/cogbus/internal/reliability"
)

// Config holds every tunable of a client with its documented default
type Config struct {
	// PublishAttempts bounds relay publishes before a record is marked failed
	PublishAttempts int
	// ConsumerAttempts bounds handler invocations before dead-lettering
	ConsumerAttempts int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	// HandlerTimeout is the deadline of one handler invocation
	HandlerTimeout time.Duration
	// Workers bounds concurrent handlers of one subscription
	Workers  int
	Prefetch int

	RelayPollInterval time.Duration
	RelayBatchSize    int
	RelayLease        time.Duration
	RelayLanes        int

	// GracePeriod bounds the drain of Shutdown
	GracePeriod time.Duration
	// AckTimeout is how long the in-process broker waits before redelivering
	AckTimeout time.Duration
	// BacklogThreshold marks the outbox degraded in health reports
	BacklogThreshold int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		PublishAttempts:   reliability.DefaultPublishAttempts,
		ConsumerAttempts:  reliability.DefaultConsumerAttempts,
		BackoffBase:       reliability.DefaultBaseDelay,
		BackoffCap:        reliability.DefaultMaxDelay,
		HandlerTimeout:    30 * time.Second,
		Workers:           16,
		Prefetch:          64,
		RelayPollInterval: time.Second,
		RelayBatchSize:    100,
		RelayLease:        30 * time.Second,
		RelayLanes:        8,
		GracePeriod:       15 * time.Second,
		AckTimeout:        2 * time.Minute,
		BacklogThreshold:  1000,
	}
}

// Validate reports every invalid field
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDuration := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("PublishAttempts", c.PublishAttempts)
	positive("ConsumerAttempts", c.ConsumerAttempts)
	positive("Workers", c.Workers)
	positive("Prefetch", c.Prefetch)
	positive("RelayBatchSize", c.RelayBatchSize)
	positive("RelayLanes", c.RelayLanes)
	positive("BacklogThreshold", c.BacklogThreshold)
	positiveDuration("BackoffBase", c.BackoffBase)
	positiveDuration("BackoffCap", c.BackoffCap)
	positiveDuration("HandlerTimeout", c.HandlerTimeout)
	positiveDuration("RelayPollInterval", c.RelayPollInterval)
	positiveDuration("RelayLease", c.RelayLease)
	positiveDuration("GracePeriod", c.GracePeriod)
	positiveDuration("AckTimeout", c.AckTimeout)

	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, fmt.Errorf("BackoffCap %s is below BackoffBase %s", c.BackoffCap, c.BackoffBase))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) publishBackoff() *reliability.ExponentialBackoff {
	return reliability.NewExponentialBackoff(c.BackoffBase, c.BackoffCap, 2.0, c.PublishAttempts)
}

func (c Config) consumerBackoff() *reliability.ExponentialBackoff {
	return reliability.NewExponentialBackoff(c.BackoffBase, c.BackoffCap, 2.0, c.ConsumerAttempts)
}
