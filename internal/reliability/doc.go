// Package reliability provides the retry and circuit breaking primitives shared
// by the outbox relay, the consumer pipeline and the supervisor.
//
// This package implements:
//   - ExponentialBackoff: jittered exponential delays (500ms base, 30s cap by default)
//   - Retry / RetryNotify: bounded retry honouring IsRetryable classification
//   - Breaker: a gobreaker-backed circuit breaker for broker publishes
//
// Example usage:
//
//	policy := reliability.PublishPolicy()
//	err := reliability.Retry(ctx, policy, func() error {
//	    return broker.Publish(ctx, msg)
//	})
package reliability
