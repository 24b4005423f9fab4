package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultConfirmTimeout = 5 * time.Second

// Publisher publishes with publisher confirms. A publish returns only once
// the broker acknowledged it; retrying is left to the caller.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: defaultConfirmTimeout,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and waits for the broker confirmation
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	fail := func(err error) error {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return fail(err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(cctx)
	if err != nil {
		// the channel may still deliver this confirmation later
		p.pool.Discard(ch)
		return fail(err)
	}
	p.pool.Put(ch)

	if !acked {
		return fail(ErrPublishNacked)
	}
	return nil
}
