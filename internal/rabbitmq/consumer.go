package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler receives every delivery of a consumer. It runs on the
// consumer goroutine and must not block.
type DeliveryHandler func(amqp.Delivery)

// Consumer opens consumers on dedicated channels so that acknowledgments
// stay on the channel that received the delivery
type Consumer struct {
	manager *ConnectionManager
	logger  *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager: manager,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumeOptions describes one consumer
type ConsumeOptions struct {
	Queue    string
	Tag      string
	Prefetch int
}

// Subscription is a running consumer
type Subscription struct {
	queue  string
	tag    string
	ch     *amqp.Channel
	done   chan struct{}
	cancel sync.Once
	close  sync.Once
}

// Consume starts delivering the queue's messages to handler
func (c *Consumer) Consume(ctx context.Context, opts ConsumeOptions, handler DeliveryHandler) (*Subscription, error) {
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: opts.Queue, Op: op, Err: err, Timestamp: time.Now()}
	}

	if err := ctx.Err(); err != nil {
		return nil, fail("consume", err)
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, fail("consume", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fail("open channel", err)
	}

	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fail("set qos", err)
	}

	deliveries, err := ch.Consume(opts.Queue, opts.Tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fail("consume", err)
	}

	sub := &Subscription{
		queue: opts.Queue,
		tag:   opts.Tag,
		ch:    ch,
		done:  make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		for d := range deliveries {
			handler(d)
		}
		c.logger.Debug("delivery stream ended", "queue", opts.Queue, "consumerTag", opts.Tag)
	}()

	c.logger.Info("consuming queue",
		"queue", opts.Queue,
		"consumerTag", opts.Tag,
		"prefetch", opts.Prefetch,
	)
	return sub, nil
}

// Done is closed when the delivery stream ends, after Cancel or when the
// channel was closed by the broker
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops new deliveries. The channel stays open so outstanding
// deliveries can still be settled.
func (s *Subscription) Cancel() error {
	var err error
	s.cancel.Do(func() {
		if s.ch.IsClosed() {
			return
		}
		if cerr := s.ch.Cancel(s.tag, false); cerr != nil {
			err = &ConsumerError{Queue: s.queue, Op: "cancel", Err: cerr, Timestamp: time.Now()}
		}
	})
	return err
}

// Close closes the channel. Unsettled deliveries are requeued by the broker.
func (s *Subscription) Close() error {
	var err error
	s.close.Do(func() {
		if !s.ch.IsClosed() {
			err = s.ch.Close()
		}
	})
	return err
}
