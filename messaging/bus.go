package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/inbox"
	"github.com/glimte/cogbus/interceptors"
	"github.com/glimte/cogbus/internal/reliability"
	"github.com/glimte/cogbus/serialization"
)

const (
	defaultWorkers        = 8
	defaultPrefetch       = 256
	defaultHandlerTimeout = 30 * time.Second
	defaultAckTimeout     = 5 * time.Second
)

var (
	ErrBrokerRequired        = errors.New("messaging: broker is required")
	ErrHandlerRequired       = errors.New("messaging: handler is required")
	ErrConsumerIDRequired    = errors.New("messaging: consumer id is required")
	ErrDuplicateSubscription = errors.New("messaging: consumer id already subscribed")
)

// EventHandler handles one event and acknowledges the outcome. A Nack, a
// panic or a result after the handler deadline counts as a failed attempt.
type EventHandler = interceptors.Handler

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc = interceptors.HandlerFunc

// HandleFunc adapts an error-returning function: nil acknowledges
func HandleFunc(fn func(ctx context.Context, env contracts.Envelope) error) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, env contracts.Envelope) contracts.Acknowledgment {
		return contracts.AckFromError(fn(ctx, env))
	})
}

// Backoff computes the wait before the attempt following the given one
type Backoff interface {
	NextDelay(attempt int) time.Duration
}

// Bus publishes envelopes to the broker and runs durable subscriptions.
// Every subscription gets its own cursor, lanes and worker pool.
type Bus struct {
	broker      Broker
	codec       serialization.Codec
	inbox       inbox.Store
	deadLetters deadletter.Store
	chain       *interceptors.InterceptorChain
	logger      *slog.Logger
	provider    metric.MeterProvider
	metrics     busMetrics
	defaults    subscribeConfig

	mu   sync.Mutex
	subs map[string]*Subscription
}

// BusOption configures the Bus
type BusOption func(*Bus)

// WithCodec sets the codec used for publishing. Deliveries are decoded by
// their content type.
func WithCodec(codec serialization.Codec) BusOption {
	return func(b *Bus) {
		if codec != nil {
			b.codec = codec
		}
	}
}

// WithInbox sets the idempotency ledger
func WithInbox(store inbox.Store) BusOption {
	return func(b *Bus) {
		if store != nil {
			b.inbox = store
		}
	}
}

// WithDeadLetters sets where poison messages are kept
func WithDeadLetters(store deadletter.Store) BusOption {
	return func(b *Bus) {
		if store != nil {
			b.deadLetters = store
		}
	}
}

// WithInterceptors appends interceptors wrapped around every event handler
func WithInterceptors(in ...interceptors.Interceptor) BusOption {
	return func(b *Bus) {
		b.chain.Add(in...)
	}
}

// WithBusLogger sets the logger
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBusMeterProvider overrides the global meter provider
func WithBusMeterProvider(provider metric.MeterProvider) BusOption {
	return func(b *Bus) {
		b.provider = provider
	}
}

// WithSubscriptionDefaults applies subscribe options to every subscription
func WithSubscriptionDefaults(opts ...SubscribeOption) BusOption {
	return func(b *Bus) {
		for _, opt := range opts {
			opt(&b.defaults)
		}
	}
}

// NewBus creates a bus on top of broker. Without options it uses the JSON
// codec and in-memory inbox and dead-letter stores.
func NewBus(broker Broker, opts ...BusOption) (*Bus, error) {
	if broker == nil {
		return nil, ErrBrokerRequired
	}

	b := &Bus{
		broker:      broker,
		codec:       serialization.NewJSONCodec(),
		inbox:       inbox.NewMemoryStore(),
		deadLetters: deadletter.NewMemoryStore(),
		chain:       interceptors.NewInterceptorChain(nil),
		logger:      slog.Default(),
		defaults:    defaultSubscribeConfig(),
		subs:        make(map[string]*Subscription),
	}

	for _, opt := range opts {
		opt(b)
	}

	metrics, err := newBusMetrics(b.provider)
	if err != nil {
		return nil, fmt.Errorf("init bus metrics: %w", err)
	}
	b.metrics = metrics

	return b, nil
}

// Broker returns the underlying broker
func (b *Bus) Broker() Broker {
	return b.broker
}

// DeadLetters returns the dead-letter store
func (b *Bus) DeadLetters() deadletter.Store {
	return b.deadLetters
}

// Publish encodes env and hands it to the broker with topic = type and
// key = partition key. It implements the outbox relay's publisher.
func (b *Bus) Publish(ctx context.Context, env contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}

	body, err := b.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}

	headers := make(map[string]string, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}

	msg := Message{
		ID:           env.ID.String(),
		Topic:        env.Type,
		PartitionKey: env.PartitionKey,
		Headers:      headers,
		Body:         body,
		ContentType:  b.codec.ContentType(),
	}

	if err := b.broker.Publish(ctx, msg); err != nil {
		var te *contracts.TransportError
		if errors.As(err, &te) {
			return err
		}
		return contracts.NewTransportError("publish", env.Type, err)
	}
	return nil
}

// Subscribe starts a durable subscription for consumerID on the topics
// matching pattern. Messages are processed in order per partition key.
func (b *Bus) Subscribe(ctx context.Context, pattern, consumerID string, handler EventHandler, opts ...SubscribeOption) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if consumerID == "" {
		return nil, ErrConsumerIDRequired
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	cfg := b.defaults
	cfg.interceptors = append([]interceptors.Interceptor(nil), b.defaults.interceptors...)
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()

	b.mu.Lock()
	if _, exists := b.subs[consumerID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, consumerID)
	}
	sub := newSubscription(b, pattern, consumerID, handler, cfg)
	b.subs[consumerID] = sub
	b.mu.Unlock()

	consumption, err := b.broker.Consume(ctx, ConsumeRequest{
		ConsumerID:   consumerID,
		TopicPattern: pattern,
		StartCursor:  cfg.startCursor,
		Prefetch:     cfg.prefetch,
	}, sub.onDelivery)
	if err != nil {
		b.forget(consumerID)
		sub.stopWorkers()
		return nil, contracts.NewTransportError("consume", pattern, err)
	}
	sub.setConsumption(consumption)

	b.logger.Info("subscribed",
		"consumerId", consumerID,
		"pattern", pattern,
		"workers", cfg.workers,
		"maxAttempts", cfg.maxAttempts,
	)
	return sub, nil
}

// Subscription returns the live subscription of a consumer id
func (b *Bus) Subscription(consumerID string) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[consumerID]
	return sub, ok
}

func (b *Bus) forget(consumerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, consumerID)
}

// SubscribeOption configures one subscription
type SubscribeOption func(*subscribeConfig)

// RetryNotifyFunc is called every time a failed delivery is rescheduled
type RetryNotifyFunc func(env contracts.Envelope, attempt int, delay time.Duration, err error)

type subscribeConfig struct {
	workers        int
	prefetch       int
	maxAttempts    int
	handlerTimeout time.Duration
	backoff        Backoff
	startCursor    Cursor
	retryNotify    RetryNotifyFunc
	interceptors   []interceptors.Interceptor
}

func defaultSubscribeConfig() subscribeConfig {
	return subscribeConfig{
		workers:        defaultWorkers,
		prefetch:       defaultPrefetch,
		maxAttempts:    reliability.DefaultConsumerAttempts,
		handlerTimeout: defaultHandlerTimeout,
		backoff:        reliability.ConsumerPolicy(),
	}
}

func (c *subscribeConfig) normalize() {
	d := defaultSubscribeConfig()
	if c.workers <= 0 {
		c.workers = d.workers
	}
	if c.prefetch <= 0 {
		c.prefetch = d.prefetch
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = d.maxAttempts
	}
	if c.handlerTimeout <= 0 {
		c.handlerTimeout = d.handlerTimeout
	}
	if c.backoff == nil {
		c.backoff = d.backoff
	}
}

// WithWorkers bounds how many partitions are processed concurrently
func WithWorkers(n int) SubscribeOption {
	return func(c *subscribeConfig) { c.workers = n }
}

// WithPrefetch bounds unacknowledged deliveries held by the subscription
func WithPrefetch(n int) SubscribeOption {
	return func(c *subscribeConfig) { c.prefetch = n }
}

// WithMaxAttempts sets the handler attempts before a message is dead-lettered
func WithMaxAttempts(n int) SubscribeOption {
	return func(c *subscribeConfig) { c.maxAttempts = n }
}

// WithHandlerTimeout sets the per-message handler deadline. The deadline
// reaches the handler through its context; a result returned after it
// counts as a failed attempt. A handler that ignores its context keeps its
// worker and its partition until it returns.
func WithHandlerTimeout(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) { c.handlerTimeout = d }
}

// WithBackoff sets the delay schedule between handler attempts
func WithBackoff(b Backoff) SubscribeOption {
	return func(c *subscribeConfig) { c.backoff = b }
}

// WithStartCursor positions a consumer group the broker has not seen yet
func WithStartCursor(cursor Cursor) SubscribeOption {
	return func(c *subscribeConfig) { c.startCursor = cursor }
}

// WithRetryNotify observes every rescheduled failure
func WithRetryNotify(fn RetryNotifyFunc) SubscribeOption {
	return func(c *subscribeConfig) { c.retryNotify = fn }
}

// WithHandlerInterceptors wraps this subscription's handler inside the bus
// interceptors
func WithHandlerInterceptors(in ...interceptors.Interceptor) SubscribeOption {
	return func(c *subscribeConfig) {
		c.interceptors = append(c.interceptors, in...)
	}
}
