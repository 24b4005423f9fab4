package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cogbus/internal/rabbitmq"
	"github.com/glimte/cogbus/messaging"
)

const (
	// DefaultExchange is the topic exchange every event is published to
	DefaultExchange = "cogbus.events"
	// QueuePrefix prefixes the durable queue of every consumer id
	QueuePrefix = "cogbus."

	partitionKeyHeader = "x-partition-key"
	lagTimeout         = 5 * time.Second
)

var ErrConsumerActive = errors.New("rabbitmq: consumer id already consuming")

type options struct {
	exchange       string
	poolSize       int
	reconnectDelay time.Duration
	maxReconnects  int
	confirmTimeout time.Duration
	quorum         bool
	logger         *slog.Logger
	connOpts       []rabbitmq.ConnectionOption
}

// Option configures the Broker
type Option func(*options)

// WithExchange overrides the topic exchange name
func WithExchange(name string) Option {
	return func(o *options) {
		if name != "" {
			o.exchange = name
		}
	}
}

// WithPoolSize bounds the publishing channels
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithReconnect sets the first reconnection delay and the attempt limit;
// zero attempts retries forever
func WithReconnect(delay time.Duration, maxAttempts int) Option {
	return func(o *options) {
		o.reconnectDelay = delay
		o.maxReconnects = maxAttempts
	}
}

// WithConfirmTimeout bounds the wait for publisher confirms
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *options) { o.confirmTimeout = d }
}

// WithQuorumQueues declares consumer queues as quorum queues
func WithQuorumQueues() Option {
	return func(o *options) { o.quorum = true }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// Broker implements messaging.Broker on RabbitMQ. Events go to one topic
// exchange routed by type; every consumer id owns a durable queue with a
// single active consumer, which keeps each partition in publish order.
type Broker struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.Topology
	logger    *slog.Logger

	mu        sync.Mutex
	consumers map[string]*consumption
	closed    bool
}

// NewBroker connects to url and declares the exchange
func NewBroker(ctx context.Context, url string, opts ...Option) (*Broker, error) {
	o := options{
		exchange: DefaultExchange,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithReconnectDelay(o.reconnectDelay),
		rabbitmq.WithMaxRetries(o.maxReconnects),
	}, o.connOpts...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	var poolOpts []rabbitmq.ChannelPoolOption
	if o.poolSize > 0 {
		poolOpts = append(poolOpts, rabbitmq.WithMaxSize(o.poolSize))
	}
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	b := &Broker{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, rabbitmq.WithConfirmTimeout(o.confirmTimeout)),
		consumer:  rabbitmq.NewConsumer(manager, rabbitmq.WithConsumerLogger(o.logger)),
		topology:  rabbitmq.NewTopology(pool, o.exchange, o.quorum),
		logger:    o.logger,
		consumers: make(map[string]*consumption),
	}

	if err := b.topology.DeclareExchange(ctx); err != nil {
		_ = pool.Close()
		_ = manager.Close()
		return nil, err
	}

	manager.AddStateListener(b)
	return b, nil
}

// Publish implements messaging.Broker. It returns once the broker confirmed
// the message.
func (b *Broker) Publish(ctx context.Context, msg messaging.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return messaging.ErrBrokerClosed
	}
	return b.publisher.Publish(ctx, b.topology.Exchange(), msg.Topic, toPublishing(msg, time.Now().UTC()))
}

// Consume implements messaging.Broker. The queue is bound to the topic
// pattern; a new queue only receives messages published after it exists.
func (b *Broker) Consume(ctx context.Context, req messaging.ConsumeRequest, deliver func(messaging.Delivery)) (messaging.Consumption, error) {
	if req.ConsumerID == "" {
		return nil, messaging.ErrConsumerIDRequired
	}
	if err := messaging.ValidatePattern(req.TopicPattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, messaging.ErrBrokerClosed
	}
	if _, active := b.consumers[req.ConsumerID]; active {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConsumerActive, req.ConsumerID)
	}
	c := &consumption{
		broker:  b,
		req:     req,
		queue:   QueuePrefix + req.ConsumerID,
		deliver: deliver,
	}
	b.consumers[req.ConsumerID] = c
	b.mu.Unlock()

	if err := c.start(ctx); err != nil {
		b.forget(c)
		return nil, err
	}
	return c, nil
}

func (b *Broker) forget(c *consumption) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumers[c.req.ConsumerID] == c {
		delete(b.consumers, c.req.ConsumerID)
	}
}

// Lag returns the number of ready messages in a consumer id's queue
func (b *Broker) Lag(consumerID string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lagTimeout)
	defer cancel()

	depth, err := b.topology.Depth(ctx, QueuePrefix+consumerID)
	if err != nil {
		return 0, fmt.Errorf("inspect queue of %s: %w", consumerID, err)
	}
	return depth, nil
}

// Ping implements messaging.Pinger
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.manager.IsConnected() {
		return rabbitmq.ErrConnectionNotReady
	}
	return nil
}

// Close cancels every consumer and closes the connection
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := make([]*consumption, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.consumers = make(map[string]*consumption)
	b.mu.Unlock()

	for _, c := range consumers {
		c.close()
	}

	return errors.Join(b.pool.Close(), b.manager.Close())
}

// OnConnected restores the topology and the consumers after a reconnect
func (b *Broker) OnConnected() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	consumers := make([]*consumption, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.topology.DeclareExchange(ctx); err != nil {
		b.logger.Error("failed to restore exchange", "exchange", b.topology.Exchange(), "error", err)
		return
	}
	for _, c := range consumers {
		if err := c.restart(ctx); err != nil {
			b.logger.Error("failed to restore consumer", "consumerId", c.req.ConsumerID, "error", err)
		}
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (b *Broker) OnDisconnected(err error) {
	b.logger.Warn("broker connection lost; unacknowledged deliveries will be redelivered", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (b *Broker) OnReconnecting(attempt int) {
	b.logger.Debug("reconnecting to broker", "attempt", attempt)
}

// consumption is one consumer id's consume loop. It survives reconnects
// until cancelled.
type consumption struct {
	broker  *Broker
	req     messaging.ConsumeRequest
	queue   string
	deliver func(messaging.Delivery)

	mu        sync.Mutex
	sub       *rabbitmq.Subscription
	cancelled bool
	pending   int
}

func (c *consumption) start(ctx context.Context) error {
	if err := c.broker.topology.DeclareConsumerQueue(ctx, c.queue, c.req.TopicPattern); err != nil {
		return err
	}

	sub, err := c.broker.consumer.Consume(ctx, rabbitmq.ConsumeOptions{
		Queue:    c.queue,
		Tag:      c.req.ConsumerID + "-" + uuid.NewString(),
		Prefetch: c.req.Prefetch,
	}, c.onDelivery)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sub = sub
	c.pending = 0
	c.mu.Unlock()
	return nil
}

func (c *consumption) restart(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return nil
	}
	old := c.sub
	c.mu.Unlock()

	if old != nil {
		select {
		case <-old.Done():
		default:
			// still consuming on a live channel
			return nil
		}
	}
	return c.start(ctx)
}

func (c *consumption) onDelivery(d amqp.Delivery) {
	c.mu.Lock()
	sub := c.sub
	c.pending++
	c.mu.Unlock()

	c.deliver(&delivery{raw: d, msg: fromDelivery(d), owner: c, sub: sub})
}

// settled closes the channel of a cancelled consumer once nothing is
// outstanding
func (c *consumption) settled(sub *rabbitmq.Subscription) {
	c.mu.Lock()
	if sub != c.sub {
		c.mu.Unlock()
		return
	}
	c.pending--
	closeNow := c.cancelled && c.pending <= 0
	c.mu.Unlock()

	if closeNow {
		_ = sub.Close()
	}
}

// Cancel implements messaging.Consumption
func (c *consumption) Cancel() error {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return nil
	}
	c.cancelled = true
	sub := c.sub
	idle := c.pending <= 0
	c.mu.Unlock()

	c.broker.forget(c)
	if sub == nil {
		return nil
	}
	err := sub.Cancel()
	if idle {
		return errors.Join(err, sub.Close())
	}
	return err
}

func (c *consumption) close() {
	c.mu.Lock()
	c.cancelled = true
	sub := c.sub
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

type delivery struct {
	raw   amqp.Delivery
	msg   messaging.Message
	owner *consumption
	sub   *rabbitmq.Subscription
	once  sync.Once
}

func (d *delivery) Message() messaging.Message { return d.msg }

// Cursor is zero: queues have no addressable log positions
func (d *delivery) Cursor() messaging.Cursor { return 0 }

func (d *delivery) Redelivered() bool { return d.raw.Redelivered }

func (d *delivery) Ack(context.Context) error {
	return d.settle(func() error { return d.raw.Ack(false) })
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	return d.settle(func() error { return d.raw.Nack(false, requeue) })
}

func (d *delivery) settle(fn func() error) error {
	var err error
	first := false
	d.once.Do(func() {
		first = true
		err = fn()
	})
	if first {
		d.owner.settled(d.sub)
	}
	return err
}

func toPublishing(msg messaging.Message, now time.Time) amqp.Publishing {
	headers := amqp.Table{partitionKeyHeader: msg.PartitionKey}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		MessageId:    msg.ID,
		Type:         msg.Topic,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Headers:      headers,
		Body:         msg.Body,
	}
}

func fromDelivery(d amqp.Delivery) messaging.Message {
	msg := messaging.Message{
		ID:          d.MessageId,
		Topic:       d.RoutingKey,
		ContentType: d.ContentType,
		Body:        d.Body,
	}
	if msg.Topic == "" {
		msg.Topic = d.Type
	}

	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if k == partitionKeyHeader {
			msg.PartitionKey = s
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]string, len(d.Headers))
		}
		msg.Headers[k] = s
	}
	return msg
}
