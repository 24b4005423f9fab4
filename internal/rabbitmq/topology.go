package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology declares the event exchange and the per-consumer queues bound to
// it. Declarations are idempotent so they can be replayed after a reconnect.
type Topology struct {
	pool     *ChannelPool
	exchange string
	quorum   bool
}

// NewTopology manages the queues bound to exchange. With quorum set every
// consumer queue is a replicated quorum queue.
func NewTopology(pool *ChannelPool, exchange string, quorum bool) *Topology {
	return &Topology{pool: pool, exchange: exchange, quorum: quorum}
}

// Exchange returns the name of the topic exchange
func (t *Topology) Exchange() string {
	return t.exchange
}

// DeclareExchange declares the durable topic exchange events are routed on
func (t *Topology) DeclareExchange(ctx context.Context) error {
	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: t.exchange, Err: err}
	}
	return nil
}

// DeclareConsumerQueue declares a durable queue that allows one active
// consumer at a time and binds it to the exchange with pattern
func (t *Topology) DeclareConsumerQueue(ctx context.Context, queue, pattern string) error {
	args := amqp.Table{"x-single-active-consumer": true}
	if t.quorum {
		args["x-queue-type"] = "quorum"
	}

	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(queue, true, false, false, false, args)
		return err
	})
	if err != nil {
		return &TopologyError{Component: "queue", Name: queue, Err: err}
	}

	err = t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(queue, pattern, t.exchange, false, nil)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: queue + "<-" + pattern, Err: err}
	}
	return nil
}

// Depth returns the number of ready messages in queue
func (t *Topology) Depth(ctx context.Context, queue string) (int, error) {
	var q amqp.Queue
	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}
