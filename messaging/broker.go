package messaging

import (
	"context"
	"errors"
)

// ReplayHeader addresses a replayed envelope to a single consumer id. Other
// consumers acknowledge and skip it.
const ReplayHeader = "x-cogbus-replay-for"

var ErrBrokerClosed = errors.New("messaging: broker closed")

// Cursor is a position in a consumer group's log. Zero means unknown; the
// first message of a log has cursor 1.
type Cursor uint64

// FirstCursor starts a new consumer group at the beginning of the log
const FirstCursor Cursor = 1

// Message is what travels through the broker
type Message struct {
	ID           string
	Topic        string
	PartitionKey string
	Headers      map[string]string
	Body         []byte
	ContentType  string
}

// Delivery is one attempt to hand a message to a consumer. The broker
// redelivers it after a deadline unless it is acknowledged.
type Delivery interface {
	Message() Message
	// Cursor is the log position of the message, zero when the broker has no log
	Cursor() Cursor
	Redelivered() bool
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// ConsumeRequest describes a durable subscription
type ConsumeRequest struct {
	// ConsumerID keys the durable subscription; each id gets every message
	ConsumerID   string
	TopicPattern string
	// StartCursor positions a consumer group the broker has not seen yet
	StartCursor Cursor
	// Prefetch bounds unacknowledged deliveries
	Prefetch int
}

// Consumption is a running consume loop
type Consumption interface {
	// Cancel stops intake. Unacknowledged deliveries stay valid.
	Cancel() error
}

// Broker is the durable pub/sub primitive the bus is built on. It must keep
// messages with the same partition key in publish order per consumer and
// redeliver unacknowledged messages.
type Broker interface {
	// Publish returns once the broker durably accepted the message
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context, req ConsumeRequest, deliver func(Delivery)) (Consumption, error)
	Close() error
}

// Pinger is implemented by brokers that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}
