package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cogbus/messaging"
)

func TestMessageConversion(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("publishing carries id, key and headers", func(t *testing.T) {
		pub := toPublishing(messaging.Message{
			ID:           "m-1",
			Topic:        "event.task.created",
			PartitionKey: "task-7",
			Headers:      map[string]string{"x-trace": "abc"},
			Body:         []byte(`{}`),
			ContentType:  "application/json",
		}, now)

		assert.Equal(t, "m-1", pub.MessageId)
		assert.Equal(t, "event.task.created", pub.Type)
		assert.Equal(t, "application/json", pub.ContentType)
		assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
		assert.Equal(t, now, pub.Timestamp)
		assert.Equal(t, "task-7", pub.Headers[partitionKeyHeader])
		assert.Equal(t, "abc", pub.Headers["x-trace"])
		assert.Equal(t, []byte(`{}`), pub.Body)
	})

	t.Run("delivery restores the message", func(t *testing.T) {
		msg := fromDelivery(amqp.Delivery{
			MessageId:   "m-2",
			RoutingKey:  "event.task.done",
			ContentType: "application/msgpack",
			Headers: amqp.Table{
				partitionKeyHeader:    "task-9",
				"x-cogbus-replay-for": "projector",
				"x-count":             int32(3),
			},
			Body: []byte{0x80},
		})

		assert.Equal(t, "m-2", msg.ID)
		assert.Equal(t, "event.task.done", msg.Topic)
		assert.Equal(t, "task-9", msg.PartitionKey)
		assert.Equal(t, "application/msgpack", msg.ContentType)
		assert.Equal(t, "projector", msg.Headers[messaging.ReplayHeader])
		assert.Equal(t, "3", msg.Headers["x-count"])
		assert.NotContains(t, msg.Headers, partitionKeyHeader)
	})

	t.Run("topic falls back to the type", func(t *testing.T) {
		msg := fromDelivery(amqp.Delivery{MessageId: "m-3", Type: "event.a"})
		assert.Equal(t, "event.a", msg.Topic)
		assert.Nil(t, msg.Headers)
	})

	t.Run("round trip", func(t *testing.T) {
		in := messaging.Message{
			ID:           "m-4",
			Topic:        "command.plan",
			PartitionKey: "p",
			Headers:      map[string]string{"k": "v"},
			Body:         []byte("x"),
			ContentType:  "application/json",
		}
		pub := toPublishing(in, now)
		out := fromDelivery(amqp.Delivery{
			MessageId:   pub.MessageId,
			RoutingKey:  in.Topic,
			ContentType: pub.ContentType,
			Headers:     pub.Headers,
			Body:        pub.Body,
		})
		require.Equal(t, in, out)
	})
}

func TestOptions(t *testing.T) {
	o := options{exchange: DefaultExchange}
	for _, opt := range []Option{
		WithExchange(""),
		WithPoolSize(4),
		WithReconnect(time.Second, 3),
		WithConfirmTimeout(2 * time.Second),
		WithQuorumQueues(),
		WithLogger(nil),
	} {
		opt(&o)
	}

	assert.Equal(t, DefaultExchange, o.exchange, "empty exchange keeps the default")
	assert.Equal(t, 4, o.poolSize)
	assert.Equal(t, time.Second, o.reconnectDelay)
	assert.Equal(t, 3, o.maxReconnects)
	assert.Equal(t, 2*time.Second, o.confirmTimeout)
	assert.True(t, o.quorum)
	assert.Nil(t, o.logger)
}
