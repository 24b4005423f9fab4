// Package rabbitmq wraps the AMQP client for the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with backoff
//   - ChannelPool: reusable channels in publisher-confirm mode
//   - Publisher: publishes and waits for the broker confirmation
//   - Consumer: consumers on dedicated channels with manual acknowledgment
//   - Topology: the event exchange and per-consumer queues
package rabbitmq
