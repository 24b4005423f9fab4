// Package messaging provides the command dispatcher and the event bus.
//
// Commands and queries are routed synchronously to exactly one handler.
// Events flow through a durable broker to any number of consumer groups:
//   - Dispatcher: in-process command/query routing with middleware
//   - Broker: the durable pub/sub primitive (see transports/memory and
//     transports/rabbitmq)
//   - Bus: publishes envelopes and runs subscriptions
//   - Subscription: per-partition ordered processing on a bounded worker
//     pool, with inbox deduplication, retries and dead-lettering
//   - CursorStore: committed consumer positions
//
// Example usage:
//
//	bus, err := messaging.NewBus(broker,
//		messaging.WithInbox(inboxStore),
//		messaging.WithDeadLetters(deadLetters),
//	)
//	if err != nil {
//		return err
//	}
//
//	sub, err := bus.Subscribe(ctx, "artifact.*", "search-indexer",
//		messaging.HandleFunc(func(ctx context.Context, env contracts.Envelope) error {
//			return index.Apply(ctx, env)
//		}),
//		messaging.WithWorkers(4),
//	)
//	if err != nil {
//		return err
//	}
//	defer sub.Drain(shutdownCtx)
package messaging
