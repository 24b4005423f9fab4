// Package outbox implements the transactional outbox and its relay.
//
// Producers never publish directly. They append events to the outbox inside
// the same unit of work that changes their state:
//   - Record: an envelope staged for publication with its retry bookkeeping
//   - Enqueuer: the append side, bound to the caller's transaction
//   - Store: the relay side, claiming due records under a partition lease
//   - MemoryStore and UnitOfWork: an in-process store for tests and embedding
//   - Relay: publishes claimed records in partition order with backoff, a
//     circuit breaker and dead-lettering after the last attempt
//
// Example usage:
//
//	store := outbox.NewMemoryStore()
//	uow := store.Begin()
//	id, err := outbox.EnqueueEvent(ctx, uow, artifactID, "artifact.created", payload)
//	if err != nil {
//		uow.Rollback()
//		return err
//	}
//	uow.OnCommit(func() { artifacts[artifactID] = artifact })
//	if err := uow.Commit(ctx); err != nil {
//		return err
//	}
//
//	relay, err := outbox.NewRelay(store, bus, outbox.WithDeadLetterStore(deadLetters))
//	go relay.Run(ctx)
//	relay.Notify()
package outbox
