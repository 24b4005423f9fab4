// Package postgres stores the outbox, the inbox and subscription cursors in
// PostgreSQL through gorm.
//
// This package includes:
//   - DB: connection, schema migration and unit-of-work transactions
//   - OutboxStore: outbox.Store and outbox.Enqueuer with per-partition leases
//   - InboxStore: inbox.Store whose marks commit with the handler's writes
//   - CursorStore: messaging.CursorStore
//
// Handlers reach the current transaction with TxFromContext, so domain
// writes, inbox marks and outbox appends commit together:
//
//	err := db.Transact(ctx, func(ctx context.Context) error {
//		tx, _ := postgres.TxFromContext(ctx)
//		if err := tx.Create(&artifact).Error; err != nil {
//			return err
//		}
//		_, err := outbox.EnqueueEvent(ctx, outboxStore, artifact.ID, "event.artifact.created", payload)
//		return err
//	})
package postgres
