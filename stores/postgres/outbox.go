package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/outbox"
)

// dueHeadsSQL selects partitions whose oldest pending record is due and
// which no relay currently leases
const dueHeadsSQL = `
SELECT h.partition_key FROM (
	SELECT DISTINCT ON (partition_key) partition_key, next_attempt_at
	FROM cogbus_outbox
	WHERE status = 'PENDING'
	ORDER BY partition_key, occurred_at, seq
) h
LEFT JOIN cogbus_outbox_leases l ON l.partition_key = h.partition_key
WHERE h.next_attempt_at <= @now AND (l.lease_until IS NULL OR l.lease_until <= @now)
ORDER BY h.partition_key`

// acquireLeaseSQL takes the lease unless another relay holds a live one
const acquireLeaseSQL = `
INSERT INTO cogbus_outbox_leases (partition_key, lease_until) VALUES (@key, @until)
ON CONFLICT (partition_key) DO UPDATE SET lease_until = EXCLUDED.lease_until
WHERE cogbus_outbox_leases.lease_until <= @now`

// OutboxStore implements outbox.Store and outbox.Enqueuer. Enqueue joins the
// transaction in its context, so staging an event commits with the state
// change that produced it.
type OutboxStore struct {
	db *DB
}

// NewOutboxStore creates an outbox store on db
func NewOutboxStore(db *DB) *OutboxStore {
	return &OutboxStore{db: db}
}

type outboxRow struct {
	ID            uuid.UUID         `gorm:"column:id;primaryKey"`
	Seq           int64             `gorm:"column:seq;->"`
	PartitionKey  string            `gorm:"column:partition_key"`
	Kind          string            `gorm:"column:kind"`
	Type          string            `gorm:"column:type"`
	SchemaVersion int               `gorm:"column:schema_version"`
	Payload       []byte            `gorm:"column:payload"`
	Headers       map[string]string `gorm:"column:headers;serializer:json"`
	OccurredAt    time.Time         `gorm:"column:occurred_at"`
	CausationID   *uuid.UUID        `gorm:"column:causation_id"`
	CorrelationID uuid.UUID         `gorm:"column:correlation_id"`
	Status        string            `gorm:"column:status"`
	Attempts      int               `gorm:"column:attempts"`
	NextAttemptAt time.Time         `gorm:"column:next_attempt_at"`
	LastError     string            `gorm:"column:last_error"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	PublishedAt   *time.Time        `gorm:"column:published_at"`
}

func (outboxRow) TableName() string {
	return outboxTable
}

func outboxRowFromRecord(r outbox.Record) outboxRow {
	env := r.Envelope
	return outboxRow{
		ID:            env.ID,
		PartitionKey:  env.PartitionKey,
		Kind:          string(env.Kind),
		Type:          env.Type,
		SchemaVersion: env.SchemaVersion,
		Payload:       env.Payload,
		Headers:       env.Headers,
		OccurredAt:    env.OccurredAt.UTC(),
		CausationID:   env.CausationID,
		CorrelationID: env.CorrelationID,
		Status:        string(r.Status),
		Attempts:      r.Attempts,
		NextAttemptAt: r.NextAttemptAt.UTC(),
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt.UTC(),
		PublishedAt:   normalizeOptionalTime(r.PublishedAt),
	}
}

func (row outboxRow) toRecord() outbox.Record {
	return outbox.Record{
		Envelope: contracts.Envelope{
			ID:            row.ID,
			Kind:          contracts.Kind(row.Kind),
			Type:          row.Type,
			SchemaVersion: row.SchemaVersion,
			Payload:       row.Payload,
			OccurredAt:    row.OccurredAt.UTC(),
			CausationID:   row.CausationID,
			CorrelationID: row.CorrelationID,
			PartitionKey:  row.PartitionKey,
			Headers:       row.Headers,
		},
		Status:        outbox.Status(row.Status),
		Attempts:      row.Attempts,
		NextAttemptAt: row.NextAttemptAt.UTC(),
		LastError:     row.LastError,
		CreatedAt:     row.CreatedAt.UTC(),
		PublishedAt:   normalizeOptionalTime(row.PublishedAt),
	}
}

func normalizeOptionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := value.UTC()
	return &t
}

// Enqueue implements outbox.Enqueuer. Enqueuing an envelope id twice keeps
// the first record.
func (s *OutboxStore) Enqueue(ctx context.Context, records ...outbox.Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]outboxRow, 0, len(records))
	for _, r := range records {
		if r.Envelope.PartitionKey == "" {
			return fmt.Errorf("outbox: record %s has no partition key", r.Envelope.ID)
		}
		if r.Status == "" {
			r.Status = outbox.StatusPending
		}
		rows = append(rows, outboxRowFromRecord(r))
	}

	err := s.db.conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rows).Error
	return wrap("enqueue outbox", err)
}

// Claim implements outbox.Store. Relays contend on a transaction scoped
// advisory lock per partition, then on the lease row, and skip partitions
// they lose.
func (s *OutboxStore) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]outbox.Record, error) {
	now = now.UTC()
	var out []outbox.Record

	err := s.db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var keys []string
		if err := tx.Raw(dueHeadsSQL, map[string]any{"now": now}).Scan(&keys).Error; err != nil {
			return err
		}

		for _, key := range keys {
			if limit > 0 && len(out) >= limit {
				break
			}

			var locked bool
			if err := tx.Raw("SELECT pg_try_advisory_xact_lock(hashtext(?))", key).Scan(&locked).Error; err != nil {
				return err
			}
			if !locked {
				continue
			}

			res := tx.Exec(acquireLeaseSQL, map[string]any{"key": key, "until": now.Add(lease), "now": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			q := tx.Where("partition_key = ? AND status = ?", key, string(outbox.StatusPending)).
				Order("occurred_at, seq").
				Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
			if limit > 0 {
				q = q.Limit(limit - len(out))
			}

			var rows []outboxRow
			if err := q.Find(&rows).Error; err != nil {
				return err
			}
			for _, row := range rows {
				out = append(out, row.toRecord())
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("claim outbox", err)
	}
	return out, nil
}

// Release implements outbox.Store
func (s *OutboxStore) Release(ctx context.Context, partitionKeys ...string) error {
	if len(partitionKeys) == 0 {
		return nil
	}
	err := s.db.gorm.WithContext(ctx).
		Exec("DELETE FROM "+leaseTable+" WHERE partition_key IN ?", partitionKeys).Error
	return wrap("release outbox lease", err)
}

// transition moves a record from one status to another. It reports
// whether a row changed; zero rows means the record is missing or in
// another status.
func (s *OutboxStore) transition(ctx context.Context, id uuid.UUID, from, to outbox.Status, updates map[string]any) (bool, error) {
	if err := outbox.ValidateTransition(from, to); err != nil {
		return false, err
	}
	updates["status"] = string(to)

	res := s.db.gorm.WithContext(ctx).
		Model(&outboxRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, wrap("update outbox", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// explain turns a transition that changed nothing into the matching error
func (s *OutboxStore) explain(ctx context.Context, id uuid.UUID, to outbox.Status) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := outbox.ValidateTransition(r.Status, to); err != nil {
		return fmt.Errorf("record %s: %w", id, err)
	}
	return nil
}

// MarkPublished implements outbox.Store. Marking a published record again is
// a no-op.
func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	ok, err := s.transition(ctx, id, outbox.StatusPending, outbox.StatusPublished, map[string]any{
		"published_at": at.UTC(),
		"last_error":   "",
	})
	if err != nil || ok {
		return err
	}

	if r, err := s.Get(ctx, id); err == nil && r.Status == outbox.StatusPublished {
		return nil
	}
	return s.explain(ctx, id, outbox.StatusPublished)
}

// MarkRetry implements outbox.Store
func (s *OutboxStore) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, cause string) error {
	ok, err := s.transition(ctx, id, outbox.StatusPending, outbox.StatusPending, map[string]any{
		"attempts":        attempts,
		"next_attempt_at": next.UTC(),
		"last_error":      cause,
	})
	if err != nil || ok {
		return err
	}
	return s.explain(ctx, id, outbox.StatusPending)
}

// MarkFailed implements outbox.Store
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, cause string) error {
	ok, err := s.transition(ctx, id, outbox.StatusPending, outbox.StatusFailed, map[string]any{
		"attempts":   attempts,
		"last_error": cause,
	})
	if err != nil || ok {
		return err
	}
	return s.explain(ctx, id, outbox.StatusFailed)
}

// Requeue implements outbox.Store
func (s *OutboxStore) Requeue(ctx context.Context, id uuid.UUID) error {
	ok, err := s.transition(ctx, id, outbox.StatusFailed, outbox.StatusPending, map[string]any{
		"attempts":        0,
		"next_attempt_at": time.Unix(0, 0).UTC(),
	})
	if err != nil || ok {
		return err
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("record %s: %w: %s -> %s (requeue)", id, outbox.ErrInvalidTransition, r.Status, outbox.StatusPending)
}

// Get implements outbox.Store
func (s *OutboxStore) Get(ctx context.Context, id uuid.UUID) (outbox.Record, error) {
	var row outboxRow
	err := s.db.conn(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return outbox.Record{}, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}
	if err != nil {
		return outbox.Record{}, wrap("get outbox record", err)
	}
	return row.toRecord(), nil
}

// Backlog implements outbox.Store
func (s *OutboxStore) Backlog(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		PartitionKey string
		Pending      int
	}
	err := s.db.gorm.WithContext(ctx).
		Model(&outboxRow{}).
		Select("partition_key, count(*) AS pending").
		Where("status = ?", string(outbox.StatusPending)).
		Group("partition_key").
		Scan(&rows).Error
	if err != nil {
		return nil, wrap("outbox backlog", err)
	}

	backlog := make(map[string]int, len(rows))
	for _, row := range rows {
		backlog[row.PartitionKey] = row.Pending
	}
	return backlog, nil
}

// Purge implements outbox.Store
func (s *OutboxStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res := s.db.gorm.WithContext(ctx).
		Where("status = ? AND published_at < ?", string(outbox.StatusPublished), before.UTC()).
		Delete(&outboxRow{})
	if res.Error != nil {
		return 0, wrap("purge outbox", res.Error)
	}
	return int(res.RowsAffected), nil
}

var (
	_ outbox.Store    = (*OutboxStore)(nil)
	_ outbox.Enqueuer = (*OutboxStore)(nil)
)
