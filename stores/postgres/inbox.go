package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/glimte/cogbus/inbox"
)

// InboxStore implements inbox.Store. Process inserts the mark first, so a
// concurrent delivery of the same pair blocks on the primary key until the
// first transaction ends and then sees the conflict.
type InboxStore struct {
	db  *DB
	now func() time.Time
}

// NewInboxStore creates an inbox on db
func NewInboxStore(db *DB) *InboxStore {
	return &InboxStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type inboxRow struct {
	EnvelopeID  uuid.UUID `gorm:"column:envelope_id;primaryKey"`
	ConsumerID  string    `gorm:"column:consumer_id;primaryKey"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (inboxRow) TableName() string {
	return inboxTable
}

// AlreadyProcessed implements inbox.Store
func (s *InboxStore) AlreadyProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) (bool, error) {
	var n int64
	err := s.db.conn(ctx).
		Model(&inboxRow{}).
		Where("envelope_id = ? AND consumer_id = ?", envelopeID, consumerID).
		Count(&n).Error
	if err != nil {
		return false, wrap("inbox lookup", err)
	}
	return n > 0, nil
}

// MarkProcessed implements inbox.Store
func (s *InboxStore) MarkProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) error {
	row := inboxRow{EnvelopeID: envelopeID, ConsumerID: consumerID, ProcessedAt: s.now()}
	err := s.db.conn(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return nil
	}
	return wrap("inbox mark", err)
}

// Process implements inbox.Store. fn runs inside the transaction; it reaches
// it through TxFromContext so its writes commit with the mark.
func (s *InboxStore) Process(ctx context.Context, envelopeID uuid.UUID, consumerID string, fn func(ctx context.Context) error) (bool, error) {
	applied := false
	err := s.db.Transact(ctx, func(ctx context.Context) error {
		tx, _ := TxFromContext(ctx)

		row := inboxRow{EnvelopeID: envelopeID, ConsumerID: consumerID, ProcessedAt: s.now()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return wrap("inbox mark", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := fn(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Purge implements inbox.Purger
func (s *InboxStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res := s.db.gorm.WithContext(ctx).
		Where("processed_at < ?", before.UTC()).
		Delete(&inboxRow{})
	if res.Error != nil {
		return 0, wrap("purge inbox", res.Error)
	}
	return int(res.RowsAffected), nil
}

var (
	_ inbox.Store  = (*InboxStore)(nil)
	_ inbox.Purger = (*InboxStore)(nil)
)
