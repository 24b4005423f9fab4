package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/glimte/cogbus/messaging"
)

// CursorStore implements messaging.CursorStore
type CursorStore struct {
	db *DB
}

// NewCursorStore creates a cursor store on db
func NewCursorStore(db *DB) *CursorStore {
	return &CursorStore{db: db}
}

type cursorRow struct {
	ConsumerID string    `gorm:"column:consumer_id;primaryKey"`
	Position   int64     `gorm:"column:position"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (cursorRow) TableName() string {
	return cursorTable
}

// Load implements messaging.CursorStore
func (s *CursorStore) Load(ctx context.Context, consumerID string) (messaging.Cursor, error) {
	var row cursorRow
	err := s.db.conn(ctx).Where("consumer_id = ?", consumerID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("load cursor", err)
	}
	return messaging.Cursor(row.Position), nil
}

// Save implements messaging.CursorStore. The stored cursor never moves
// backwards.
func (s *CursorStore) Save(ctx context.Context, consumerID string, cursor messaging.Cursor) error {
	row := cursorRow{ConsumerID: consumerID, Position: int64(cursor), UpdatedAt: time.Now().UTC()}
	err := s.db.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "consumer_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"position":   gorm.Expr("GREATEST(" + cursorTable + ".position, EXCLUDED.position)"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(&row).Error
	return wrap("save cursor", err)
}

var _ messaging.CursorStore = (*CursorStore)(nil)
