package messaging

import (
	"context"
	"sync"
)

// CursorStore persists the committed cursor of every durable subscription
type CursorStore interface {
	// Load returns zero when the consumer has no saved cursor
	Load(ctx context.Context, consumerID string) (Cursor, error)
	Save(ctx context.Context, consumerID string, cursor Cursor) error
}

// MemoryCursorStore keeps cursors in process
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]Cursor
}

// NewMemoryCursorStore creates an empty cursor store
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]Cursor)}
}

// Load implements CursorStore
func (s *MemoryCursorStore) Load(_ context.Context, consumerID string) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[consumerID], nil
}

// Save implements CursorStore. Cursors never move backwards.
func (s *MemoryCursorStore) Save(_ context.Context, consumerID string, cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor > s.cursors[consumerID] {
		s.cursors[consumerID] = cursor
	}
	return nil
}
