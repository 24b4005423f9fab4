// Package deadletter stores messages that exhausted their retry budget until
// an operator replays or discards them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glimte/cogbus/contracts"
	"github.com/google/uuid"
)

// Source tells which side of the bus gave up on the message
type Source string

const (
	// SourceConsumer marks a handler that kept failing
	SourceConsumer Source = "consumer"
	// SourceOutbox marks a record the relay could not publish
	SourceOutbox Source = "outbox"
)

// ErrNotFound is returned when no dead letter exists for an envelope
var ErrNotFound = errors.New("deadletter: not found")

// Record is a dead-lettered message. It carries the original envelope and
// the reason of the last failure. Raw holds the delivery bytes when the
// envelope itself could not be decoded.
type Record struct {
	EnvelopeID    uuid.UUID
	ConsumerID    string
	Source        Source
	Envelope      contracts.Envelope
	Raw           []byte
	Reason        string
	Attempts      int
	FirstFailedAt time.Time
	FailedAt      time.Time
}

// Key identifies a record: one dead letter per envelope and consumer
func (r Record) Key() string {
	return key(r.EnvelopeID, r.ConsumerID)
}

func key(id uuid.UUID, consumerID string) string {
	return id.String() + "/" + consumerID
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	ConsumerID string
	Source     Source
	Type       string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Matches reports whether r passes the filter
func (f Filter) Matches(r Record) bool {
	if f.ConsumerID != "" && r.ConsumerID != f.ConsumerID {
		return false
	}
	if f.Source != "" && r.Source != f.Source {
		return false
	}
	if f.Type != "" && r.Envelope.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && r.FailedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.FailedAt.After(f.Until) {
		return false
	}
	return true
}

// Store persists dead letters. Records are retained until deleted.
type Store interface {
	// Put inserts or replaces the record for (envelope, consumer)
	Put(ctx context.Context, record Record) error
	// Get returns every dead letter of an envelope, across consumers
	Get(ctx context.Context, envelopeID uuid.UUID) ([]Record, error)
	// List returns matching records, oldest failure first
	List(ctx context.Context, filter Filter) ([]Record, error)
	// Delete removes the record for (envelope, consumer)
	Delete(ctx context.Context, envelopeID uuid.UUID, consumerID string) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put implements Store. A repeated failure keeps the first failure time.
func (s *MemoryStore) Put(ctx context.Context, record Record) error {
	if record.EnvelopeID == uuid.Nil {
		return fmt.Errorf("deadletter: envelope id is required")
	}
	if record.FailedAt.IsZero() {
		record.FailedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.Key()]; ok && !existing.FirstFailedAt.IsZero() {
		record.FirstFailedAt = existing.FirstFailedAt
	}
	if record.FirstFailedAt.IsZero() {
		record.FirstFailedAt = record.FailedAt
	}
	record.Envelope = record.Envelope.Clone()
	s.records[record.Key()] = record
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, envelopeID uuid.UUID) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if r.EnvelopeID == envelopeID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, envelopeID)
	}
	sortRecords(out)
	return out, nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	var out []Record
	for _, r := range s.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, envelopeID uuid.UUID, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(envelopeID, consumerID)
	if _, ok := s.records[k]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	delete(s.records, k)
	return nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].FailedAt.Equal(records[j].FailedAt) {
			return records[i].Key() < records[j].Key()
		}
		return records[i].FailedAt.Before(records[j].FailedAt)
	})
}
