package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pairKey struct {
	envelopeID uuid.UUID
	consumerID string
}

// MemoryStore is an in-process inbox. Process serializes callers per
// (envelope, consumer) pair; unrelated pairs never contend on the same lock.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[pairKey]time.Time

	locks keyedMutex
	now   func() time.Time
}

// NewMemoryStore creates an empty inbox
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[pairKey]time.Time),
		locks:   keyedMutex{held: make(map[pairKey]*refMutex)},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AlreadyProcessed implements Store
func (s *MemoryStore) AlreadyProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[pairKey{envelopeID, consumerID}]
	return ok, nil
}

// MarkProcessed implements Store
func (s *MemoryStore) MarkProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey{envelopeID, consumerID}
	if _, ok := s.records[k]; !ok {
		s.records[k] = s.now()
	}
	return nil
}

// Process implements Store
func (s *MemoryStore) Process(ctx context.Context, envelopeID uuid.UUID, consumerID string, fn func(ctx context.Context) error) (bool, error) {
	k := pairKey{envelopeID, consumerID}

	unlock, err := s.locks.lock(ctx, k)
	if err != nil {
		return false, err
	}
	defer unlock()

	done, err := s.AlreadyProcessed(ctx, envelopeID, consumerID)
	if err != nil || done {
		return false, err
	}

	if err := fn(ctx); err != nil {
		return false, err
	}

	return true, s.MarkProcessed(ctx, envelopeID, consumerID)
}

// Records returns a snapshot of the ledger
func (s *MemoryStore) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for k, at := range s.records {
		out = append(out, Record{EnvelopeID: k.envelopeID, ConsumerID: k.consumerID, ProcessedAt: at})
	}
	return out
}

// Purge implements Purger
func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, at := range s.records {
		if at.Before(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// keyedMutex hands out one lock per key and forgets keys nobody holds
type keyedMutex struct {
	mu   sync.Mutex
	held map[pairKey]*refMutex
}

type refMutex struct {
	ch   chan struct{}
	refs int
}

func (m *keyedMutex) lock(ctx context.Context, k pairKey) (func(), error) {
	m.mu.Lock()
	rm, ok := m.held[k]
	if !ok {
		rm = &refMutex{ch: make(chan struct{}, 1)}
		m.held[k] = rm
	}
	rm.refs++
	m.mu.Unlock()

	select {
	case rm.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(k, rm)
		return nil, ctx.Err()
	}

	return func() {
		<-rm.ch
		m.release(k, rm)
	}, nil
}

func (m *keyedMutex) release(k pairKey, rm *refMutex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm.refs--
	if rm.refs == 0 {
		delete(m.held, k)
	}
}
