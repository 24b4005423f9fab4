package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrUnitOfWorkDone = errors.New("outbox: unit of work already committed or rolled back")

// MemoryStore is an in-process outbox. Every partition has its own lock;
// there is no store-wide lock on the write path.
type MemoryStore struct {
	partitions sync.Map // partition key -> *partition
	index      sync.Map // envelope id -> partition key
	seq        atomic.Int64
}

type partition struct {
	mu         sync.Mutex
	records    []*memRecord
	leaseUntil time.Time
}

type memRecord struct {
	Record
	seq int64
}

// NewMemoryStore creates an empty outbox
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) partition(key string) *partition {
	p, _ := s.partitions.LoadOrStore(key, &partition{})
	return p.(*partition)
}

func (s *MemoryStore) lookup(id uuid.UUID) (*partition, error) {
	key, ok := s.index.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return s.partition(key.(string)), nil
}

func (p *partition) find(id uuid.UUID) *memRecord {
	for _, r := range p.records {
		if r.Envelope.ID == id {
			return r
		}
	}
	return nil
}

// insert keeps records ordered by occurred_at, then enqueue sequence.
// Callers hold p.mu.
func (p *partition) insert(r *memRecord) {
	i := sort.Search(len(p.records), func(i int) bool {
		o := p.records[i]
		if o.Envelope.OccurredAt.Equal(r.Envelope.OccurredAt) {
			return o.seq > r.seq
		}
		return o.Envelope.OccurredAt.After(r.Envelope.OccurredAt)
	})
	p.records = append(p.records, nil)
	copy(p.records[i+1:], p.records[i:])
	p.records[i] = r
}

// Enqueue implements Enqueuer with an implicit single-record commit per
// partition. Use Begin for multi-record atomicity with domain state.
func (s *MemoryStore) Enqueue(ctx context.Context, records ...Record) error {
	u := s.Begin()
	if err := u.Enqueue(ctx, records...); err != nil {
		return err
	}
	return u.Commit(ctx)
}

func (s *MemoryStore) appendLocked(p *partition, r Record) {
	if _, loaded := s.index.LoadOrStore(r.Envelope.ID, r.Envelope.PartitionKey); loaded {
		// same envelope enqueued twice: keep the first
		return
	}
	r.Envelope = r.Envelope.Clone()
	p.insert(&memRecord{Record: r, seq: s.seq.Add(1)})
}

// Claim implements Store
func (s *MemoryStore) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Record, error) {
	var keys []string
	s.partitions.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)

	var out []Record
	for _, key := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		p := s.partition(key)
		p.mu.Lock()
		if p.leaseUntil.After(now) {
			p.mu.Unlock()
			continue
		}

		var claimed []Record
		for _, r := range p.records {
			if r.Status != StatusPending {
				continue
			}
			if len(claimed) == 0 && !r.Due(now) {
				break
			}
			claimed = append(claimed, r.Record)
			if limit > 0 && len(out)+len(claimed) >= limit {
				break
			}
		}
		if len(claimed) > 0 {
			p.leaseUntil = now.Add(lease)
			out = append(out, claimed...)
		}
		p.mu.Unlock()
	}

	return out, nil
}

// Release implements Store
func (s *MemoryStore) Release(ctx context.Context, partitionKeys ...string) error {
	for _, key := range partitionKeys {
		p := s.partition(key)
		p.mu.Lock()
		p.leaseUntil = time.Time{}
		p.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) update(id uuid.UUID, to Status, fn func(r *memRecord)) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.find(id)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err := ValidateTransition(r.Status, to); err != nil {
		return fmt.Errorf("record %s: %w", id, err)
	}
	r.Status = to
	fn(r)
	return nil
}

// MarkPublished implements Store. Marking an already published record again
// is a no-op so a relay retrying after a lost acknowledgment stays safe.
func (s *MemoryStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	if r, err := s.Get(ctx, id); err == nil && r.Status == StatusPublished {
		return nil
	}
	return s.update(id, StatusPublished, func(r *memRecord) {
		t := at.UTC()
		r.PublishedAt = &t
		r.LastError = ""
	})
}

// MarkRetry implements Store
func (s *MemoryStore) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, cause string) error {
	return s.update(id, StatusPending, func(r *memRecord) {
		r.Attempts = attempts
		r.NextAttemptAt = next.UTC()
		r.LastError = cause
	})
}

// MarkFailed implements Store
func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, cause string) error {
	return s.update(id, StatusFailed, func(r *memRecord) {
		r.Attempts = attempts
		r.LastError = cause
	})
}

// Requeue implements Store
func (s *MemoryStore) Requeue(ctx context.Context, id uuid.UUID) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.find(id)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if r.Status != StatusFailed {
		return fmt.Errorf("record %s: %w: %s -> %s (requeue)", id, ErrInvalidTransition, r.Status, StatusPending)
	}
	r.Status = StatusPending
	r.Attempts = 0
	// due immediately
	r.NextAttemptAt = time.Time{}
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	p, err := s.lookup(id)
	if err != nil {
		return Record{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.find(id)
	if r == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return r.Record, nil
}

// Backlog implements Store
func (s *MemoryStore) Backlog(ctx context.Context) (map[string]int, error) {
	backlog := make(map[string]int)
	s.partitions.Range(func(k, v any) bool {
		p := v.(*partition)
		p.mu.Lock()
		n := 0
		for _, r := range p.records {
			if r.Status == StatusPending {
				n++
			}
		}
		p.mu.Unlock()
		if n > 0 {
			backlog[k.(string)] = n
		}
		return true
	})
	return backlog, nil
}

// Purge implements Store
func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	s.partitions.Range(func(_, v any) bool {
		p := v.(*partition)
		p.mu.Lock()
		kept := p.records[:0]
		for _, r := range p.records {
			if r.Status == StatusPublished && r.PublishedAt != nil && r.PublishedAt.Before(before) {
				s.index.Delete(r.Envelope.ID)
				removed++
				continue
			}
			kept = append(kept, r)
		}
		p.records = kept
		p.mu.Unlock()
		return true
	})
	return removed, nil
}

// Records returns every record of a partition in relay order
func (s *MemoryStore) Records(partitionKey string) []Record {
	p := s.partition(partitionKey)
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Record, len(p.records))
	for i, r := range p.records {
		out[i] = r.Record
	}
	return out
}

// UnitOfWork stages outbox records and domain state changes and applies
// them together on Commit
type UnitOfWork struct {
	store    *MemoryStore
	mu       sync.Mutex
	records  []Record
	onCommit []func()
	done     bool
}

// Begin starts a unit of work
func (s *MemoryStore) Begin() *UnitOfWork {
	return &UnitOfWork{store: s}
}

// Enqueue implements Enqueuer
func (u *UnitOfWork) Enqueue(ctx context.Context, records ...Record) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return ErrUnitOfWorkDone
	}
	for _, r := range records {
		if r.Envelope.PartitionKey == "" {
			return fmt.Errorf("outbox: record %s has no partition key", r.Envelope.ID)
		}
		if r.Status == "" {
			r.Status = StatusPending
		}
		u.records = append(u.records, r)
	}
	return nil
}

// OnCommit registers a state change applied while the outbox partitions are
// locked, so no relay can observe the records without the state
func (u *UnitOfWork) OnCommit(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onCommit = append(u.onCommit, fn)
}

// Commit appends all staged records atomically
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return ErrUnitOfWorkDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	u.done = true

	keys := make([]string, 0, len(u.records))
	seen := make(map[string]bool)
	for _, r := range u.records {
		if !seen[r.Envelope.PartitionKey] {
			seen[r.Envelope.PartitionKey] = true
			keys = append(keys, r.Envelope.PartitionKey)
		}
	}
	// fixed lock order across concurrent commits
	sort.Strings(keys)

	parts := make(map[string]*partition, len(keys))
	for _, k := range keys {
		p := u.store.partition(k)
		p.mu.Lock()
		parts[k] = p
	}
	defer func() {
		for _, k := range keys {
			parts[k].mu.Unlock()
		}
	}()

	for _, r := range u.records {
		u.store.appendLocked(parts[r.Envelope.PartitionKey], r)
	}
	for _, fn := range u.onCommit {
		fn()
	}
	return nil
}

// Rollback discards everything staged
func (u *UnitOfWork) Rollback() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = true
	u.records = nil
	u.onCommit = nil
}
