package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/cogbus/contracts"
	"github.com/google/uuid"
)

// Enqueuer appends records inside the caller's unit of work. Each store
// hands one out bound to its own transaction type, so the state change and
// the outbox append commit or roll back together.
type Enqueuer interface {
	Enqueue(ctx context.Context, records ...Record) error
}

// Store is what the relay and the admin surface need from an outbox backend.
// Implementations lock per partition key, never globally.
type Store interface {
	// Claim leases partitions whose oldest pending record is due and returns
	// their pending records in partition_key, occurred_at order. A partition
	// stays leased until Release or until the lease expires.
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Record, error)

	// Release drops the leases on the given partitions
	Release(ctx context.Context, partitionKeys ...string) error

	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, cause string) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, cause string) error

	// Requeue moves a Failed record back to Pending for an operator replay
	Requeue(ctx context.Context, id uuid.UUID) error

	Get(ctx context.Context, id uuid.UUID) (Record, error)

	// Backlog returns the pending record count per partition
	Backlog(ctx context.Context) (map[string]int, error)

	// Purge deletes published records older than before
	Purge(ctx context.Context, before time.Time) (int, error)
}

// EnqueueEvent stages an event for publication within the caller's unit of
// work and returns its envelope id. Nothing is published until the unit of
// work commits and the relay picks the record up.
func EnqueueEvent(ctx context.Context, enq Enqueuer, partitionKey, eventType string, payload []byte, opts ...contracts.EnvelopeOption) (uuid.UUID, error) {
	env := contracts.NewEvent(eventType, partitionKey, payload, opts...)
	if err := env.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("outbox: enqueue %s: %w", eventType, err)
	}

	if err := enq.Enqueue(ctx, NewRecord(env)); err != nil {
		return uuid.Nil, fmt.Errorf("outbox: enqueue %s: %w", eventType, err)
	}
	return env.ID, nil
}

// EnqueueEnvelopes stages already built event envelopes, e.g. every event a
// command handler produced
func EnqueueEnvelopes(ctx context.Context, enq Enqueuer, envs ...contracts.Envelope) error {
	records := make([]Record, 0, len(envs))
	for _, env := range envs {
		if env.Kind != contracts.KindEvent {
			return fmt.Errorf("outbox: only events can be enqueued, got %s %s", env.Kind, env.Type)
		}
		if err := env.Validate(); err != nil {
			return fmt.Errorf("outbox: enqueue %s: %w", env.Type, err)
		}
		records = append(records, NewRecord(env))
	}
	return enq.Enqueue(ctx, records...)
}
