// Package inbox implements the consumer-side idempotency ledger.
//
// A record for (envelope_id, consumer_id) means the consumer already applied
// the envelope's effects. Process runs the side effect and writes the record
// as one atomic unit, so a redelivered envelope is applied at most once.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInFlight is returned when another worker currently holds the key.
	// The caller should retry later.
	ErrInFlight = errors.New("inbox: envelope is being processed by another worker")
)

// Record is a processed (envelope, consumer) pair
type Record struct {
	EnvelopeID  uuid.UUID
	ConsumerID  string
	ProcessedAt time.Time
}

// Store is the inbox contract every backend satisfies
type Store interface {
	// AlreadyProcessed reports whether the pair has a record
	AlreadyProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) (bool, error)

	// MarkProcessed writes the record. Marking twice is not an error.
	MarkProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) error

	// Process runs fn and marks the pair processed atomically. It returns
	// applied=false without calling fn when the pair was already processed.
	// If fn fails nothing is recorded. Locking is scoped to the pair.
	Process(ctx context.Context, envelopeID uuid.UUID, consumerID string, fn func(ctx context.Context) error) (applied bool, err error)
}

// Purger is implemented by stores that garbage collect old records once the
// replay window has passed
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}
