package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/messaging"
	"github.com/glimte/cogbus/outbox"
)

var (
	ErrNoDeadLetters  = errors.New("admin: no dead-letter store configured")
	ErrNoOutbox       = errors.New("admin: no outbox store configured")
	ErrNoPublisher    = errors.New("admin: no publisher configured")
	ErrNotReplayable  = errors.New("admin: dead letter has no decodable envelope")
	ErrLagUnsupported = errors.New("admin: broker does not report lag")
)

// Publisher republishes consumer dead letters
type Publisher interface {
	Publish(ctx context.Context, env contracts.Envelope) error
}

// LagReporter is implemented by brokers that can count the messages a
// consumer has not settled yet
type LagReporter interface {
	Lag(consumerID string) (int, error)
}

// Admin is the operator surface over dead letters, the outbox and consumer
// lag. Every dependency is optional; operations that need a missing one
// fail with a sentinel error.
type Admin struct {
	deadLetters deadletter.Store
	outbox      outbox.Store
	publisher   Publisher
	lag         LagReporter
	logger      *slog.Logger
}

// Option configures the admin surface
type Option func(*Admin)

// WithOutbox enables outbox replays and backlog reporting
func WithOutbox(store outbox.Store) Option {
	return func(a *Admin) { a.outbox = store }
}

// WithPublisher enables consumer replays
func WithPublisher(p Publisher) Option {
	return func(a *Admin) { a.publisher = p }
}

// WithLagReporter enables Lag
func WithLagReporter(r LagReporter) Option {
	return func(a *Admin) { a.lag = r }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Admin) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates the admin surface over a dead-letter store
func New(deadLetters deadletter.Store, opts ...Option) *Admin {
	a := &Admin{
		deadLetters: deadLetters,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "admin")
	return a
}

// ListDeadLetters returns the dead letters matching filter, oldest failure
// first
func (a *Admin) ListDeadLetters(ctx context.Context, filter deadletter.Filter) ([]deadletter.Record, error) {
	if a.deadLetters == nil {
		return nil, ErrNoDeadLetters
	}
	return a.deadLetters.List(ctx, filter)
}

// Replay sends every dead letter of an envelope back through the bus and
// returns how many were replayed. Outbox dead letters go back to pending so
// the relay publishes them again. Consumer dead letters are republished
// addressed to the consumer that gave up on them. A record is removed only
// after its replay succeeded.
func (a *Admin) Replay(ctx context.Context, envelopeID uuid.UUID) (int, error) {
	if a.deadLetters == nil {
		return 0, ErrNoDeadLetters
	}

	records, err := a.deadLetters.Get(ctx, envelopeID)
	if err != nil {
		return 0, err
	}

	var (
		replayed int
		errs     []error
	)
	for _, rec := range records {
		if err := a.replay(ctx, rec); err != nil {
			a.logger.Warn("dead letter replay failed",
				"envelopeId", rec.EnvelopeID,
				"consumerId", rec.ConsumerID,
				"source", rec.Source,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("replay %s: %w", rec.Key(), err))
			continue
		}

		if err := a.deadLetters.Delete(ctx, rec.EnvelopeID, rec.ConsumerID); err != nil && !errors.Is(err, deadletter.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s after replay: %w", rec.Key(), err))
		}
		replayed++

		a.logger.Info("dead letter replayed",
			"envelopeId", rec.EnvelopeID,
			"consumerId", rec.ConsumerID,
			"source", rec.Source,
			"attempts", rec.Attempts,
		)
	}
	return replayed, errors.Join(errs...)
}

func (a *Admin) replay(ctx context.Context, rec deadletter.Record) error {
	switch rec.Source {
	case deadletter.SourceOutbox:
		if a.outbox == nil {
			return ErrNoOutbox
		}
		return a.outbox.Requeue(ctx, rec.EnvelopeID)

	case deadletter.SourceConsumer:
		if a.publisher == nil {
			return ErrNoPublisher
		}
		if rec.Envelope.ID == uuid.Nil {
			return ErrNotReplayable
		}
		env := rec.Envelope.Clone()
		if env.Headers == nil {
			env.Headers = make(map[string]string, 1)
		}
		env.Headers[messaging.ReplayHeader] = rec.ConsumerID
		return a.publisher.Publish(ctx, env)

	default:
		return fmt.Errorf("unknown dead-letter source %q", rec.Source)
	}
}

// Discard removes a dead letter without replaying it
func (a *Admin) Discard(ctx context.Context, envelopeID uuid.UUID, consumerID string) error {
	if a.deadLetters == nil {
		return ErrNoDeadLetters
	}
	if err := a.deadLetters.Delete(ctx, envelopeID, consumerID); err != nil {
		return err
	}
	a.logger.Info("dead letter discarded", "envelopeId", envelopeID, "consumerId", consumerID)
	return nil
}

// PartitionBacklog is the pending outbox depth of one partition key
type PartitionBacklog struct {
	PartitionKey string
	Pending      int
}

// Backlog returns the pending outbox records per partition key
func (a *Admin) Backlog(ctx context.Context) (map[string]int, error) {
	if a.outbox == nil {
		return nil, ErrNoOutbox
	}
	return a.outbox.Backlog(ctx)
}

// SortedBacklog returns the backlog deepest partition first
func (a *Admin) SortedBacklog(ctx context.Context) ([]PartitionBacklog, error) {
	backlog, err := a.Backlog(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]PartitionBacklog, 0, len(backlog))
	for key, n := range backlog {
		out = append(out, PartitionBacklog{PartitionKey: key, Pending: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pending != out[j].Pending {
			return out[i].Pending > out[j].Pending
		}
		return out[i].PartitionKey < out[j].PartitionKey
	})
	return out, nil
}

// TotalBacklog returns the number of pending outbox records
func (a *Admin) TotalBacklog(ctx context.Context) (int, error) {
	backlog, err := a.Backlog(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range backlog {
		total += n
	}
	return total, nil
}

// Lag returns how many messages a consumer has not settled yet
func (a *Admin) Lag(consumerID string) (int, error) {
	if a.lag == nil {
		return 0, ErrLagUnsupported
	}
	return a.lag.Lag(consumerID)
}
