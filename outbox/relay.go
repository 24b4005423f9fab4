package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/internal/reliability"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultLease        = 30 * time.Second
	defaultLanes        = 8
)

var (
	ErrStoreRequired     = errors.New("outbox: store is required")
	ErrPublisherRequired = errors.New("outbox: publisher is required")
)

// Publisher hands an envelope to the broker. It returns only once the broker
// durably accepted the message.
type Publisher interface {
	Publish(ctx context.Context, env contracts.Envelope) error
}

// Backoff computes the wait before the attempt following the given one
type Backoff interface {
	NextDelay(attempt int) time.Duration
}

// AlertFunc is called when a record exhausts its attempts and is marked Failed
type AlertFunc func(ctx context.Context, record Record, err error)

// CycleResult counts what one relay cycle did
type CycleResult struct {
	Claimed           int
	Published         int
	Retried           int
	Failed            int
	StateUpdateFailed int
}

func (r *CycleResult) add(o CycleResult) {
	r.Claimed += o.Claimed
	r.Published += o.Published
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.StateUpdateFailed += o.StateUpdateFailed
}

// Relay moves pending outbox records to the broker. Records of one
// partition are published strictly in order; partitions run concurrently.
type Relay struct {
	store       Store
	publisher   Publisher
	breaker     *reliability.Breaker
	deadLetters deadletter.Store
	backoff     Backoff
	alert       AlertFunc
	logger      *slog.Logger
	provider    metric.MeterProvider
	metrics     relayMetrics
	now         func() time.Time

	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
	lanes        int
	maxAttempts  int
	noBreaker    bool
	breakerCfg   reliability.BreakerConfig

	notify     chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup
}

// RelayOption configures a Relay
type RelayOption func(*Relay)

// WithPollInterval sets how often the relay looks for due records
func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithBatchSize caps the records claimed per cycle
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithLease sets how long a claimed partition stays reserved to this relay
func WithLease(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithLanes bounds how many partitions are published concurrently
func WithLanes(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.lanes = n
		}
	}
}

// WithMaxAttempts sets the publish attempts before a record is marked Failed
func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay schedule between publish attempts
func WithBackoff(b Backoff) RelayOption {
	return func(r *Relay) {
		if b != nil {
			r.backoff = b
		}
	}
}

// WithCircuitBreaker tunes the breaker guarding the publisher
func WithCircuitBreaker(consecutiveFailures uint32, openTimeout time.Duration) RelayOption {
	return func(r *Relay) {
		if consecutiveFailures > 0 {
			r.breakerCfg.ConsecutiveFailures = consecutiveFailures
		}
		if openTimeout > 0 {
			r.breakerCfg.Timeout = openTimeout
		}
	}
}

// WithoutCircuitBreaker publishes without a breaker
func WithoutCircuitBreaker() RelayOption {
	return func(r *Relay) {
		r.noBreaker = true
	}
}

// WithDeadLetterStore records Failed envelopes for operator replay
func WithDeadLetterStore(store deadletter.Store) RelayOption {
	return func(r *Relay) {
		r.deadLetters = store
	}
}

// WithAlert sets the hook invoked when a record is marked Failed
func WithAlert(fn AlertFunc) RelayOption {
	return func(r *Relay) {
		r.alert = fn
	}
}

// WithRelayLogger sets the relay logger
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMeterProvider overrides the global meter provider
func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(r *Relay) {
		r.provider = provider
	}
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRelay creates a relay reading from store and publishing to publisher
func NewRelay(store Store, publisher Publisher, opts ...RelayOption) (*Relay, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	r := &Relay{
		store:        store,
		publisher:    publisher,
		backoff:      reliability.PublishPolicy(),
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		lease:        defaultLease,
		lanes:        defaultLanes,
		maxAttempts:  reliability.DefaultPublishAttempts,
		breakerCfg:   reliability.DefaultBreakerConfig(),
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if !r.noBreaker {
		r.breaker = reliability.NewBreaker("outbox-relay", r.breakerCfg, r.logger)
	}

	metrics, err := newRelayMetrics(r.provider, store)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}
	r.metrics = metrics

	return r, nil
}

// Notify wakes the relay before the next poll tick, e.g. right after a
// unit of work committed new records
func (r *Relay) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run relays until Stop is called or ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if !r.registerRun(cancel) {
		cancel()
		return ErrRelayRunning
	}
	defer r.clearRun()

	r.logger.Info("outbox relay started",
		"pollInterval", r.pollInterval,
		"batchSize", r.batchSize,
		"lanes", r.lanes,
	)
	defer r.logger.Info("outbox relay stopped")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if !r.cycle(ctx) {
			return nil
		}

		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.notify:
		}
	}
}

// cycle runs one guarded relay pass and reports whether the loop may go on
func (r *Relay) cycle(ctx context.Context) bool {
	select {
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	default:
	}

	r.cycleWg.Add(1)
	defer r.cycleWg.Done()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("outbox relay cycle panicked", "panic", p)
		}
	}()

	r.RelayOnce(ctx)
	return true
}

// Stop signals the relay loop to stop claiming. A cycle already in flight
// finishes its publishes.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Shutdown stops the relay and waits for the in-flight cycle
func (r *Relay) Shutdown(ctx context.Context) error {
	r.Stop()

	done := make(chan struct{})
	go func() {
		r.cycleWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.runStateMu.Lock()
		if r.cancelFunc != nil {
			r.cancelFunc()
		}
		r.runStateMu.Unlock()
		return fmt.Errorf("outbox relay shutdown: %w", ctx.Err())
	}
}

func (r *Relay) registerRun(cancel context.CancelFunc) bool {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()

	if r.running {
		return false
	}
	r.running = true
	r.cancelFunc = cancel
	return true
}

func (r *Relay) clearRun() {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()

	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.running = false
	r.cancelFunc = nil
}

// RelayOnce claims one batch and publishes it
func (r *Relay) RelayOnce(ctx context.Context) CycleResult {
	start := time.Now()
	defer func() {
		r.metrics.relayLatency.Record(ctx, time.Since(start).Seconds())
	}()

	records, err := r.store.Claim(ctx, r.now(), r.batchSize, r.lease)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("failed to claim outbox records", "error", err)
		}
		return CycleResult{}
	}
	if len(records) == 0 {
		return CycleResult{}
	}

	byPartition := make(map[string][]Record)
	var keys []string
	for _, rec := range records {
		key := rec.PartitionKey()
		if _, ok := byPartition[key]; !ok {
			keys = append(keys, key)
		}
		byPartition[key] = append(byPartition[key], rec)
	}
	sort.Strings(keys)

	var (
		mu     sync.Mutex
		result = CycleResult{Claimed: len(records)}
	)

	g := new(errgroup.Group)
	g.SetLimit(r.lanes)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			res := r.relayPartition(ctx, byPartition[key])

			// a fresh context so an interrupted cycle still frees the lease
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.store.Release(releaseCtx, key); err != nil {
				r.logger.Warn("failed to release outbox partition", "partitionKey", key, "error", err)
			}

			mu.Lock()
			result.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// relayPartition publishes the records of one partition in order. It stops at
// the first record that must wait, so nothing overtakes a pending record.
func (r *Relay) relayPartition(ctx context.Context, records []Record) CycleResult {
	var res CycleResult

	for _, rec := range records {
		if ctx.Err() != nil {
			return res
		}

		id := rec.Envelope.ID
		attrs := metric.WithAttributes(attribute.String("event_type", rec.Envelope.Type))

		pubErr := r.publish(ctx, rec.Envelope)
		if pubErr == nil {
			if err := r.store.MarkPublished(ctx, id, r.now()); err != nil {
				// the broker has it; consumers dedup the republish
				res.StateUpdateFailed++
				r.metrics.eventsStateFailed.Add(ctx, 1, attrs)
				r.logger.Error("outbox event published but not marked",
					"envelopeId", id,
					"partitionKey", rec.PartitionKey(),
					"error", err,
				)
				return res
			}
			res.Published++
			r.metrics.eventsPublished.Add(ctx, 1, attrs)
			continue
		}

		if ctx.Err() != nil {
			return res
		}

		r.metrics.eventsFailed.Add(ctx, 1, attrs)

		if errors.Is(pubErr, reliability.ErrBreakerOpen) || errors.Is(pubErr, reliability.ErrBreakerHalfOpenLimit) {
			// the broker was never tried; this does not count as an attempt
			next := r.now().Add(r.backoff.NextDelay(max(rec.Attempts, 1)))
			if err := r.store.MarkRetry(ctx, id, rec.Attempts, next, pubErr.Error()); err != nil {
				r.logger.Error("failed to reschedule outbox event", "envelopeId", id, "error", err)
			}
			res.Retried++
			return res
		}

		attempts := rec.Attempts + 1
		if attempts < r.maxAttempts {
			delay := r.backoff.NextDelay(attempts)
			if err := r.store.MarkRetry(ctx, id, attempts, r.now().Add(delay), pubErr.Error()); err != nil {
				r.logger.Error("failed to reschedule outbox event", "envelopeId", id, "error", err)
				return res
			}
			res.Retried++
			r.metrics.eventsRetried.Add(ctx, 1, attrs)
			r.logger.Warn("outbox publish failed, retrying",
				"envelopeId", id,
				"envelopeType", rec.Envelope.Type,
				"partitionKey", rec.PartitionKey(),
				"attempt", attempts,
				"delay", delay,
				"error", pubErr,
			)
			return res
		}

		if err := r.fail(ctx, rec, attempts, pubErr); err != nil {
			r.logger.Error("failed to mark outbox event failed", "envelopeId", id, "error", err)
			return res
		}
		res.Failed++
	}

	return res
}

func (r *Relay) publish(ctx context.Context, env contracts.Envelope) error {
	if r.breaker == nil {
		return r.publisher.Publish(ctx, env)
	}
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.publisher.Publish(ctx, env)
	})
}

// fail moves rec to Failed, dead-letters it and raises the alert. The
// partition continues with its next record afterwards.
func (r *Relay) fail(ctx context.Context, rec Record, attempts int, cause error) error {
	id := rec.Envelope.ID
	if err := r.store.MarkFailed(ctx, id, attempts, cause.Error()); err != nil {
		return err
	}

	rec.Status = StatusFailed
	rec.Attempts = attempts
	rec.LastError = cause.Error()

	r.metrics.eventsDeadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", rec.Envelope.Type)))
	r.logger.Error("outbox event failed permanently",
		"envelopeId", id,
		"envelopeType", rec.Envelope.Type,
		"partitionKey", rec.PartitionKey(),
		"attempt", attempts,
		"error", cause,
	)

	if r.deadLetters != nil {
		now := r.now()
		err := r.deadLetters.Put(ctx, deadletter.Record{
			EnvelopeID:    id,
			Source:        deadletter.SourceOutbox,
			Envelope:      rec.Envelope,
			Reason:        cause.Error(),
			Attempts:      attempts,
			FirstFailedAt: now,
			FailedAt:      now,
		})
		if err != nil {
			// the Failed record itself stays replayable through Requeue
			r.logger.Error("failed to dead-letter outbox event", "envelopeId", id, "error", err)
		}
	}

	if r.alert != nil {
		r.alert(ctx, rec, cause)
	}
	return nil
}
