package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/interceptors"
	"github.com/glimte/cogbus/serialization"
)

// DeadLetterTopicPrefix prefixes the topic notified when a consumer
// dead-letters a message
const DeadLetterTopicPrefix = "deadletter."

// forcedStopWait bounds how long Drain waits for handlers after cancelling them
const forcedStopWait = 5 * time.Second

type laneState int

const (
	laneIdle laneState = iota
	laneReady
	laneRunning
	laneWaiting
)

// entry is a message held by a lane. A redelivery of the same message
// replaces the delivery handle instead of queueing a second copy.
type entry struct {
	delivery Delivery
	msgID    string
	cursor   Cursor
}

// headState is the retry bookkeeping of a lane's head message
type headState struct {
	attempts      int
	infraAttempts int
	firstFailedAt time.Time
	// poison is set when the head is dead-lettered but not yet stored
	poison *deadletter.Record
}

// lane holds the messages of one partition key. At most one of them is
// being handled at any time.
type lane struct {
	key     string
	entries []*entry
	state   laneState
	timer   *time.Timer
	head    headState
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeRetry
	outcomeAbandon
)

type outcome struct {
	kind  outcomeKind
	delay time.Duration
	head  headState
}

// SubscriptionStats is a point-in-time view of a subscription
type SubscriptionStats struct {
	ConsumerID string
	Pattern    string
	Lanes      int
	Queued     int
	InFlight   int
	Paused     bool
	Cursor     Cursor
}

// Subscription is a running durable subscription. Deliveries are routed to
// per-partition lanes that share a bounded worker pool; a lane waiting on
// retry backoff does not hold a worker.
type Subscription struct {
	bus        *Bus
	pattern    string
	consumerID string
	handler    interceptors.Handler
	cfg        subscribeConfig
	logger     *slog.Logger
	attrs      metric.MeasurementOption

	mu          sync.Mutex
	cond        *sync.Cond
	lanes       map[string]*lane
	ready       []*lane
	held        map[string]*entry
	paused      bool
	closed      bool
	stopping    bool
	running     int
	outstanding map[Cursor]struct{}
	highWater   Cursor
	committed   Cursor
	consumption Consumption

	workCtx    context.Context
	cancelWork context.CancelFunc
	workers    sync.WaitGroup
	drainOnce  sync.Once
	drainErr   error
}

func newSubscription(b *Bus, pattern, consumerID string, handler EventHandler, cfg subscribeConfig) *Subscription {
	chain := interceptors.NewInterceptorChain(b.logger).Add(cfg.interceptors...)

	s := &Subscription{
		bus:         b,
		pattern:     pattern,
		consumerID:  consumerID,
		handler:     b.chain.Wrap(chain.Wrap(handler)),
		cfg:         cfg,
		logger:      b.logger.With("consumerId", consumerID),
		attrs:       metric.WithAttributes(attribute.String("consumer_id", consumerID)),
		lanes:       make(map[string]*lane),
		held:        make(map[string]*entry),
		outstanding: make(map[Cursor]struct{}),
		highWater:   cfg.startCursor,
		committed:   cfg.startCursor,
	}
	s.cond = sync.NewCond(&s.mu)
	s.workCtx, s.cancelWork = context.WithCancel(context.Background())

	for i := 0; i < cfg.workers; i++ {
		s.workers.Add(1)
		go s.work()
	}
	return s
}

func (s *Subscription) setConsumption(c Consumption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumption = c
}

// ConsumerID returns the durable subscription key
func (s *Subscription) ConsumerID() string { return s.consumerID }

// Pattern returns the topic pattern
func (s *Subscription) Pattern() string { return s.pattern }

// onDelivery is the broker callback. It never blocks on handler work.
func (s *Subscription) onDelivery(d Delivery) {
	msg := d.Message()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.nack(d)
		return
	}

	if msg.ID != "" {
		if e, ok := s.held[msg.ID]; ok {
			e.delivery = d
			s.mu.Unlock()
			s.logger.Debug("redelivery of a held message dropped", "messageId", msg.ID)
			return
		}
	}

	e := &entry{delivery: d, msgID: msg.ID, cursor: d.Cursor()}
	if msg.ID != "" {
		s.held[msg.ID] = e
	}
	if e.cursor > 0 {
		s.outstanding[e.cursor] = struct{}{}
		if e.cursor >= s.highWater {
			s.highWater = e.cursor + 1
		}
	}

	key := msg.PartitionKey
	if key == "" {
		// unordered: every message gets its own lane
		key = "\x00" + msg.ID
	}
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{key: key}
		s.lanes[key] = l
	}
	l.entries = append(l.entries, e)
	if l.state == laneIdle {
		s.enqueueLocked(l)
	}
	s.mu.Unlock()
}

func (s *Subscription) enqueueLocked(l *lane) {
	l.state = laneReady
	s.ready = append(s.ready, l)
	s.cond.Signal()
}

func (s *Subscription) waitLocked(l *lane, delay time.Duration) {
	if s.stopping {
		l.state = laneIdle
		return
	}
	l.state = laneWaiting
	l.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if l.state != laneWaiting || s.stopping {
			return
		}
		l.timer = nil
		s.enqueueLocked(l)
	})
}

func (s *Subscription) work() {
	defer s.workers.Done()
	for {
		l := s.next()
		if l == nil {
			return
		}
		s.run(l)
	}
}

func (s *Subscription) next() *lane {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.stopping {
			return nil
		}
		if !s.paused && len(s.ready) > 0 {
			l := s.ready[0]
			s.ready[0] = nil
			s.ready = s.ready[1:]
			l.state = laneRunning
			s.running++
			return l
		}
		s.cond.Wait()
	}
}

func (s *Subscription) run(l *lane) {
	s.mu.Lock()
	e := l.entries[0]
	head := l.head
	s.mu.Unlock()

	out := s.process(e, head)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()
	s.running--

	switch out.kind {
	case outcomeDone:
		l.entries[0] = nil
		l.entries = l.entries[1:]
		l.head = headState{}
		if e.msgID != "" {
			delete(s.held, e.msgID)
		}
		if e.cursor > 0 {
			delete(s.outstanding, e.cursor)
			s.advanceLocked()
		}
		if len(l.entries) == 0 {
			l.state = laneIdle
			if s.lanes[l.key] == l {
				delete(s.lanes, l.key)
			}
			return
		}
		if s.stopping {
			l.state = laneIdle
			return
		}
		s.enqueueLocked(l)

	case outcomeRetry:
		l.head = out.head
		s.waitLocked(l, out.delay)

	case outcomeAbandon:
		// left queued; Drain nacks it for redelivery
		l.state = laneIdle
	}
}

// advanceLocked moves the committed cursor to the lowest unfinished position
func (s *Subscription) advanceLocked() {
	c := s.highWater
	for pos := range s.outstanding {
		if pos < c {
			c = pos
		}
	}
	if c > s.committed {
		s.committed = c
	}
}

// latest returns the newest delivery handle of e
func (s *Subscription) latest(e *entry) Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.delivery
}

// process runs the pipeline for the head message of a lane
func (s *Subscription) process(e *entry, head headState) outcome {
	ctx := s.workCtx
	msg := s.latest(e).Message()

	if head.poison != nil {
		return s.deadLetter(ctx, e, *head.poison, head)
	}

	// a consumer never handles the notice of its own dead letters
	if msg.Topic == s.deadLetterTopic() {
		s.ack(s.latest(e))
		return outcome{kind: outcomeDone}
	}

	env, err := s.decode(msg)
	if err != nil {
		id, perr := uuid.Parse(msg.ID)
		if perr != nil {
			id = uuid.NewSHA1(uuid.NameSpaceOID, msg.Body)
		}
		now := time.Now().UTC()
		return s.deadLetter(ctx, e, deadletter.Record{
			EnvelopeID:    id,
			ConsumerID:    s.consumerID,
			Source:        deadletter.SourceConsumer,
			Raw:           msg.Body,
			Reason:        fmt.Sprintf("undecodable envelope: %v", err),
			Attempts:      1,
			FirstFailedAt: now,
			FailedAt:      now,
		}, head)
	}

	if target := env.Header(ReplayHeader); target != "" && target != s.consumerID {
		s.ack(s.latest(e))
		return outcome{kind: outcomeDone}
	}

	var handlerErr error
	applied, err := s.bus.inbox.Process(ctx, env.ID, s.consumerID, func(ctx context.Context) error {
		handlerErr = s.invoke(ctx, env)
		return handlerErr
	})

	if s.workCtx.Err() != nil {
		return outcome{kind: outcomeAbandon}
	}

	switch {
	case err == nil && applied:
		s.bus.metrics.handled.Add(ctx, 1, s.attrs)
		s.ack(s.latest(e))
		return outcome{kind: outcomeDone}

	case err == nil:
		s.logger.Debug("duplicate delivery short-circuited",
			"envelopeId", env.ID,
			"envelopeType", env.Type,
			"error", contracts.ErrDuplicateDelivery,
		)
		s.bus.metrics.duplicate.Add(ctx, 1, s.attrs)
		s.ack(s.latest(e))
		return outcome{kind: outcomeDone}

	case handlerErr != nil:
		return s.handlerFailed(ctx, e, env, msg, head, handlerErr)

	default:
		return s.infraFailed(ctx, env.Type, head, contracts.NewTransportError("inbox", env.Type, err))
	}
}

func (s *Subscription) decode(msg Message) (contracts.Envelope, error) {
	codec := s.bus.codec
	if msg.ContentType != "" && msg.ContentType != codec.ContentType() {
		codec = serialization.CodecFor(msg.ContentType)
	}
	return codec.Decode(msg.Body)
}

// invoke runs the handler chain under the per-message deadline
func (s *Subscription) invoke(ctx context.Context, env contracts.Envelope) (err error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.handlerTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()

	ack := s.handler.Handle(hctx, env)
	if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("handler exceeded its %s deadline", s.cfg.handlerTimeout)
	}
	return ack.Err()
}

func (s *Subscription) handlerFailed(ctx context.Context, e *entry, env contracts.Envelope, msg Message, head headState, cause error) outcome {
	attempt := head.attempts + 1
	now := time.Now().UTC()
	if head.firstFailedAt.IsZero() {
		head.firstFailedAt = now
	}
	head.attempts = attempt
	head.infraAttempts = 0

	if attempt < s.cfg.maxAttempts {
		delay := s.cfg.backoff.NextDelay(attempt)
		s.bus.metrics.retried.Add(ctx, 1, s.attrs)
		s.logger.Warn("handler failed, retrying",
			"envelopeId", env.ID,
			"envelopeType", env.Type,
			"partitionKey", env.PartitionKey,
			"attempt", attempt,
			"delay", delay,
			"error", cause,
		)
		if s.cfg.retryNotify != nil {
			s.cfg.retryNotify(env, attempt, delay, cause)
		}
		return outcome{kind: outcomeRetry, delay: delay, head: head}
	}

	return s.deadLetter(ctx, e, deadletter.Record{
		EnvelopeID:    env.ID,
		ConsumerID:    s.consumerID,
		Source:        deadletter.SourceConsumer,
		Envelope:      env,
		Raw:           msg.Body,
		Reason:        cause.Error(),
		Attempts:      attempt,
		FirstFailedAt: head.firstFailedAt,
		FailedAt:      now,
	}, head)
}

// infraFailed reschedules the head without spending a handler attempt
func (s *Subscription) infraFailed(ctx context.Context, topic string, head headState, err error) outcome {
	head.infraAttempts++
	delay := s.cfg.backoff.NextDelay(head.infraAttempts)
	s.bus.metrics.infraErrors.Add(ctx, 1, s.attrs)
	s.logger.Warn("infrastructure failure, retrying",
		"envelopeType", topic,
		"attempt", head.infraAttempts,
		"delay", delay,
		"error", err,
	)
	return outcome{kind: outcomeRetry, delay: delay, head: head}
}

// deadLetter stores the record, notifies and acknowledges so the partition
// moves on
func (s *Subscription) deadLetter(ctx context.Context, e *entry, rec deadletter.Record, head headState) outcome {
	if err := s.bus.deadLetters.Put(ctx, rec); err != nil {
		if s.workCtx.Err() != nil {
			return outcome{kind: outcomeAbandon}
		}
		head.poison = &rec
		return s.infraFailed(ctx, rec.Envelope.Type, head, contracts.NewTransportError("deadletter", rec.Envelope.Type, err))
	}

	poison := &contracts.PoisonMessageError{
		EnvelopeID: rec.EnvelopeID,
		ConsumerID: s.consumerID,
		Attempts:   rec.Attempts,
		Reason:     rec.Reason,
	}
	s.bus.metrics.deadLettered.Add(ctx, 1, s.attrs)
	s.logger.Error("message dead-lettered",
		"envelopeId", rec.EnvelopeID,
		"envelopeType", rec.Envelope.Type,
		"partitionKey", rec.Envelope.PartitionKey,
		"attempt", rec.Attempts,
		"error", poison,
	)

	s.notifyDeadLetter(ctx, rec)
	s.ack(s.latest(e))
	return outcome{kind: outcomeDone}
}

type deadLetterNotice struct {
	EnvelopeID   string `json:"envelope_id"`
	EnvelopeType string `json:"envelope_type,omitempty"`
	ConsumerID   string `json:"consumer_id"`
	Reason       string `json:"reason"`
	Attempts     int    `json:"attempts"`
}

func (s *Subscription) deadLetterTopic() string {
	return DeadLetterTopicPrefix + s.consumerID
}

// notifyDeadLetter publishes a notice unless the dead-lettered message is
// itself a notice, so a failing wildcard consumer cannot feed itself
func (s *Subscription) notifyDeadLetter(ctx context.Context, rec deadletter.Record) {
	if strings.HasPrefix(rec.Envelope.Type, DeadLetterTopicPrefix) {
		return
	}

	payload, err := json.Marshal(deadLetterNotice{
		EnvelopeID:   rec.EnvelopeID.String(),
		EnvelopeType: rec.Envelope.Type,
		ConsumerID:   s.consumerID,
		Reason:       rec.Reason,
		Attempts:     rec.Attempts,
	})
	if err != nil {
		return
	}

	key := rec.Envelope.PartitionKey
	if key == "" {
		key = s.consumerID
	}
	var opts []contracts.EnvelopeOption
	if rec.Envelope.ID != uuid.Nil {
		opts = append(opts, contracts.WithCausedBy(rec.Envelope))
	}
	notice := contracts.NewEvent(s.deadLetterTopic(), key, payload, opts...)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAckTimeout)
	defer cancel()
	if err := s.bus.Publish(pctx, notice); err != nil {
		s.logger.Warn("dead-letter notification not published", "envelopeId", rec.EnvelopeID, "error", err)
	}
}

func (s *Subscription) ack(d Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultAckTimeout)
	defer cancel()

	// a lost ack means a redelivery, which the inbox absorbs
	if err := d.Ack(ctx); err != nil {
		s.logger.Warn("ack failed", "messageId", d.Message().ID, "error", err)
	}
}

func (s *Subscription) nack(d Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultAckTimeout)
	defer cancel()

	if err := d.Nack(ctx, true); err != nil {
		s.logger.Warn("nack failed", "messageId", d.Message().ID, "error", err)
	}
}

// Pause stops workers from starting new messages. Deliveries keep
// queueing up to the prefetch window.
func (s *Subscription) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume undoes Pause
func (s *Subscription) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.cond.Broadcast()
}

// Cursor returns the committed position: every message before it was
// handled or dead-lettered
func (s *Subscription) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Stats returns a snapshot of the subscription
func (s *Subscription) Stats() SubscriptionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, l := range s.lanes {
		queued += len(l.entries)
	}
	return SubscriptionStats{
		ConsumerID: s.consumerID,
		Pattern:    s.pattern,
		Lanes:      len(s.lanes),
		Queued:     queued - s.running,
		InFlight:   s.running,
		Paused:     s.paused,
		Cursor:     s.committed,
	}
}

// Drain stops intake and waits for running handlers until ctx is done. It
// then cancels whatever still runs and nacks every queued message for
// redelivery. Nothing is acknowledged unless its handler completed or it
// was dead-lettered.
func (s *Subscription) Drain(ctx context.Context) error {
	s.drainOnce.Do(func() {
		s.drainErr = s.drain(ctx)
	})
	return s.drainErr
}

func (s *Subscription) drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.stopping = true
	for _, l := range s.lanes {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		if l.state != laneRunning {
			l.state = laneIdle
		}
	}
	s.ready = nil
	consumption := s.consumption
	s.cond.Broadcast()
	s.mu.Unlock()

	if consumption != nil {
		if err := consumption.Cancel(); err != nil {
			s.logger.Warn("failed to cancel consumption", "error", err)
		}
	}

	idle := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.running > 0 {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(idle)
	}()

	var err error
	clean := true
	select {
	case <-idle:
	case <-ctx.Done():
		err = fmt.Errorf("drain %s: %w", s.consumerID, ctx.Err())
		s.cancelWork()
		select {
		case <-idle:
		case <-time.After(forcedStopWait):
			clean = false
			s.logger.Warn("handler ignored cancellation; its message will be redelivered")
		}
	}
	s.cancelWork()

	s.mu.Lock()
	var pending []Delivery
	for _, l := range s.lanes {
		for _, e := range l.entries {
			pending = append(pending, e.delivery)
		}
	}
	s.lanes = make(map[string]*lane)
	s.held = make(map[string]*entry)
	s.mu.Unlock()

	for _, d := range pending {
		s.nack(d)
	}

	if clean {
		s.workers.Wait()
	}
	s.bus.forget(s.consumerID)

	s.logger.Info("subscription drained", "nacked", len(pending), "cursor", s.Cursor())
	return err
}

// stopWorkers releases the worker pool of a subscription that never started
func (s *Subscription) stopWorkers() {
	s.mu.Lock()
	s.closed = true
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancelWork()
	s.workers.Wait()
}
