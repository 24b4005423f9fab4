package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/internal/reliability"
	"github.com/glimte/cogbus/messaging"
	"github.com/glimte/cogbus/outbox"
)

// DefaultGracePeriod bounds Shutdown when the caller's context has no deadline
const DefaultGracePeriod = 15 * time.Second

var (
	ErrAlreadyStarted  = errors.New("supervisor: already started")
	ErrStopped         = errors.New("supervisor: stopped")
	ErrUnknownConsumer = errors.New("supervisor: unknown consumer")
)

// SubscriptionSpec describes a durable subscription started by the supervisor
type SubscriptionSpec struct {
	Pattern    string
	ConsumerID string
	Handler    messaging.EventHandler
	Options    []messaging.SubscribeOption
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Supervisor owns the lifecycle of subscriptions and outbox relays
type Supervisor struct {
	bus         *messaging.Bus
	cursors     messaging.CursorStore
	policy      reliability.RetryPolicy
	grace       time.Duration
	closeBroker bool
	logger      *slog.Logger

	mu     sync.Mutex
	state  state
	specs  []SubscriptionSpec
	relays []*outbox.Relay
	subs   map[string]*messaging.Subscription

	group  *errgroup.Group
	runCtx context.Context
	cancel context.CancelFunc
}

// Option configures the supervisor
type Option func(*Supervisor)

// WithCursorStore persists subscription cursors across restarts
func WithCursorStore(store messaging.CursorStore) Option {
	return func(s *Supervisor) {
		if store != nil {
			s.cursors = store
		}
	}
}

// WithSubscribePolicy sets the retry policy used to establish subscriptions
func WithSubscribePolicy(policy reliability.RetryPolicy) Option {
	return func(s *Supervisor) {
		if policy != nil {
			s.policy = policy
		}
	}
}

// WithGracePeriod bounds the drain of a shutdown
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithoutBrokerClose leaves the broker open after Shutdown
func WithoutBrokerClose() Option {
	return func(s *Supervisor) {
		s.closeBroker = false
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a supervisor for the subscriptions of bus
func New(bus *messaging.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		bus:         bus,
		cursors:     messaging.NewMemoryCursorStore(),
		policy:      reliability.ConsumerPolicy(),
		grace:       DefaultGracePeriod,
		closeBroker: true,
		logger:      slog.Default(),
		subs:        make(map[string]*messaging.Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Register adds a subscription. Specs registered after Start are
// subscribed immediately.
func (s *Supervisor) Register(ctx context.Context, spec SubscriptionSpec) error {
	if spec.ConsumerID == "" {
		return messaging.ErrConsumerIDRequired
	}

	s.mu.Lock()
	switch s.state {
	case stateStopped:
		s.mu.Unlock()
		return ErrStopped
	case stateIdle:
		for _, existing := range s.specs {
			if existing.ConsumerID == spec.ConsumerID {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s", messaging.ErrDuplicateSubscription, spec.ConsumerID)
			}
		}
		s.specs = append(s.specs, spec)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.subscribe(ctx, spec); err != nil {
		return err
	}
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.mu.Unlock()
	return nil
}

// AddRelay adds an outbox relay. Relays added after Start begin running
// immediately.
func (s *Supervisor) AddRelay(relay *outbox.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateStopped:
		return ErrStopped
	case stateRunning:
		s.runRelay(relay)
	}
	s.relays = append(s.relays, relay)
	return nil
}

// Start subscribes every registered spec from its saved cursor and starts
// the relays. A failed subscription stops everything started so far.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateRunning:
		s.mu.Unlock()
		return ErrAlreadyStarted
	case stateStopped:
		s.mu.Unlock()
		return ErrStopped
	}
	specs := append([]SubscriptionSpec(nil), s.specs...)
	s.mu.Unlock()

	for _, spec := range specs {
		if err := s.subscribe(ctx, spec); err != nil {
			s.drainAll(ctx)
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.group = &errgroup.Group{}
	s.state = stateRunning
	for _, relay := range s.relays {
		s.runRelay(relay)
	}

	s.logger.Info("supervisor started",
		"subscriptions", len(specs),
		"relays", len(s.relays),
	)
	return nil
}

// runRelay must be called with mu held while running
func (s *Supervisor) runRelay(relay *outbox.Relay) {
	ctx := s.runCtx
	s.group.Go(func() error {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, outbox.ErrRelayRunning) {
			return err
		}
		return nil
	})
}

func (s *Supervisor) subscribe(ctx context.Context, spec SubscriptionSpec) error {
	opts := append([]messaging.SubscribeOption(nil), spec.Options...)

	saved, err := s.cursors.Load(ctx, spec.ConsumerID)
	if err != nil {
		return fmt.Errorf("load cursor of %s: %w", spec.ConsumerID, err)
	}
	if saved > 0 {
		opts = append(opts, messaging.WithStartCursor(saved))
	}

	var sub *messaging.Subscription
	err = reliability.RetryNotify(ctx, s.policy, func() error {
		var serr error
		sub, serr = s.bus.Subscribe(ctx, spec.Pattern, spec.ConsumerID, spec.Handler, opts...)
		if serr == nil {
			return nil
		}
		var te *contracts.TransportError
		if errors.As(serr, &te) {
			return serr
		}
		return reliability.Permanent(serr)
	}, func(attempt int, delay time.Duration, err error) {
		s.logger.Warn("subscribe failed, retrying",
			"consumerId", spec.ConsumerID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", spec.ConsumerID, err)
	}

	s.mu.Lock()
	s.subs[spec.ConsumerID] = sub
	s.mu.Unlock()

	s.logger.Info("subscription started",
		"consumerId", spec.ConsumerID,
		"pattern", spec.Pattern,
		"cursor", saved,
	)
	return nil
}

// Pause stops handing new messages of a consumer to its handler
func (s *Supervisor) Pause(consumerID string) error {
	sub, err := s.lookup(consumerID)
	if err != nil {
		return err
	}
	sub.Pause()
	s.logger.Info("subscription paused", "consumerId", consumerID)
	return nil
}

// Resume undoes Pause
func (s *Supervisor) Resume(consumerID string) error {
	sub, err := s.lookup(consumerID)
	if err != nil {
		return err
	}
	sub.Resume()
	s.logger.Info("subscription resumed", "consumerId", consumerID)
	return nil
}

func (s *Supervisor) lookup(consumerID string) (*messaging.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[consumerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerID)
	}
	return sub, nil
}

// Subscriptions returns the running subscriptions ordered by consumer id
func (s *Supervisor) Subscriptions() []*messaging.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]*messaging.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].ConsumerID() < subs[j].ConsumerID()
	})
	return subs
}

// Running reports whether Start succeeded and Shutdown has not been called
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Shutdown stops the relays from claiming, drains every subscription
// within the grace period, persists cursors and closes the broker.
// Handlers still running when the grace period ends are cancelled and
// their messages are left for redelivery.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	relays := append([]*outbox.Relay(nil), s.relays...)
	group := s.group
	cancel := s.cancel
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, s.grace)
		defer stop()
	}

	s.logger.Info("supervisor shutting down")

	var errs []error
	for _, relay := range relays {
		relay.Stop()
	}
	for _, relay := range relays {
		if err := relay.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, s.drainAll(ctx)...)

	if s.closeBroker {
		if err := s.bus.Broker().Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("supervisor stopped with errors", "error", err)
	} else {
		s.logger.Info("supervisor stopped")
	}
	return err
}

// drainAll drains the subscriptions concurrently and saves their cursors
func (s *Supervisor) drainAll(ctx context.Context) []error {
	s.mu.Lock()
	subs := make([]*messaging.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*messaging.Subscription)
	s.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, sub := range subs {
		wg.Add(1)
		go func(sub *messaging.Subscription) {
			defer wg.Done()
			if err := sub.Drain(ctx); err != nil {
				record(err)
			}
			cursor := sub.Cursor()
			if cursor == 0 {
				return
			}
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := s.cursors.Save(saveCtx, sub.ConsumerID(), cursor); err != nil {
				record(fmt.Errorf("save cursor of %s: %w", sub.ConsumerID(), err))
			}
		}(sub)
	}
	wg.Wait()
	return errs
}

// Run starts the supervisor, waits for ctx and shuts down within the
// grace period
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
