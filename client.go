// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cogbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/cogbus/admin"
	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/health"
	"github.com/glimte/cogbus/inbox"
	"github.com/glimte/cogbus/interceptors"
	"github.com/glimte/cogbus/messaging"
	"github.com/glimte/cogbus/outbox"
	"github.com/glimte/cogbus/serialization"
	"github.com/glimte/cogbus/supervisor"
	"github.com/glimte/cogbus/transports/memory"
)

var ErrInvalidConfig = errors.New("cogbus: invalid config")

// Client is the entry point of a cogbus process. It wires the dispatcher,
// the event bus, the outbox relay and the supervisor around one broker.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *messaging.Dispatcher
	bus        *messaging.Bus
	outbox     outbox.Store
	relay      *outbox.Relay
	supervisor *supervisor.Supervisor
	admin      *admin.Admin
	health     *health.Registry
}

// clientConfig holds client configuration
type clientConfig struct {
	cfg          Config
	logger       *slog.Logger
	provider     metric.MeterProvider
	codec        serialization.Codec
	inbox        inbox.Store
	deadLetters  deadletter.Store
	outbox       outbox.Store
	cursors      messaging.CursorStore
	interceptors []interceptors.Interceptor
	middleware   []messaging.MiddlewareFunc
	checkers     []health.Checker
	alert        outbox.AlertFunc
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithConfig replaces the default tunables
func WithConfig(cfg Config) ClientOption {
	return func(c *clientConfig) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeterProvider sets the meter provider for bus and relay metrics
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(c *clientConfig) {
		c.provider = provider
	}
}

// WithCodec sets the wire codec
func WithCodec(codec serialization.Codec) ClientOption {
	return func(c *clientConfig) {
		c.codec = codec
	}
}

// WithInbox sets the deduplication store of every subscription
func WithInbox(store inbox.Store) ClientOption {
	return func(c *clientConfig) {
		c.inbox = store
	}
}

// WithDeadLetters sets the dead-letter store shared by consumers and the relay
func WithDeadLetters(store deadletter.Store) ClientOption {
	return func(c *clientConfig) {
		c.deadLetters = store
	}
}

// WithOutbox enables the outbox relay over store
func WithOutbox(store outbox.Store) ClientOption {
	return func(c *clientConfig) {
		c.outbox = store
	}
}

// WithCursorStore persists subscription cursors across restarts
func WithCursorStore(store messaging.CursorStore) ClientOption {
	return func(c *clientConfig) {
		c.cursors = store
	}
}

// WithInterceptors wraps every event handler
func WithInterceptors(in ...interceptors.Interceptor) ClientOption {
	return func(c *clientConfig) {
		c.interceptors = append(c.interceptors, in...)
	}
}

// WithMiddleware wraps every command and query handler
func WithMiddleware(mw ...messaging.MiddlewareFunc) ClientOption {
	return func(c *clientConfig) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithHealthCheckers adds checks to the health registry, e.g. the stores
func WithHealthCheckers(checkers ...health.Checker) ClientOption {
	return func(c *clientConfig) {
		c.checkers = append(c.checkers, checkers...)
	}
}

// WithOutboxAlert is called when an outbox record is marked failed
func WithOutboxAlert(fn outbox.AlertFunc) ClientOption {
	return func(c *clientConfig) {
		c.alert = fn
	}
}

// NewClient wires a client around broker
func NewClient(broker messaging.Broker, options ...ClientOption) (*Client, error) {
	if broker == nil {
		return nil, messaging.ErrBrokerRequired
	}

	cc := &clientConfig{
		cfg:         DefaultConfig(),
		logger:      slog.Default(),
		inbox:       inbox.NewMemoryStore(),
		deadLetters: deadletter.NewMemoryStore(),
		cursors:     messaging.NewMemoryCursorStore(),
	}
	for _, opt := range options {
		opt(cc)
	}
	if err := cc.cfg.Validate(); err != nil {
		return nil, err
	}
	cfg := cc.cfg

	busOpts := []messaging.BusOption{
		messaging.WithInbox(cc.inbox),
		messaging.WithDeadLetters(cc.deadLetters),
		messaging.WithInterceptors(cc.interceptors...),
		messaging.WithBusLogger(cc.logger),
		messaging.WithSubscriptionDefaults(
			messaging.WithWorkers(cfg.Workers),
			messaging.WithPrefetch(cfg.Prefetch),
			messaging.WithMaxAttempts(cfg.ConsumerAttempts),
			messaging.WithHandlerTimeout(cfg.HandlerTimeout),
			messaging.WithBackoff(cfg.consumerBackoff()),
		),
	}
	if cc.codec != nil {
		busOpts = append(busOpts, messaging.WithCodec(cc.codec))
	}
	if cc.provider != nil {
		busOpts = append(busOpts, messaging.WithBusMeterProvider(cc.provider))
	}
	bus, err := messaging.NewBus(broker, busOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: cc.logger,
		dispatcher: messaging.NewDispatcher(
			messaging.WithDispatcherLogger(cc.logger),
			messaging.WithMiddleware(cc.middleware...),
		),
		bus:    bus,
		outbox: cc.outbox,
		health: health.NewRegistry(),
	}

	c.supervisor = supervisor.New(bus,
		supervisor.WithCursorStore(cc.cursors),
		supervisor.WithGracePeriod(cfg.GracePeriod),
		supervisor.WithLogger(cc.logger),
	)

	adminOpts := []admin.Option{
		admin.WithPublisher(bus),
		admin.WithLogger(cc.logger),
	}
	if lag, ok := broker.(admin.LagReporter); ok {
		adminOpts = append(adminOpts, admin.WithLagReporter(lag))
	}

	if cc.outbox != nil {
		relayOpts := []outbox.RelayOption{
			outbox.WithPollInterval(cfg.RelayPollInterval),
			outbox.WithBatchSize(cfg.RelayBatchSize),
			outbox.WithLease(cfg.RelayLease),
			outbox.WithLanes(cfg.RelayLanes),
			outbox.WithMaxAttempts(cfg.PublishAttempts),
			outbox.WithBackoff(cfg.publishBackoff()),
			outbox.WithDeadLetterStore(cc.deadLetters),
			outbox.WithRelayLogger(cc.logger),
		}
		if cc.provider != nil {
			relayOpts = append(relayOpts, outbox.WithMeterProvider(cc.provider))
		}
		if cc.alert != nil {
			relayOpts = append(relayOpts, outbox.WithAlert(cc.alert))
		}
		c.relay, err = outbox.NewRelay(cc.outbox, bus, relayOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create outbox relay: %w", err)
		}
		if err := c.supervisor.AddRelay(c.relay); err != nil {
			return nil, err
		}

		adminOpts = append(adminOpts, admin.WithOutbox(cc.outbox))
		c.health.Register(health.NewBacklogChecker(cc.outbox, cfg.BacklogThreshold))
	}
	c.admin = admin.New(cc.deadLetters, adminOpts...)

	if p, ok := broker.(messaging.Pinger); ok {
		c.health.Register(health.NewPingChecker("broker", p))
	}
	for _, checker := range cc.checkers {
		c.health.Register(checker)
	}

	return c, nil
}

// NewInProcessClient creates a client over an in-process broker, for tests
// and single-process deployments
func NewInProcessClient(options ...ClientOption) (*Client, error) {
	cc := &clientConfig{cfg: DefaultConfig(), logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	broker := memory.NewBroker(
		memory.WithAckTimeout(cc.cfg.AckTimeout),
		memory.WithCursorStore(cc.cursors),
		memory.WithLogger(cc.logger),
	)
	c, err := NewClient(broker, options...)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	return c, nil
}

// Dispatcher returns the command and query dispatcher for handler registration
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// Bus returns the event bus
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Admin returns the operator surface
func (c *Client) Admin() *admin.Admin {
	return c.admin
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Config returns the tunables the client was built with
func (c *Client) Config() Config {
	return c.cfg
}

// EnqueueEvent stages an event in the caller's unit of work. The relay
// publishes it once the unit of work has committed.
func (c *Client) EnqueueEvent(ctx context.Context, enq outbox.Enqueuer, partitionKey, eventType string, payload []byte, opts ...contracts.EnvelopeOption) (uuid.UUID, error) {
	id, err := outbox.EnqueueEvent(ctx, enq, partitionKey, eventType, payload, opts...)
	if err != nil {
		return uuid.Nil, err
	}
	if c.relay != nil {
		c.relay.Notify()
	}
	return id, nil
}

// Publish sends an event straight to the broker, skipping the outbox
func (c *Client) Publish(ctx context.Context, env contracts.Envelope) error {
	return c.bus.Publish(ctx, env)
}

// DispatchCommand runs the handler of a command on the caller's goroutine
// and returns its result
func (c *Client) DispatchCommand(ctx context.Context, commandType string, payload []byte, opts ...contracts.EnvelopeOption) (any, error) {
	return c.dispatcher.Dispatch(ctx, contracts.NewCommand(commandType, payload, opts...))
}

// RunQuery runs the handler of a query on the caller's goroutine
func (c *Client) RunQuery(ctx context.Context, queryType string, payload []byte, opts ...contracts.EnvelopeOption) (any, error) {
	return c.dispatcher.Query(ctx, contracts.NewQuery(queryType, payload, opts...))
}

// Subscribe registers a durable subscription. It starts with the client,
// or immediately when the client is already running.
func (c *Client) Subscribe(ctx context.Context, pattern, consumerID string, handler messaging.EventHandler, opts ...messaging.SubscribeOption) error {
	return c.supervisor.Register(ctx, supervisor.SubscriptionSpec{
		Pattern:    pattern,
		ConsumerID: consumerID,
		Handler:    handler,
		Options:    opts,
	})
}

// Pause stops handing messages to a consumer's handler
func (c *Client) Pause(consumerID string) error {
	return c.supervisor.Pause(consumerID)
}

// Resume undoes Pause
func (c *Client) Resume(consumerID string) error {
	return c.supervisor.Resume(consumerID)
}

// Start starts the subscriptions and the outbox relay
func (c *Client) Start(ctx context.Context) error {
	return c.supervisor.Start(ctx)
}

// Shutdown drains the subscriptions, stops the relay and closes the broker
func (c *Client) Shutdown(ctx context.Context) error {
	return c.supervisor.Shutdown(ctx)
}

// Run starts the client and shuts it down when ctx is done
func (c *Client) Run(ctx context.Context) error {
	return c.supervisor.Run(ctx)
}
