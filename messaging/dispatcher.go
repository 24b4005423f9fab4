package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/cogbus/contracts"
)

// RequestHandler processes a command or a query and returns its result
type RequestHandler interface {
	Handle(ctx context.Context, env contracts.Envelope) (any, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc func(ctx context.Context, env contracts.Envelope) (any, error)

// Handle implements RequestHandler
func (f RequestHandlerFunc) Handle(ctx context.Context, env contracts.Envelope) (any, error) {
	return f(ctx, env)
}

// MiddlewareFunc wraps command and query handlers
type MiddlewareFunc func(ctx context.Context, env contracts.Envelope, next RequestHandler) (any, error)

// Dispatcher routes commands and queries to exactly one handler each.
// Dispatch runs on the caller's goroutine, never retries and never commits;
// the caller owns the unit of work.
type Dispatcher struct {
	commands   map[string]RequestHandler
	queries    map[string]RequestHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	middleware []MiddlewareFunc
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMiddleware adds middleware to the dispatcher
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		commands: make(map[string]RequestHandler),
		queries:  make(map[string]RequestHandler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// RegisterCommand registers the handler of a command type
func (d *Dispatcher) RegisterCommand(commandType string, handler RequestHandler) error {
	return d.register(contracts.KindCommand, d.commands, commandType, handler)
}

// RegisterCommandFunc registers a function as a command handler
func (d *Dispatcher) RegisterCommandFunc(commandType string, handler RequestHandlerFunc) error {
	return d.RegisterCommand(commandType, handler)
}

// RegisterQuery registers the handler of a query type
func (d *Dispatcher) RegisterQuery(queryType string, handler RequestHandler) error {
	return d.register(contracts.KindQuery, d.queries, queryType, handler)
}

// RegisterQueryFunc registers a function as a query handler
func (d *Dispatcher) RegisterQueryFunc(queryType string, handler RequestHandlerFunc) error {
	return d.RegisterQuery(queryType, handler)
}

func (d *Dispatcher) register(kind contracts.Kind, table map[string]RequestHandler, messageType string, handler RequestHandler) error {
	if messageType == "" {
		return fmt.Errorf("%s type cannot be empty", kind)
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := table[messageType]; exists {
		return fmt.Errorf("%w: %s %q", contracts.ErrDuplicateHandler, kind, messageType)
	}
	table[messageType] = handler

	d.logger.Info("registered handler", "kind", kind, "messageType", messageType)
	return nil
}

// Validate reports every required command or query type without a handler.
// Call it at startup so routing misses surface before the first request.
func (d *Dispatcher) Validate(requiredCommands, requiredQueries []string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var errs []error
	for _, t := range requiredCommands {
		if _, ok := d.commands[t]; !ok {
			errs = append(errs, &contracts.NoHandlerError{Kind: contracts.KindCommand, Type: t})
		}
	}
	for _, t := range requiredQueries {
		if _, ok := d.queries[t]; !ok {
			errs = append(errs, &contracts.NoHandlerError{Kind: contracts.KindQuery, Type: t})
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs the handler of a command envelope and returns its result
func (d *Dispatcher) Dispatch(ctx context.Context, env contracts.Envelope) (any, error) {
	return d.route(ctx, contracts.KindCommand, d.commands, env)
}

// Query runs the handler of a query envelope and returns its result
func (d *Dispatcher) Query(ctx context.Context, env contracts.Envelope) (any, error) {
	return d.route(ctx, contracts.KindQuery, d.queries, env)
}

func (d *Dispatcher) route(ctx context.Context, kind contracts.Kind, table map[string]RequestHandler, env contracts.Envelope) (any, error) {
	if env.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s, got %q", contracts.ErrInvalidKind, kind, env.Kind)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	handler, exists := table[env.Type]
	d.mu.RUnlock()

	if !exists {
		d.logger.Warn("no handler registered", "kind", kind, "messageType", env.Type)
		return nil, &contracts.NoHandlerError{Kind: kind, Type: env.Type}
	}

	result, err := d.invoke(ctx, d.buildMiddlewareChain(handler), env)
	if err != nil {
		d.logger.Debug("handler failed",
			"kind", kind,
			"messageType", env.Type,
			"envelopeId", env.ID,
			"error", err,
		)
		return nil, &contracts.HandlerError{Type: env.Type, EnvelopeID: env.ID, Cause: err}
	}

	return result, nil
}

func (d *Dispatcher) invoke(ctx context.Context, handler RequestHandler, env contracts.Envelope) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("handler panicked", "messageType", env.Type, "envelopeId", env.ID, "panic", p)
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler.Handle(ctx, env)
}

// CommandTypes returns the registered command types, sorted
func (d *Dispatcher) CommandTypes() []string {
	return d.types(d.commands)
}

// QueryTypes returns the registered query types, sorted
func (d *Dispatcher) QueryTypes() []string {
	return d.types(d.queries)
}

func (d *Dispatcher) types(table map[string]RequestHandler) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(table))
	for t := range table {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// buildMiddlewareChain builds the middleware execution chain
func (d *Dispatcher) buildMiddlewareChain(handler RequestHandler) RequestHandler {
	// Build chain in reverse order
	result := handler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		middleware := d.middleware[i]
		next := result
		result = RequestHandlerFunc(func(ctx context.Context, env contracts.Envelope) (any, error) {
			return middleware(ctx, env, next)
		})
	}
	return result
}

// DispatchAs dispatches a command and asserts the result type
func DispatchAs[T any](ctx context.Context, d *Dispatcher, env contracts.Envelope) (T, error) {
	result, err := d.Dispatch(ctx, env)
	return as[T](env, result, err)
}

// QueryAs runs a query and asserts the result type
func QueryAs[T any](ctx context.Context, d *Dispatcher, env contracts.Envelope) (T, error) {
	result, err := d.Query(ctx, env)
	return as[T](env, result, err)
}

func as[T any](env contracts.Envelope, result any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("handler for %q returned %T, want %T", env.Type, result, zero)
	}
	return typed, nil
}
