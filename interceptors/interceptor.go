package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/cogbus/contracts"
)

// Handler handles one delivered envelope and acknowledges the outcome
type Handler interface {
	Handle(ctx context.Context, env contracts.Envelope) contracts.Acknowledgment
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env contracts.Envelope) contracts.Acknowledgment

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env contracts.Envelope) contracts.Acknowledgment {
	return f(ctx, env)
}

// Interceptor processes envelopes before they reach the final handler
type Interceptor interface {
	// Intercept processes an envelope and calls the next handler in the chain
	Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds interceptors to the chain
func (c *InterceptorChain) Add(interceptors ...Interceptor) *InterceptorChain {
	for _, i := range interceptors {
		if i != nil {
			c.interceptors = append(c.interceptors, i)
		}
	}
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Names lists the interceptors in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, in := range c.interceptors {
		names[i] = in.Name()
	}
	return names
}

// Wrap returns final decorated with the whole chain
func (c *InterceptorChain) Wrap(final Handler) Handler {
	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, env contracts.Envelope) contracts.Acknowledgment {
			return interceptor.Intercept(ctx, env, next)
		})
	}
	return handler
}

// Execute executes the interceptor chain
func (c *InterceptorChain) Execute(ctx context.Context, env contracts.Envelope, final Handler) contracts.Acknowledgment {
	return c.Wrap(final).Handle(ctx, env)
}

// Built-in interceptors

// LoggingInterceptor logs envelope processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment {
	start := time.Now()

	i.logger.Debug("processing envelope",
		"envelopeId", env.ID,
		"envelopeType", env.Type,
		"partitionKey", env.PartitionKey,
		"correlationId", env.CorrelationID,
	)

	ack := next.Handle(ctx, env)
	duration := time.Since(start)

	if !ack.IsAck() {
		i.logger.Warn("envelope processing failed",
			"envelopeId", env.ID,
			"envelopeType", env.Type,
			"duration", duration,
			"error", ack.Reason(),
		)
	} else {
		i.logger.Info("envelope processed successfully",
			"envelopeId", env.ID,
			"envelopeType", env.Type,
			"duration", duration,
		)
	}

	return ack
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor turns handler panics into negative acknowledgments
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) (ack contracts.Acknowledgment) {
	defer func() {
		if p := recover(); p != nil {
			i.logger.Error("handler panicked",
				"envelopeId", env.ID,
				"envelopeType", env.Type,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			ack = contracts.Nack(fmt.Sprintf("handler panicked: %v", p))
		}
	}()

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// EnvelopeValidator validates envelopes before processing
type EnvelopeValidator interface {
	Validate(ctx context.Context, env contracts.Envelope) error
}

// ValidationInterceptor rejects envelopes that fail validation
type ValidationInterceptor struct {
	validator EnvelopeValidator
}

// NewValidationInterceptor creates a new validation interceptor. A nil
// validator checks the envelope's own invariants.
func NewValidationInterceptor(validator EnvelopeValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment {
	var err error
	if i.validator != nil {
		err = i.validator.Validate(ctx, env)
	} else {
		err = env.Validate()
	}
	if err != nil {
		return contracts.NackErr(fmt.Errorf("envelope validation failed: %w", err))
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
