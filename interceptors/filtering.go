package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/cogbus/contracts"
)

// EnvelopeFilter decides whether an envelope reaches the handler
type EnvelopeFilter interface {
	// ShouldProcess returns true if the envelope should be processed
	ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error)
}

// EnvelopeFilterFunc is a function adapter for EnvelopeFilter
type EnvelopeFilterFunc func(ctx context.Context, env contracts.Envelope) (bool, error)

// ShouldProcess implements EnvelopeFilter
func (f EnvelopeFilterFunc) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// FilteringInterceptor acknowledges filtered envelopes without handling them
type FilteringInterceptor struct {
	filter EnvelopeFilter
	logger *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor. Skipped
// envelopes are logged at debug level when logger is set.
func NewFilteringInterceptor(filter EnvelopeFilter, logger *slog.Logger) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, logger: logger}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment {
	shouldProcess, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return contracts.NackErr(fmt.Errorf("filter error: %w", err))
	}

	if !shouldProcess {
		if i.logger != nil {
			i.logger.Debug("envelope filtered", "envelopeId", env.ID, "envelopeType", env.Type)
		}
		return contracts.Ack
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []EnvelopeFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...EnvelopeFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements EnvelopeFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, env)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []EnvelopeFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...EnvelopeFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements EnvelopeFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// TypeFilter lets only the listed envelope types through
type TypeFilter struct {
	allowed map[string]bool
}

// NewTypeFilter creates a filter that only allows specific envelope types
func NewTypeFilter(allowedTypes ...string) *TypeFilter {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	return &TypeFilter{allowed: allowed}
}

// ShouldProcess implements EnvelopeFilter
func (f *TypeFilter) ShouldProcess(_ context.Context, env contracts.Envelope) (bool, error) {
	return f.allowed[env.Type], nil
}

// HeaderFilter matches envelopes carrying a header with the given value
type HeaderFilter struct {
	key, value string
}

// NewHeaderFilter creates a header equality filter
func NewHeaderFilter(key, value string) *HeaderFilter {
	return &HeaderFilter{key: key, value: value}
}

// ShouldProcess implements EnvelopeFilter
func (f *HeaderFilter) ShouldProcess(_ context.Context, env contracts.Envelope) (bool, error) {
	return env.Header(f.key) == f.value, nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   EnvelopeFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition EnvelopeFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{condition: condition, interceptor: interceptor}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment {
	ok, err := i.condition.ShouldProcess(ctx, env)
	if err != nil {
		return contracts.NackErr(err)
	}
	if ok {
		return i.interceptor.Intercept(ctx, env, next)
	}
	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
