package interceptors

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/cogbus/contracts"
)

const instrumentationName = "github.com/glimte/cogbus/interceptors"

// TracingInterceptor starts a consumer span around every handled envelope
type TracingInterceptor struct {
	tracer trace.Tracer
}

// NewTracingInterceptor creates a tracing interceptor. A nil tracer uses the
// global tracer provider.
func NewTracingInterceptor(tracer trace.Tracer) *TracingInterceptor {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &TracingInterceptor{tracer: tracer}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment {
	spanCtx, span := i.tracer.Start(ctx, env.Type+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "cogbus"),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.destination.name", env.Type),
			attribute.String("messaging.message.id", env.ID.String()),
			attribute.String("messaging.message.conversation_id", env.CorrelationID.String()),
			attribute.String("cogbus.partition_key", env.PartitionKey),
			attribute.String("cogbus.kind", string(env.Kind)),
		),
	)
	defer span.End()

	ack := next.Handle(spanCtx, env)
	if !ack.IsAck() {
		span.RecordError(ack.Err())
		span.SetStatus(codes.Error, ack.Reason())
	}

	return ack
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}

// MetricsInterceptor records handler latency and outcomes
type MetricsInterceptor struct {
	duration metric.Float64Histogram
	nacks    metric.Int64Counter
}

// NewMetricsInterceptor creates a metrics interceptor. A nil provider uses the
// global meter provider.
func NewMetricsInterceptor(provider metric.MeterProvider) (*MetricsInterceptor, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	duration, err := meter.Float64Histogram(
		"bus.handler.duration",
		metric.WithDescription("Time spent in event handlers"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bus.handler.duration histogram: %w", err)
	}

	nacks, err := meter.Int64Counter(
		"bus.handler.nacks",
		metric.WithDescription("Number of handler executions that did not acknowledge"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bus.handler.nacks counter: %w", err)
	}

	return &MetricsInterceptor{duration: duration, nacks: nacks}, nil
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Acknowledgment {
	start := time.Now()
	ack := next.Handle(ctx, env)

	outcome := "ack"
	if !ack.IsAck() {
		outcome = "nack"
		i.nacks.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", env.Type)))
	}
	i.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("event_type", env.Type),
		attribute.String("outcome", outcome),
	))

	return ack
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}
