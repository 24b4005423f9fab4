package messaging

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type busMetrics struct {
	handled      metric.Int64Counter
	retried      metric.Int64Counter
	duplicate    metric.Int64Counter
	deadLettered metric.Int64Counter
	infraErrors  metric.Int64Counter
}

func newBusMetrics(provider metric.MeterProvider) (busMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("cogbus.messaging.bus")

	var (
		metrics busMetrics
		err     error
	)

	metrics.handled, err = meter.Int64Counter(
		"bus.deliveries.handled",
		metric.WithDescription("Number of deliveries applied and acknowledged"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.deliveries.handled counter: %w", err)
	}

	metrics.retried, err = meter.Int64Counter(
		"bus.deliveries.retried",
		metric.WithDescription("Number of handler failures rescheduled with backoff"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.deliveries.retried counter: %w", err)
	}

	metrics.duplicate, err = meter.Int64Counter(
		"bus.deliveries.duplicate",
		metric.WithDescription("Number of deliveries short-circuited by the inbox"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.deliveries.duplicate counter: %w", err)
	}

	metrics.deadLettered, err = meter.Int64Counter(
		"bus.deliveries.dead_lettered",
		metric.WithDescription("Number of deliveries dead-lettered after exhausting their attempts"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.deliveries.dead_lettered counter: %w", err)
	}

	metrics.infraErrors, err = meter.Int64Counter(
		"bus.deliveries.infrastructure_errors",
		metric.WithDescription("Number of deliveries delayed by inbox or dead-letter store failures"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.deliveries.infrastructure_errors counter: %w", err)
	}

	return metrics, nil
}
