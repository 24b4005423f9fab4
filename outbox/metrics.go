package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	eventsPublished    metric.Int64Counter
	eventsRetried      metric.Int64Counter
	eventsFailed       metric.Int64Counter
	eventsDeadLettered metric.Int64Counter
	eventsStateFailed  metric.Int64Counter
	relayLatency       metric.Float64Histogram
	backlog            metric.Int64ObservableGauge
}

func newRelayMetrics(provider metric.MeterProvider, store Store) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("cogbus.outbox.relay")

	var (
		metrics relayMetrics
		err     error
	)

	metrics.eventsPublished, err = meter.Int64Counter(
		"outbox.events.published",
		metric.WithDescription("Number of outbox events confirmed by the broker"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.published counter: %w", err)
	}

	metrics.eventsRetried, err = meter.Int64Counter(
		"outbox.events.retried",
		metric.WithDescription("Number of outbox publish attempts rescheduled with backoff"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.retried counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of outbox publish attempts that failed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.eventsDeadLettered, err = meter.Int64Counter(
		"outbox.events.dead_lettered",
		metric.WithDescription("Number of outbox events moved to Failed after exhausting their attempts"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.dead_lettered counter: %w", err)
	}

	metrics.eventsStateFailed, err = meter.Int64Counter(
		"outbox.events.state_update_failed",
		metric.WithDescription("Number of outbox events published but not persisted as published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.state_update_failed counter: %w", err)
	}

	metrics.relayLatency, err = meter.Float64Histogram(
		"outbox.relay.latency",
		metric.WithDescription("Time taken per relay cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.latency histogram: %w", err)
	}

	metrics.backlog, err = meter.Int64ObservableGauge(
		"outbox.backlog",
		metric.WithDescription("Number of pending outbox records per partition"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			backlog, err := store.Backlog(ctx)
			if err != nil {
				return err
			}
			for key, n := range backlog {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("partition_key", key)))
			}
			return nil
		}),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.backlog gauge: %w", err)
	}

	return metrics, nil
}
