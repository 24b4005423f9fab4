package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/inbox"
	"github.com/glimte/cogbus/messaging"
	"github.com/glimte/cogbus/transports/memory"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// stepBackoff waits attempt*step so every retry waits longer than the last
type stepBackoff struct{ step time.Duration }

func (b stepBackoff) NextDelay(attempt int) time.Duration {
	return time.Duration(attempt) * b.step
}

type testBus struct {
	bus     *messaging.Bus
	broker  *memory.Broker
	inbox   *inbox.MemoryStore
	dlq     *deadletter.MemoryStore
	metrics *sdkmetric.ManualReader
}

func newTestBus(t *testing.T, opts ...messaging.BusOption) *testBus {
	t.Helper()

	tb := &testBus{
		broker:  memory.NewBroker(),
		inbox:   inbox.NewMemoryStore(),
		dlq:     deadletter.NewMemoryStore(),
		metrics: sdkmetric.NewManualReader(),
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(tb.metrics))

	all := append([]messaging.BusOption{
		messaging.WithInbox(tb.inbox),
		messaging.WithDeadLetters(tb.dlq),
		messaging.WithBusMeterProvider(provider),
		messaging.WithSubscriptionDefaults(messaging.WithBackoff(stepBackoff{step: 2 * time.Millisecond})),
	}, opts...)

	bus, err := messaging.NewBus(tb.broker, all...)
	require.NoError(t, err)
	tb.bus = bus

	t.Cleanup(func() { _ = tb.broker.Close() })
	return tb
}

func (tb *testBus) counter(name string) int64 {
	var rm metricdata.ResourceMetrics
	if err := tb.metrics.Collect(context.Background(), &rm); err != nil {
		return -1
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return -1
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func (tb *testBus) publish(t *testing.T, typ, key, payload string, opts ...contracts.EnvelopeOption) contracts.Envelope {
	t.Helper()
	env := contracts.NewEvent(typ, key, []byte(payload), opts...)
	require.NoError(t, tb.bus.Publish(context.Background(), env))
	return env
}

func (tb *testBus) subscribe(t *testing.T, pattern, consumerID string, handler messaging.EventHandler, opts ...messaging.SubscribeOption) *messaging.Subscription {
	t.Helper()
	sub, err := tb.bus.Subscribe(context.Background(), pattern, consumerID, handler, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sub.Drain(ctx)
	})
	return sub
}

// journal records handler activity in order
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

func (j *journal) has(entry string) bool {
	return slices.Contains(j.snapshot(), entry)
}

func (j *journal) index(entry string) int {
	return slices.Index(j.snapshot(), entry)
}

func TestBusPartitionOrdering(t *testing.T) {
	tb := newTestBus(t)
	var log journal
	release := make(chan struct{})

	tb.subscribe(t, "artifact.*", "projector", messaging.EventHandlerFunc(func(ctx context.Context, env contracts.Envelope) contracts.Acknowledgment {
		name := string(env.Payload)
		log.add("start:%s", name)
		if name == "E1" {
			<-release
		}
		log.add("done:%s", name)
		return contracts.Ack
	}), messaging.WithWorkers(4))

	tb.publish(t, "artifact.created", "artifact-1", "E1")
	tb.publish(t, "artifact.updated", "artifact-1", "E2")
	tb.publish(t, "artifact.created", "artifact-2", "E3")

	// another partition is not blocked by a slow one
	require.Eventually(t, func() bool { return log.has("start:E1") && log.has("done:E3") }, waitFor, tick)
	assert.False(t, log.has("start:E2"), "E2 must wait for E1")

	close(release)
	require.Eventually(t, func() bool { return log.has("done:E2") }, waitFor, tick)
	assert.Less(t, log.index("done:E1"), log.index("start:E2"))
}

func TestBusRetriesThenApplies(t *testing.T) {
	tb := newTestBus(t)

	var calls atomic.Int32
	var mu sync.Mutex
	var delays []time.Duration

	sub := tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(ctx context.Context, env contracts.Envelope) error {
		if calls.Add(1) <= 3 {
			return errors.New("store unavailable")
		}
		return nil
	}),
		messaging.WithMaxAttempts(5),
		messaging.WithRetryNotify(func(_ contracts.Envelope, attempt int, delay time.Duration, _ error) {
			mu.Lock()
			defer mu.Unlock()
			delays = append(delays, delay)
		}),
	)

	env := tb.publish(t, "artifact.created", "artifact-1", "E1")

	require.Eventually(t, func() bool { return tb.counter("bus.deliveries.handled") == 1 }, waitFor, tick)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, int64(3), tb.counter("bus.deliveries.retried"))

	mu.Lock()
	require.Len(t, delays, 3)
	assert.Less(t, delays[0], delays[1])
	assert.Less(t, delays[1], delays[2])
	mu.Unlock()

	done, err := tb.inbox.AlreadyProcessed(context.Background(), env.ID, "projector")
	require.NoError(t, err)
	assert.True(t, done)

	records, err := tb.dlq.Get(context.Background(), env.ID)
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
	assert.Empty(t, records)

	require.Eventually(t, func() bool { return sub.Cursor() == 2 }, waitFor, tick)
}

func TestBusDeadLettersAndContinues(t *testing.T) {
	tb := newTestBus(t)

	notices := make(chan contracts.Envelope, 4)
	tb.subscribe(t, "deadletter.#", "operator", messaging.EventHandlerFunc(func(_ context.Context, env contracts.Envelope) contracts.Acknowledgment {
		notices <- env
		return contracts.Ack
	}))

	var handled journal
	tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
		if string(env.Payload) == "poison" {
			return errors.New("cannot project")
		}
		handled.add("%s", env.Payload)
		return nil
	}), messaging.WithMaxAttempts(3))

	poison := tb.publish(t, "artifact.created", "artifact-1", "poison")
	tb.publish(t, "artifact.updated", "artifact-1", "next")

	require.Eventually(t, func() bool { return handled.has("next") }, waitFor, tick)

	records, err := tb.dlq.Get(context.Background(), poison.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "projector", rec.ConsumerID)
	assert.Equal(t, deadletter.SourceConsumer, rec.Source)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, poison.ID, rec.Envelope.ID)
	assert.Contains(t, rec.Reason, "cannot project")
	assert.False(t, rec.FirstFailedAt.After(rec.FailedAt))

	select {
	case notice := <-notices:
		assert.Equal(t, messaging.DeadLetterTopicPrefix+"projector", notice.Type)
		require.NotNil(t, notice.CausationID)
		assert.Equal(t, poison.ID, *notice.CausationID)

		var body map[string]any
		require.NoError(t, json.Unmarshal(notice.Payload, &body))
		assert.Equal(t, poison.ID.String(), body["envelope_id"])
		assert.Equal(t, float64(3), body["attempts"])
	case <-time.After(waitFor):
		t.Fatal("no dead-letter notification")
	}

	assert.Equal(t, int64(1), tb.counter("bus.deliveries.dead_lettered"))
}

func TestBusDeadLetterNoticesTerminate(t *testing.T) {
	failing := messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
		return errors.New("audit sink down")
	})

	t.Run("a failing wildcard consumer drops its own notice", func(t *testing.T) {
		tb := newTestBus(t)
		tb.subscribe(t, "#", "audit", failing, messaging.WithMaxAttempts(1))

		poison := tb.publish(t, "artifact.created", "artifact-1", "poison")

		require.Eventually(t, func() bool { return tb.dlq.Len() == 1 }, waitFor, tick)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, tb.dlq.Len())
		assert.Equal(t, 2, tb.broker.Len(), "the event and one notice")

		records, err := tb.dlq.Get(context.Background(), poison.ID)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("notices dead-lettered by another consumer raise no further notice", func(t *testing.T) {
		tb := newTestBus(t)
		tb.subscribe(t, "#", "audit-a", failing, messaging.WithMaxAttempts(1))
		tb.subscribe(t, "#", "audit-b", failing, messaging.WithMaxAttempts(1))

		tb.publish(t, "artifact.created", "artifact-1", "poison")

		// each consumer dead-letters the event and the other one's notice
		require.Eventually(t, func() bool { return tb.dlq.Len() == 4 }, waitFor, tick)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 4, tb.dlq.Len())
		assert.Equal(t, 3, tb.broker.Len(), "the event and one notice per consumer")
	})
}

func TestBusOrderingAcrossManyPartitions(t *testing.T) {
	const (
		partitions = 20
		perKey     = 50
		total      = partitions * perKey
	)

	tb := newTestBus(t)

	type consumer struct {
		mu    sync.Mutex
		order map[string][]int
	}
	record := func(c *consumer) messaging.EventHandler {
		return messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
			// one attempt in five fails and is retried within its lane
			if rand.Intn(5) == 0 {
				return errors.New("transient")
			}
			seq, err := strconv.Atoi(string(env.Payload))
			if err != nil {
				return err
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			c.order[env.PartitionKey] = append(c.order[env.PartitionKey], seq)
			return nil
		})
	}
	fast := &consumer{order: make(map[string][]int)}
	slow := &consumer{order: make(map[string][]int)}

	fastSub := tb.subscribe(t, "artifact.*", "projector", record(fast), messaging.WithWorkers(3), messaging.WithMaxAttempts(20))
	slowSub := tb.subscribe(t, "artifact.*", "indexer", record(slow), messaging.WithWorkers(2), messaging.WithMaxAttempts(20))
	slowSub.Pause()

	for seq := 0; seq < perKey; seq++ {
		for k := 0; k < partitions; k++ {
			tb.publish(t, "artifact.updated", fmt.Sprintf("artifact-%d", k), strconv.Itoa(seq))
		}
	}

	done := messaging.Cursor(total + 1)
	require.Eventually(t, func() bool { return fastSub.Cursor() == done }, 15*time.Second, 10*time.Millisecond)
	assert.Less(t, slowSub.Cursor(), done, "a paused consumer keeps its own cursor")

	slowSub.Resume()
	require.Eventually(t, func() bool { return slowSub.Cursor() == done }, 15*time.Second, 10*time.Millisecond)

	want := make([]int, perKey)
	for i := range want {
		want[i] = i
	}
	for name, c := range map[string]*consumer{"projector": fast, "indexer": slow} {
		c.mu.Lock()
		assert.Len(t, c.order, partitions, name)
		for key, got := range c.order {
			assert.Equal(t, want, got, "%s applied %s out of order", name, key)
		}
		c.mu.Unlock()
	}
	assert.Zero(t, tb.dlq.Len())
}

func TestBusRedeliveryIsDeduplicated(t *testing.T) {
	tb := newTestBus(t)

	var calls atomic.Int32
	tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
		calls.Add(1)
		return nil
	}))

	env := tb.publish(t, "artifact.created", "artifact-1", "E1")
	require.Eventually(t, func() bool { return tb.counter("bus.deliveries.handled") == 1 }, waitFor, tick)

	require.NoError(t, tb.broker.RedeliverMessage("projector", env.ID.String()))
	require.Eventually(t, func() bool { return tb.counter("bus.deliveries.duplicate") == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool {
		lag, err := tb.broker.Lag("projector")
		return err == nil && lag == 0
	}, waitFor, tick)
}

func TestBusReplayTargetsOneConsumer(t *testing.T) {
	tb := newTestBus(t)

	var first, second atomic.Int32
	tb.subscribe(t, "artifact.*", "search-indexer", messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
		first.Add(1)
		return nil
	}))
	tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
		second.Add(1)
		return nil
	}))

	tb.publish(t, "artifact.created", "artifact-1", "replayed", contracts.WithHeader(messaging.ReplayHeader, "projector"))

	require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		lag, err := tb.broker.Lag("search-indexer")
		return err == nil && lag == 0
	}, waitFor, tick)
	assert.Zero(t, first.Load())
}

func TestBusHandlerFailures(t *testing.T) {
	t.Run("result after the deadline counts as a failure", func(t *testing.T) {
		tb := newTestBus(t)
		tb.subscribe(t, "artifact.*", "slow", messaging.EventHandlerFunc(func(context.Context, contracts.Envelope) contracts.Acknowledgment {
			time.Sleep(50 * time.Millisecond)
			return contracts.Ack
		}), messaging.WithHandlerTimeout(10*time.Millisecond), messaging.WithMaxAttempts(1))

		env := tb.publish(t, "artifact.created", "artifact-1", "E1")

		require.Eventually(t, func() bool { return tb.dlq.Len() == 1 }, waitFor, tick)
		records, err := tb.dlq.Get(context.Background(), env.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Contains(t, records[0].Reason, "deadline")
		assert.Zero(t, tb.counter("bus.deliveries.handled"))
	})

	t.Run("a handler ignoring its deadline keeps its lane until it returns", func(t *testing.T) {
		tb := newTestBus(t)
		var log journal
		release := make(chan struct{})
		tb.subscribe(t, "artifact.*", "stubborn", messaging.EventHandlerFunc(func(_ context.Context, env contracts.Envelope) contracts.Acknowledgment {
			log.add("start:%s", env.Payload)
			if string(env.Payload) == "E1" {
				<-release
			}
			return contracts.Ack
		}), messaging.WithHandlerTimeout(10*time.Millisecond), messaging.WithMaxAttempts(1), messaging.WithWorkers(2))

		first := tb.publish(t, "artifact.created", "artifact-1", "E1")
		tb.publish(t, "artifact.updated", "artifact-1", "E2")

		require.Eventually(t, func() bool { return log.has("start:E1") }, waitFor, tick)
		time.Sleep(50 * time.Millisecond)
		assert.False(t, log.has("start:E2"), "E2 must wait for E1 to return")

		close(release)
		require.Eventually(t, func() bool { return log.has("start:E2") }, waitFor, tick)
		records, err := tb.dlq.Get(context.Background(), first.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Contains(t, records[0].Reason, "deadline")
	})

	t.Run("panic counts as a failure", func(t *testing.T) {
		tb := newTestBus(t)
		var calls atomic.Int32
		tb.subscribe(t, "artifact.*", "fragile", messaging.EventHandlerFunc(func(context.Context, contracts.Envelope) contracts.Acknowledgment {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return contracts.Ack
		}))

		tb.publish(t, "artifact.created", "artifact-1", "E1")
		require.Eventually(t, func() bool { return tb.counter("bus.deliveries.handled") == 1 }, waitFor, tick)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("undecodable message is dead-lettered", func(t *testing.T) {
		tb := newTestBus(t)
		var calls atomic.Int32
		tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
			calls.Add(1)
			return nil
		}))

		id := uuid.New()
		require.NoError(t, tb.broker.Publish(context.Background(), messaging.Message{
			ID:           id.String(),
			Topic:        "artifact.created",
			PartitionKey: "artifact-1",
			Body:         []byte("{not json"),
		}))

		require.Eventually(t, func() bool { return tb.dlq.Len() == 1 }, waitFor, tick)
		records, err := tb.dlq.Get(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, []byte("{not json"), records[0].Raw)
		assert.Contains(t, records[0].Reason, "undecodable")
		assert.Zero(t, calls.Load())
	})
}

// flakyInbox fails the first n Process calls before reaching the handler
type flakyInbox struct {
	*inbox.MemoryStore
	failures atomic.Int32
}

func (f *flakyInbox) Process(ctx context.Context, envelopeID uuid.UUID, consumerID string, fn func(ctx context.Context) error) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("connection reset")
	}
	return f.MemoryStore.Process(ctx, envelopeID, consumerID, fn)
}

func TestBusInfrastructureFailureKeepsAttempts(t *testing.T) {
	flaky := &flakyInbox{MemoryStore: inbox.NewMemoryStore()}
	flaky.failures.Store(3)
	tb := newTestBus(t, messaging.WithInbox(flaky))

	var calls atomic.Int32
	tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
		calls.Add(1)
		return nil
	}), messaging.WithMaxAttempts(1))

	tb.publish(t, "artifact.created", "artifact-1", "E1")

	require.Eventually(t, func() bool { return tb.counter("bus.deliveries.handled") == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(3), tb.counter("bus.deliveries.infrastructure_errors"))
	assert.Zero(t, tb.dlq.Len())
}

func TestBusPauseResume(t *testing.T) {
	tb := newTestBus(t)

	var calls atomic.Int32
	sub := tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
		calls.Add(1)
		return nil
	}))

	sub.Pause()
	tb.publish(t, "artifact.created", "artifact-1", "E1")

	require.Eventually(t, func() bool { return sub.Stats().Queued == 1 }, waitFor, tick)
	assert.True(t, sub.Stats().Paused)
	assert.Zero(t, calls.Load())

	sub.Resume()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	assert.False(t, sub.Stats().Paused)
}

func TestBusDrain(t *testing.T) {
	t.Run("waits for running handlers and nacks the rest", func(t *testing.T) {
		tb := newTestBus(t)
		var log journal
		release := make(chan struct{})

		sub, err := tb.bus.Subscribe(context.Background(), "artifact.*", "projector", messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
			log.add("start:%s", env.Payload)
			<-release
			log.add("done:%s", env.Payload)
			return nil
		}))
		require.NoError(t, err)

		tb.publish(t, "artifact.created", "artifact-1", "E1")
		tb.publish(t, "artifact.updated", "artifact-1", "E2")
		require.Eventually(t, func() bool { return log.has("start:E1") }, waitFor, tick)

		drained := make(chan error, 1)
		go func() { drained <- sub.Drain(context.Background()) }()

		time.Sleep(20 * time.Millisecond)
		close(release)
		require.NoError(t, <-drained)

		assert.True(t, log.has("done:E1"))
		assert.False(t, log.has("start:E2"))
		_, live := tb.bus.Subscription("projector")
		assert.False(t, live)

		// E2 was nacked and goes to the next consumer of the group
		var next atomic.Int32
		tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
			if string(env.Payload) == "E2" {
				next.Add(1)
			}
			return nil
		}))
		require.Eventually(t, func() bool { return next.Load() == 1 }, waitFor, tick)
	})

	t.Run("cancels handlers at the grace deadline", func(t *testing.T) {
		tb := newTestBus(t)
		started := make(chan struct{})

		sub, err := tb.bus.Subscribe(context.Background(), "artifact.*", "projector", messaging.HandleFunc(func(ctx context.Context, _ contracts.Envelope) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}))
		require.NoError(t, err)

		env := tb.publish(t, "artifact.created", "artifact-1", "E1")
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = sub.Drain(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// the interrupted message was neither applied nor dead-lettered
		done, perr := tb.inbox.AlreadyProcessed(context.Background(), env.ID, "projector")
		require.NoError(t, perr)
		assert.False(t, done)
		assert.Zero(t, tb.dlq.Len())

		lag, lerr := tb.broker.Lag("projector")
		require.NoError(t, lerr)
		assert.Equal(t, 1, lag)
	})

	t.Run("is idempotent", func(t *testing.T) {
		tb := newTestBus(t)
		sub, err := tb.bus.Subscribe(context.Background(), "artifact.*", "projector", messaging.HandleFunc(func(context.Context, contracts.Envelope) error { return nil }))
		require.NoError(t, err)

		require.NoError(t, sub.Drain(context.Background()))
		require.NoError(t, sub.Drain(context.Background()))
	})
}

func TestBusCursorAdvances(t *testing.T) {
	tb := newTestBus(t)
	sub := tb.subscribe(t, "artifact.*", "projector", messaging.HandleFunc(func(context.Context, contracts.Envelope) error { return nil }))

	for i := 0; i < 3; i++ {
		tb.publish(t, "artifact.created", fmt.Sprintf("artifact-%d", i), "E")
	}

	require.Eventually(t, func() bool { return sub.Cursor() == 4 }, waitFor, tick)
	stats := sub.Stats()
	assert.Equal(t, "projector", stats.ConsumerID)
	assert.Zero(t, stats.InFlight)
	assert.Zero(t, stats.Queued)
}

func TestBusSubscribeValidation(t *testing.T) {
	tb := newTestBus(t)
	noop := messaging.HandleFunc(func(context.Context, contracts.Envelope) error { return nil })

	_, err := tb.bus.Subscribe(context.Background(), "artifact..x", "c", noop)
	assert.ErrorIs(t, err, messaging.ErrInvalidPattern)

	_, err = tb.bus.Subscribe(context.Background(), "artifact.*", "", noop)
	assert.ErrorIs(t, err, messaging.ErrConsumerIDRequired)

	_, err = tb.bus.Subscribe(context.Background(), "artifact.*", "c", nil)
	assert.ErrorIs(t, err, messaging.ErrHandlerRequired)

	tb.subscribe(t, "artifact.*", "c", noop)
	_, err = tb.bus.Subscribe(context.Background(), "artifact.*", "c", noop)
	assert.ErrorIs(t, err, messaging.ErrDuplicateSubscription)

	_, err = messaging.NewBus(nil)
	assert.ErrorIs(t, err, messaging.ErrBrokerRequired)
}

func TestBusPublishValidates(t *testing.T) {
	tb := newTestBus(t)

	env := contracts.NewEvent("artifact.created", "", nil)
	err := tb.bus.Publish(context.Background(), env)
	assert.ErrorIs(t, err, contracts.ErrMissingPartitionKey)

	require.NoError(t, tb.broker.Close())
	err = tb.bus.Publish(context.Background(), contracts.NewEvent("artifact.created", "a", nil))
	var te *contracts.TransportError
	assert.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, messaging.ErrBrokerClosed)
}
