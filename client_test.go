package cogbus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/health"
	"github.com/glimte/cogbus/messaging"
	"github.com/glimte/cogbus/outbox"
	"github.com/glimte/cogbus/transports/memory"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = 2 * time.Millisecond
	cfg.BackoffCap = 50 * time.Millisecond
	cfg.RelayPollInterval = 10 * time.Millisecond
	cfg.GracePeriod = time.Second
	return cfg
}

func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *memory.Broker) {
	t.Helper()
	broker := memory.NewBroker()
	client, err := NewClient(broker, append([]ClientOption{WithConfig(testConfig())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown(context.Background()) })
	return client, broker
}

type applied struct {
	mu   sync.Mutex
	seen []string
}

func (a *applied) add(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, s)
}

func (a *applied) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func TestConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		cfg := DefaultConfig()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 10, cfg.PublishAttempts)
		assert.Equal(t, 5, cfg.ConsumerAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
		assert.Equal(t, 30*time.Second, cfg.BackoffCap)
		assert.Equal(t, 15*time.Second, cfg.GracePeriod)
		assert.Equal(t, 2*time.Minute, cfg.AckTimeout)
	})

	t.Run("invalid fields are all reported", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Workers = 0
		cfg.BackoffCap = time.Millisecond
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "Workers")
		assert.Contains(t, err.Error(), "BackoffCap")

		_, err = NewClient(memory.NewBroker(), WithConfig(cfg))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("broker is required", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.ErrorIs(t, err, messaging.ErrBrokerRequired)
	})
}

func TestClientCommandsAndQueries(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	require.NoError(t, client.Dispatcher().RegisterCommandFunc("artifact.rename", func(_ context.Context, env contracts.Envelope) (any, error) {
		return "renamed to " + string(env.Payload), nil
	}))
	require.NoError(t, client.Dispatcher().RegisterQueryFunc("artifact.get", func(_ context.Context, env contracts.Envelope) (any, error) {
		return 42, nil
	}))

	t.Run("command runs its handler and returns the result", func(t *testing.T) {
		res, err := client.DispatchCommand(ctx, "artifact.rename", []byte("draft"))
		require.NoError(t, err)
		assert.Equal(t, "renamed to draft", res)
	})

	t.Run("query returns the result", func(t *testing.T) {
		res, err := client.RunQuery(ctx, "artifact.get", nil)
		require.NoError(t, err)
		assert.Equal(t, 42, res)
	})

	t.Run("missing handler is a NoHandlerError", func(t *testing.T) {
		_, err := client.DispatchCommand(ctx, "artifact.delete", nil)
		var nh *contracts.NoHandlerError
		require.ErrorAs(t, err, &nh)
		assert.Equal(t, "artifact.delete", nh.Type)
	})
}

func TestClientEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("events of one partition are applied in order", func(t *testing.T) {
		client, _ := newTestClient(t)
		got := &applied{}
		require.NoError(t, client.Subscribe(ctx, "artifact.*", "projector", messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
			got.add(env.PartitionKey + ":" + string(env.Payload))
			return nil
		})))
		require.NoError(t, client.Start(ctx))

		for _, e := range []struct{ key, payload string }{
			{"artifact-1", "E1"},
			{"artifact-2", "E3"},
			{"artifact-1", "E2"},
		} {
			require.NoError(t, client.Publish(ctx, contracts.NewEvent("artifact.updated", e.key, []byte(e.payload))))
		}

		require.Eventually(t, func() bool { return len(got.list()) == 3 }, waitFor, tick)
		var first []string
		for _, s := range got.list() {
			if strings.HasPrefix(s, "artifact-1:") {
				first = append(first, s)
			}
		}
		assert.Equal(t, []string{"artifact-1:E1", "artifact-1:E2"}, first)
	})

	t.Run("a flaky handler succeeds within its attempts with growing delays", func(t *testing.T) {
		client, _ := newTestClient(t)

		var calls atomic.Int32
		var delays []time.Duration
		var mu sync.Mutex
		require.NoError(t, client.Subscribe(ctx, "artifact.*", "projector",
			messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
				if calls.Add(1) <= 3 {
					return errors.New("projection store busy")
				}
				return nil
			}),
			messaging.WithRetryNotify(func(_ contracts.Envelope, _ int, delay time.Duration, _ error) {
				mu.Lock()
				defer mu.Unlock()
				delays = append(delays, delay)
			}),
		))
		require.NoError(t, client.Start(ctx))
		require.NoError(t, client.Publish(ctx, contracts.NewEvent("artifact.updated", "artifact-1", nil)))

		require.Eventually(t, func() bool { return calls.Load() == 4 }, waitFor, tick)
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, delays, 3)
		assert.Less(t, delays[0], delays[1])
		assert.Less(t, delays[1], delays[2])

		list, err := client.Admin().ListDeadLetters(ctx, deadletter.Filter{})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("a failing handler is dead-lettered and the partition continues", func(t *testing.T) {
		client, _ := newTestClient(t)
		got := &applied{}
		require.NoError(t, client.Subscribe(ctx, "artifact.*", "projector", messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
			if string(env.Payload) == "poison" {
				return errors.New("cannot project")
			}
			got.add(string(env.Payload))
			return nil
		})))
		require.NoError(t, client.Start(ctx))

		poison := contracts.NewEvent("artifact.updated", "artifact-1", []byte("poison"))
		require.NoError(t, client.Publish(ctx, poison))
		require.NoError(t, client.Publish(ctx, contracts.NewEvent("artifact.updated", "artifact-1", []byte("next"))))

		require.Eventually(t, func() bool { return len(got.list()) == 1 }, waitFor, tick)

		list, err := client.Admin().ListDeadLetters(ctx, deadletter.Filter{ConsumerID: "projector"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, poison.ID, list[0].EnvelopeID)
		assert.Equal(t, 5, list[0].Attempts)
		assert.Contains(t, list[0].Reason, "cannot project")
		assert.Equal(t, poison.Payload, list[0].Envelope.Payload)
	})

	t.Run("redelivering an applied envelope does not apply it again", func(t *testing.T) {
		client, broker := newTestClient(t)
		var calls atomic.Int32
		require.NoError(t, client.Subscribe(ctx, "artifact.*", "projector", messaging.HandleFunc(func(context.Context, contracts.Envelope) error {
			calls.Add(1)
			return nil
		})))
		require.NoError(t, client.Start(ctx))

		env := contracts.NewEvent("artifact.updated", "artifact-1", nil)
		require.NoError(t, client.Publish(ctx, env))
		require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

		require.NoError(t, broker.RedeliverMessage("projector", env.ID.String()))
		require.Eventually(t, func() bool {
			lag, err := client.Admin().Lag("projector")
			return err == nil && lag == 0
		}, waitFor, tick)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestClientOutbox(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	client, _ := newTestClient(t, WithOutbox(store), WithMeterProvider(provider))
	got := &applied{}
	require.NoError(t, client.Subscribe(ctx, "artifact.*", "projector", messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
		got.add(string(env.Payload))
		return nil
	})))
	require.NoError(t, client.Start(ctx))

	id, err := client.EnqueueEvent(ctx, store, "artifact-1", "artifact.created", []byte("staged"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.list()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, id)
		return err == nil && rec.Status == outbox.StatusPublished
	}, waitFor, tick)

	total, err := client.Admin().TotalBacklog(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	t.Run("metrics are recorded on the injected provider", func(t *testing.T) {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(ctx, &rm))
		names := map[string]bool{}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				names[m.Name] = true
			}
		}
		assert.True(t, names["outbox.events.published"])
		assert.True(t, names["bus.deliveries.handled"])
	})

	t.Run("health reports the broker and the backlog", func(t *testing.T) {
		report := client.Health().Check(ctx)
		assert.Equal(t, health.StatusHealthy, report.Status)
		assert.ElementsMatch(t, []string{"broker", "outbox_backlog"}, report.Names())
	})
}

func TestClientOutboxPreservesPartitionOrder(t *testing.T) {
	const (
		partitions = 10
		perKey     = 30
	)
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	client, _ := newTestClient(t, WithOutbox(store))

	var mu sync.Mutex
	order := map[string]map[string][]int{"projector": {}, "indexer": {}}
	handler := func(consumerID string) messaging.EventHandler {
		return messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
			if rand.Intn(5) == 0 {
				return errors.New("transient")
			}
			seq, err := strconv.Atoi(string(env.Payload))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			order[consumerID][env.PartitionKey] = append(order[consumerID][env.PartitionKey], seq)
			return nil
		})
	}
	require.NoError(t, client.Subscribe(ctx, "artifact.*", "projector", handler("projector"), messaging.WithWorkers(3), messaging.WithMaxAttempts(20)))
	require.NoError(t, client.Subscribe(ctx, "artifact.*", "indexer", handler("indexer"), messaging.WithWorkers(2), messaging.WithMaxAttempts(20)))
	require.NoError(t, client.Start(ctx))

	for seq := 0; seq < perKey; seq++ {
		for k := 0; k < partitions; k++ {
			_, err := client.EnqueueEvent(ctx, store, fmt.Sprintf("artifact-%d", k), "artifact.updated", []byte(strconv.Itoa(seq)))
			require.NoError(t, err)
		}
	}

	applied := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, keys := range order {
			for _, seqs := range keys {
				n += len(seqs)
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return applied() == 2*partitions*perKey }, 15*time.Second, 10*time.Millisecond)

	want := make([]int, perKey)
	for i := range want {
		want[i] = i
	}
	mu.Lock()
	defer mu.Unlock()
	for consumerID, keys := range order {
		assert.Len(t, keys, partitions, consumerID)
		for key, got := range keys {
			assert.Equal(t, want, got, "%s applied %s out of order", consumerID, key)
		}
	}
}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("subscriptions registered while running start immediately", func(t *testing.T) {
		client, _ := newTestClient(t)
		require.NoError(t, client.Start(ctx))

		got := &applied{}
		require.NoError(t, client.Subscribe(ctx, "artifact.#", "late", messaging.HandleFunc(func(_ context.Context, env contracts.Envelope) error {
			got.add(string(env.Payload))
			return nil
		})))
		require.NoError(t, client.Publish(ctx, contracts.NewEvent("artifact.updated", "artifact-1", []byte("x"))))
		require.Eventually(t, func() bool { return len(got.list()) == 1 }, waitFor, tick)
	})

	t.Run("shutdown reports unhealthy broker", func(t *testing.T) {
		client, _ := newTestClient(t)
		require.NoError(t, client.Start(ctx))
		require.NoError(t, client.Shutdown(ctx))

		report := client.Health().Check(ctx)
		assert.Equal(t, health.StatusUnhealthy, report.Status)
	})

	t.Run("in-process client", func(t *testing.T) {
		client, err := NewInProcessClient(WithConfig(testConfig()))
		require.NoError(t, err)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- client.Run(runCtx) }()

		require.Eventually(t, func() bool {
			return client.Publish(ctx, contracts.NewEvent("artifact.updated", "artifact-1", nil)) == nil
		}, waitFor, tick)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Run did not return")
		}
	})
}
