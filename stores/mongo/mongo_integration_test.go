//go:build integration

package mongo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/internal/testinfra"
)

func setupDatabase(t *testing.T) *Database {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, err := Connect(ctx, testinfra.Mongo(t), WithDatabase("cogbus_test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Disconnect(context.Background()) })
	return db
}

func TestIntegration_InboxStore(t *testing.T) {
	db := setupDatabase(t)
	store := NewInboxStore(db)
	ctx := context.Background()
	require.NoError(t, store.EnsureIndexes(ctx))

	t.Run("applies once and commits side effects with the mark", func(t *testing.T) {
		id := uuid.New()
		projections := db.Client().Database("cogbus_test").Collection("projections")

		for i := 0; i < 2; i++ {
			applied, err := store.Process(ctx, id, "projector", func(ctx context.Context) error {
				_, err := projections.InsertOne(ctx, bson.M{"envelopeId": id.String()})
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, i == 0, applied)
		}

		n, err := projections.CountDocuments(ctx, bson.M{"envelopeId": id.String()})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("a failed side effect rolls back", func(t *testing.T) {
		id := uuid.New()
		projections := db.Client().Database("cogbus_test").Collection("projections")
		boom := errors.New("handler failed")

		applied, err := store.Process(ctx, id, "projector", func(ctx context.Context) error {
			_, err := projections.InsertOne(ctx, bson.M{"envelopeId": id.String()})
			require.NoError(t, err)
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, applied)

		n, err := projections.CountDocuments(ctx, bson.M{"envelopeId": id.String()})
		require.NoError(t, err)
		assert.Zero(t, n)

		done, err := store.AlreadyProcessed(ctx, id, "projector")
		require.NoError(t, err)
		assert.False(t, done)
	})

	t.Run("concurrent deliveries apply once", func(t *testing.T) {
		id := uuid.New()
		var calls atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Process(ctx, id, "projector", func(ctx context.Context) error {
					calls.Add(1)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		done, err := store.AlreadyProcessed(ctx, id, "projector")
		require.NoError(t, err)
		assert.True(t, done)
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("mark and purge", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, store.MarkProcessed(ctx, id, "auditor"))
		require.NoError(t, store.MarkProcessed(ctx, id, "auditor"))

		n, err := store.Purge(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
	})
}

func TestIntegration_DeadLetterStore(t *testing.T) {
	db := setupDatabase(t)
	store := NewDeadLetterStore(db)
	ctx := context.Background()
	require.NoError(t, store.EnsureIndexes(ctx))

	env := contracts.NewEvent("event.artifact.updated", "artifact-1", []byte(`{}`))
	first := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Put(ctx, deadletter.Record{
		EnvelopeID: env.ID, ConsumerID: "projector", Source: deadletter.SourceConsumer,
		Envelope: env, Reason: "first", Attempts: 5, FailedAt: first,
	}))
	require.NoError(t, store.Put(ctx, deadletter.Record{
		EnvelopeID: env.ID, ConsumerID: "projector", Source: deadletter.SourceConsumer,
		Envelope: env, Reason: "second", Attempts: 5, FailedAt: first.Add(time.Second),
	}))
	require.NoError(t, store.Put(ctx, deadletter.Record{
		EnvelopeID: env.ID, Source: deadletter.SourceOutbox,
		Envelope: env, Reason: "broker down", Attempts: 10, FailedAt: first.Add(2 * time.Second),
	}))

	t.Run("get returns every consumer", func(t *testing.T) {
		records, err := store.Get(ctx, env.ID)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "second", records[0].Reason)
		assert.True(t, first.Equal(records[0].FirstFailedAt), "first failure time is kept")
		assert.Equal(t, env, records[0].Envelope)
	})

	t.Run("list filters", func(t *testing.T) {
		records, err := store.List(ctx, deadletter.Filter{Source: deadletter.SourceOutbox})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Empty(t, records[0].ConsumerID)

		records, err = store.List(ctx, deadletter.Filter{Type: "event.artifact.updated", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, env.ID, "projector"))
		assert.ErrorIs(t, store.Delete(ctx, env.ID, "projector"), deadletter.ErrNotFound)

		_, err := store.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, deadletter.ErrNotFound)
	})
}
