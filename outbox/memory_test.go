package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cogbus/contracts"
)

func eventAt(key, eventType string, at time.Time) Record {
	env := contracts.NewEvent(eventType, key, []byte(`{}`), contracts.WithOccurredAt(at))
	rec := NewRecord(env)
	rec.NextAttemptAt = at
	return rec
}

func TestMemoryStoreClaim(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	t.Run("returns partitions in key and occurrence order", func(t *testing.T) {
		s := NewMemoryStore()
		e2 := eventAt("artifact-1", "artifact.updated", t0.Add(time.Second))
		e1 := eventAt("artifact-1", "artifact.created", t0)
		e3 := eventAt("artifact-2", "artifact.created", t0)
		require.NoError(t, s.Enqueue(ctx, e2, e3, e1))

		claimed, err := s.Claim(ctx, t0.Add(time.Minute), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		assert.Equal(t, e1.Envelope.ID, claimed[0].Envelope.ID)
		assert.Equal(t, e2.Envelope.ID, claimed[1].Envelope.ID)
		assert.Equal(t, e3.Envelope.ID, claimed[2].Envelope.ID)
	})

	t.Run("leased partitions are skipped until released", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Enqueue(ctx, eventAt("p", "x.y", t0)))
		now := t0.Add(time.Second)

		first, err := s.Claim(ctx, now, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := s.Claim(ctx, now, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, second)

		require.NoError(t, s.Release(ctx, "p"))
		third, err := s.Claim(ctx, now, 10, time.Minute)
		require.NoError(t, err)
		assert.Len(t, third, 1)
	})

	t.Run("an expired lease can be reclaimed", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Enqueue(ctx, eventAt("p", "x.y", t0)))

		_, err := s.Claim(ctx, t0, 10, time.Second)
		require.NoError(t, err)

		again, err := s.Claim(ctx, t0.Add(2*time.Second), 10, time.Second)
		require.NoError(t, err)
		assert.Len(t, again, 1)
	})

	t.Run("a head waiting on backoff blocks its partition only", func(t *testing.T) {
		s := NewMemoryStore()
		head := eventAt("slow", "x.y", t0)
		next := eventAt("slow", "x.y", t0.Add(time.Second))
		other := eventAt("fast", "x.y", t0)
		require.NoError(t, s.Enqueue(ctx, head, next, other))
		require.NoError(t, s.MarkRetry(ctx, head.Envelope.ID, 1, t0.Add(time.Hour), "broker down"))

		claimed, err := s.Claim(ctx, t0.Add(time.Minute), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, other.Envelope.ID, claimed[0].Envelope.ID)
	})

	t.Run("respects the limit", func(t *testing.T) {
		s := NewMemoryStore()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Enqueue(ctx, eventAt(fmt.Sprintf("p-%d", i), "x.y", t0)))
		}

		claimed, err := s.Claim(ctx, t0, 3, time.Minute)
		require.NoError(t, err)
		assert.Len(t, claimed, 3)
	})
}

func TestMemoryStoreTransitions(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	t.Run("published records never return to pending", func(t *testing.T) {
		s := NewMemoryStore()
		rec := eventAt("p", "x.y", t0)
		require.NoError(t, s.Enqueue(ctx, rec))
		require.NoError(t, s.MarkPublished(ctx, rec.Envelope.ID, t0))

		err := s.MarkRetry(ctx, rec.Envelope.ID, 1, t0, "late failure")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.ErrorIs(t, s.Requeue(ctx, rec.Envelope.ID), ErrInvalidTransition)

		got, err := s.Get(ctx, rec.Envelope.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPublished, got.Status)
		require.NotNil(t, got.PublishedAt)
	})

	t.Run("marking published twice is harmless", func(t *testing.T) {
		s := NewMemoryStore()
		rec := eventAt("p", "x.y", t0)
		require.NoError(t, s.Enqueue(ctx, rec))
		require.NoError(t, s.MarkPublished(ctx, rec.Envelope.ID, t0))
		assert.NoError(t, s.MarkPublished(ctx, rec.Envelope.ID, t0))
	})

	t.Run("failed records requeue with a fresh attempt budget", func(t *testing.T) {
		s := NewMemoryStore()
		rec := eventAt("p", "x.y", t0)
		require.NoError(t, s.Enqueue(ctx, rec))
		require.NoError(t, s.MarkFailed(ctx, rec.Envelope.ID, 10, "gone"))

		require.NoError(t, s.Requeue(ctx, rec.Envelope.ID))
		got, err := s.Get(ctx, rec.Envelope.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Zero(t, got.Attempts)
	})

	t.Run("pending records cannot be requeued", func(t *testing.T) {
		s := NewMemoryStore()
		rec := eventAt("p", "x.y", t0)
		require.NoError(t, s.Enqueue(ctx, rec))
		assert.ErrorIs(t, s.Requeue(ctx, rec.Envelope.ID), ErrInvalidTransition)
	})

	t.Run("unknown ids", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.Get(ctx, contracts.NewEvent("x.y", "p", nil).ID)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestMemoryStoreBacklogAndPurge(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore()

	a1 := eventAt("a", "x.y", t0)
	a2 := eventAt("a", "x.y", t0.Add(time.Second))
	b1 := eventAt("b", "x.y", t0)
	require.NoError(t, s.Enqueue(ctx, a1, a2, b1))
	require.NoError(t, s.MarkPublished(ctx, a1.Envelope.ID, t0))

	backlog, err := s.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, backlog)

	n, err := s.Purge(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.Records("a"), 1)

	_, err = s.Get(ctx, a1.Envelope.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestUnitOfWork(t *testing.T) {
	ctx := context.Background()

	t.Run("commit applies records and state together", func(t *testing.T) {
		s := NewMemoryStore()
		titles := map[string]string{}

		uow := s.Begin()
		id, err := EnqueueEvent(ctx, uow, "conversation-1", "conversation.title_updated", []byte(`{"title":"draft"}`))
		require.NoError(t, err)
		uow.OnCommit(func() { titles["conversation-1"] = "draft" })

		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, ErrRecordNotFound)
		assert.Empty(t, titles)

		require.NoError(t, uow.Commit(ctx))
		_, err = s.Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, "draft", titles["conversation-1"])

		assert.ErrorIs(t, uow.Commit(ctx), ErrUnitOfWorkDone)
	})

	t.Run("rollback discards everything", func(t *testing.T) {
		s := NewMemoryStore()
		applied := false

		uow := s.Begin()
		id, err := EnqueueEvent(ctx, uow, "conversation-1", "conversation.archived", nil)
		require.NoError(t, err)
		uow.OnCommit(func() { applied = true })
		uow.Rollback()

		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, ErrRecordNotFound)
		assert.False(t, applied)
		assert.ErrorIs(t, uow.Enqueue(ctx, NewRecord(contracts.NewEvent("x.y", "p", nil))), ErrUnitOfWorkDone)
	})

	t.Run("enqueueing the same envelope twice keeps one record", func(t *testing.T) {
		s := NewMemoryStore()
		rec := NewRecord(contracts.NewEvent("x.y", "p", nil))
		require.NoError(t, s.Enqueue(ctx, rec))
		require.NoError(t, s.Enqueue(ctx, rec))
		assert.Len(t, s.Records("p"), 1)
	})

	t.Run("concurrent commits on shared partitions do not deadlock", func(t *testing.T) {
		s := NewMemoryStore()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				uow := s.Begin()
				keys := []string{"a", "b"}
				if i%2 == 0 {
					keys = []string{"b", "a"}
				}
				for _, k := range keys {
					_, err := EnqueueEvent(ctx, uow, k, "x.y", nil)
					assert.NoError(t, err)
				}
				assert.NoError(t, uow.Commit(ctx))
			}(i)
		}
		wg.Wait()

		backlog, err := s.Backlog(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"a": 20, "b": 20}, backlog)
	})
}
