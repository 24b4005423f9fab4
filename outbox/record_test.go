package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cogbus/contracts"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusPublished, true},
		{StatusPending, StatusPending, true},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusPublished, false},
		{StatusPublished, StatusPending, false},
		{StatusPublished, StatusFailed, false},
		{StatusPublished, StatusPublished, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))

			err := ValidateTransition(tt.from, tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("FAILED")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s)

	_, err = ParseStatus("DONE")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRecordDue(t *testing.T) {
	rec := NewRecord(contracts.NewEvent("artifact.created", "artifact-1", nil))
	now := rec.NextAttemptAt

	assert.True(t, rec.Due(now))
	assert.Equal(t, "artifact-1", rec.PartitionKey())

	rec.NextAttemptAt = now.Add(time.Second)
	assert.False(t, rec.Due(now))

	rec.NextAttemptAt = now
	rec.Status = StatusFailed
	assert.False(t, rec.Due(now))
}

func TestEnqueueEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("stages a validated event", func(t *testing.T) {
		store := NewMemoryStore()
		id, err := EnqueueEvent(ctx, store, "conversation-9", "conversation.created", []byte(`{}`))
		require.NoError(t, err)

		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, rec.Status)
		assert.Equal(t, contracts.KindEvent, rec.Envelope.Kind)
		assert.Equal(t, "conversation-9", rec.PartitionKey())
	})

	t.Run("rejects events without a partition key", func(t *testing.T) {
		_, err := EnqueueEvent(ctx, NewMemoryStore(), "", "conversation.created", nil)
		assert.ErrorIs(t, err, contracts.ErrMissingPartitionKey)
	})

	t.Run("rejects commands", func(t *testing.T) {
		err := EnqueueEnvelopes(ctx, NewMemoryStore(), contracts.NewCommand("conversation.create", nil))
		assert.Error(t, err)
	})
}
