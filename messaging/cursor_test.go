package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCursorStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCursorStore()

	c, err := store.Load(ctx, "search-indexer")
	require.NoError(t, err)
	assert.Zero(t, c)

	require.NoError(t, store.Save(ctx, "search-indexer", 7))
	require.NoError(t, store.Save(ctx, "search-indexer", 3))

	c, err = store.Load(ctx, "search-indexer")
	require.NoError(t, err)
	assert.Equal(t, Cursor(7), c, "cursors never move backwards")

	other, err := store.Load(ctx, "projector")
	require.NoError(t, err)
	assert.Zero(t, other)
}
