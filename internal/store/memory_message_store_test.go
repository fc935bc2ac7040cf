package store_test

import (
	"context"
	"testing"
	"time"

	"go-dm/internal/idgen"
	"go-dm/internal/models"
	"go-dm/internal/store"
	"go-dm/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMessageStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.MessageStoreInterface {
		return store.NewMemoryMessageStore(nil)
	})
}

func TestMemoryStoreTiesBrokenByID(t *testing.T) {
	frozen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := store.NewMemoryMessageStore(idgen.NewWithClock(func() time.Time { return frozen }))
	ctx := context.Background()

	var want []string
	for i := 0; i < 20; i++ {
		c, _ := models.TextContent("same ms")
		m, _, err := s.Append(ctx, &models.Draft{Sender: "a", Recipient: "b", Content: c})
		require.NoError(t, err)
		assert.True(t, m.CreatedAt.Equal(frozen))
		want = append(want, m.ID)
	}
	got, err := s.VisibleBetween(ctx, "b", "a", "b")
	require.NoError(t, err)
	require.Len(t, got, 20)
	for i, m := range got {
		assert.Equal(t, want[i], m.ID)
	}
}

func TestMemoryStoreClearSnapshot(t *testing.T) {
	s := store.NewMemoryMessageStore(nil)
	ctx := context.Background()
	c, _ := models.TextContent("x")

	_, _, err := s.Append(ctx, &models.Draft{Sender: "a", Recipient: "b", Content: c})
	require.NoError(t, err)
	res, err := s.BulkSoftDelete(ctx, "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Hidden)

	_, err = s.BulkSoftDelete(ctx, "a", "b", "z")
	assert.Error(t, err)
}
