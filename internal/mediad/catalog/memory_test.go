package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediad/internal/mediad/catalog"
	"mediad/internal/mediad/ingest"
)

func TestMemory_AppendAndTotals(t *testing.T) {
	m := catalog.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AppendMedia(ctx, ingest.MediaRecord{ID: "m-1", Owner: "acct-1", Size: 100}))
	require.NoError(t, m.AppendMedia(ctx, ingest.MediaRecord{ID: "m-2", Owner: "acct-1", Size: 250}))
	require.NoError(t, m.AppendMedia(ctx, ingest.MediaRecord{ID: "m-3", Owner: "acct-2", Size: 999}))

	total, err := m.TotalBytes(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), total)

	total, err = m.TotalBytes(ctx, "acct-2")
	require.NoError(t, err)
	assert.Equal(t, int64(999), total)

	total, err = m.TotalBytes(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	records := m.ListMedia("acct-1")
	require.Len(t, records, 2)
	assert.Equal(t, "m-1", records[0].ID)

	// the returned slice is a copy
	records[0].ID = "mutated"
	assert.Equal(t, "m-1", m.ListMedia("acct-1")[0].ID)
}

func TestMemory_CancelledContext(t *testing.T) {
	m := catalog.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.AppendMedia(ctx, ingest.MediaRecord{ID: "m-1", Owner: "acct-1"})
	assert.Error(t, err)
}
