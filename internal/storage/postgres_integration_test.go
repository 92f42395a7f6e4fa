package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/index"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/testutil"
)

// TestPostgresBackend runs the write path and the tsvector keyword path
// against a real Postgres container. Opt in with KIOKU_TEST_POSTGRES=1;
// requires a local Docker daemon.
func TestPostgresBackend(t *testing.T) {
	if os.Getenv("KIOKU_TEST_POSTGRES") == "" {
		t.Skip("set KIOKU_TEST_POSTGRES=1 to run the postgres integration test")
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	ctx := context.Background()
	logger := testutil.TestLogger()
	store, err := tc.NewStore(ctx, logger)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, storage.BackendPostgres, store.Backend())

	item := newItem(model.KindRunbook, "Rotate postgres credentials", "Command: psql\nStep 1: alter role")
	require.NoError(t, store.InsertItem(ctx, item))

	got, err := store.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Title, got.Title)

	// Keyword ranking through to_tsvector instead of FTS5.
	searcher := index.NewSearcher(store, logger)
	hits, err := searcher.Keyword(ctx, tenant, project, "rotate credentials", nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, item.ID, hits[0].ID)

	// Content update bumps the version on this backend too.
	got.Content = "Command: psql\nStep 1: alter role\nStep 2: update the secret store"
	require.NoError(t, store.UpdateItemContent(ctx, &got))
	assert.Equal(t, 2, got.Version)

	// Quarantined rows stay retrievable for the excluded sidecar; deleted
	// rows drop out of keyword search.
	require.NoError(t, store.SetStatus(ctx, item.ID, model.StatusQuarantined, "unreliable"))
	hits, err = searcher.Keyword(ctx, tenant, project, "rotate credentials", nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, item.ID, hits[0].ID)

	require.NoError(t, store.SetStatus(ctx, item.ID, model.StatusDeleted, "cleanup"))
	hits, err = searcher.Keyword(ctx, tenant, project, "rotate credentials", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
