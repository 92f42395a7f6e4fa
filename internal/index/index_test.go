package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/index"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/testutil"
	"github.com/kioku-ai/kioku/internal/textutil"
)

const (
	tenant  = "default"
	project = "acme"
)

func seed(t *testing.T, store *storage.Store, kind model.Kind, title, content string) *model.MemoryItem {
	t.Helper()
	now := time.Now().UTC()
	item := &model.MemoryItem{
		ID:          uuid.New(),
		Tenant:      tenant,
		Project:     project,
		Kind:        kind,
		Title:       title,
		Content:     content,
		Tags:        model.Tags{},
		Confidence:  0.5,
		Version:     1,
		Status:      model.StatusActive,
		ContentHash: textutil.ContentHash(content),
		CreatedAt:   now,
		UpdatedAt:   now,
		LastUsedAt:  now,
	}
	require.NoError(t, store.InsertItem(context.Background(), item))
	return item
}

func TestKeywordFTS(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	searcher := index.NewSearcher(store, testutil.TestLogger())
	ctx := context.Background()

	hit := seed(t, store, model.KindRunbook, "Rotate postgres credentials", "Command: psql\nStep 1: alter role")
	seed(t, store, model.KindFact, "Office wifi password", "in the wiki")

	hits, err := searcher.Keyword(ctx, tenant, project, "postgres credentials", nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, hit.ID, hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.LessOrEqual(t, hits[0].Score, 1.0)
}

func TestKeywordStatusVisibility(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	searcher := index.NewSearcher(store, testutil.TestLogger())
	ctx := context.Background()

	// Quarantined items stay retrievable; the search layer decides whether
	// they surface or land in the excluded sidecar.
	item := seed(t, store, model.KindFact, "flaky dns resolver", "resolver drops requests")
	require.NoError(t, store.SetStatus(ctx, item.ID, model.StatusQuarantined, "unreliable"))

	hits, err := searcher.Keyword(ctx, tenant, project, "dns resolver", nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, item.ID, hits[0].ID)

	// Deleted items leave the index entirely.
	require.NoError(t, store.SetStatus(ctx, item.ID, model.StatusDeleted, "gone"))
	hits, err = searcher.Keyword(ctx, tenant, project, "dns resolver", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKeywordKindFilter(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	searcher := index.NewSearcher(store, testutil.TestLogger())
	ctx := context.Background()

	seed(t, store, model.KindFact, "deploy notes", "deploy with care")
	runbook := seed(t, store, model.KindRunbook, "deploy runbook", "Command: make deploy\nStep 1")

	hits, err := searcher.Keyword(ctx, tenant, project, "deploy", []model.Kind{model.KindRunbook}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, runbook.ID, hits[0].ID)
}

func TestKeywordNoMatch(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	searcher := index.NewSearcher(store, testutil.TestLogger())
	ctx := context.Background()

	seed(t, store, model.KindFact, "gateway at 10.0.0.1", "edge gateway address")

	hits, err := searcher.Keyword(ctx, tenant, project, "kubernetes ingress", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorRanksByCosine(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	searcher := index.NewSearcher(store, testutil.TestLogger())
	ctx := context.Background()

	near := seed(t, store, model.KindFact, "near", "n")
	near.Embedding = model.SomeVector(pgvector.NewVector([]float32{1, 0, 0}))
	require.NoError(t, store.UpdateItemContent(ctx, near))

	far := seed(t, store, model.KindFact, "far", "f")
	far.Embedding = model.SomeVector(pgvector.NewVector([]float32{0, 1, 0}))
	require.NoError(t, store.UpdateItemContent(ctx, far))

	// Items without embeddings are skipped, not scored.
	seed(t, store, model.KindFact, "no vector", "nv")

	query := model.SomeVector(pgvector.NewVector([]float32{0.9, 0.1, 0}))
	hits, err := searcher.Vector(ctx, tenant, project, query, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestVectorInvalidQuery(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	searcher := index.NewSearcher(store, testutil.TestLogger())

	hits, err := searcher.Vector(context.Background(), tenant, project, model.NullVector{}, nil, nil, 10)
	require.NoError(t, err)
	assert.Nil(t, hits)
}
