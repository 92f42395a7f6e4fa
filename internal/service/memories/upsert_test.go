package memories_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/config"
	"github.com/kioku-ai/kioku/internal/governance"
	"github.com/kioku-ai/kioku/internal/graph"
	"github.com/kioku-ai/kioku/internal/index"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/service/memories"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/testutil"
	"github.com/kioku-ai/kioku/internal/textutil"
)

const (
	tenant  = "default"
	project = "acme"
)

func testConfig() config.Config {
	return config.Config{
		Tenant:       tenant,
		CacheSize:    200,
		CacheTTL:     5 * time.Minute,
		DefaultLimit: 10,
		MaxGraphHops: 3,
	}
}

func newServiceWith(t *testing.T, provider embedding.Provider) (*memories.Service, *storage.Store) {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	logger := testutil.TestLogger()
	embedder := embedding.NewServiceWith(provider, logger)
	gov := governance.NewService(store, embedder, model.DefaultPolicy(), logger)
	gr := graph.NewService(store, logger)
	svc := memories.NewService(store, index.NewSearcher(store, logger), embedder, gov, gr, testConfig(), logger)
	return svc, store
}

func newService(t *testing.T) (*memories.Service, *storage.Store) {
	t.Helper()
	return newServiceWith(t, embedding.NewNoopProvider(1024))
}

func proposed(kind model.Kind, title, content string, tags ...string) model.ProposedItem {
	return model.ProposedItem{
		Kind:    kind,
		Project: project,
		Title:   title,
		Content: content,
		Tags:    tags,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestUpsertCreates(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	resp, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "edge gateway address", "the edge gateway lives at 10.0.0.1"),
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.ActionCreated, resp.Results[0].Action)
	assert.Equal(t, 1, resp.Results[0].Version)
	assert.Equal(t, "no_provider", resp.EmbeddingFallback)

	item, err := store.GetItem(ctx, tenant, resp.Results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, item.Status)
	assert.Equal(t, 0.5, item.UsefulnessScore)
	assert.Equal(t, 0.5, item.Confidence)
}

func TestUpsertIdempotentReassert(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	content := "the edge gateway lives at 10.0.0.1"
	first, err := svc.Upsert(ctx, []model.ProposedItem{proposed(model.KindFact, "edge gateway", content)})
	require.NoError(t, err)

	// Same content again refreshes metadata; the re-assert still bumps the
	// version.
	second, err := svc.Upsert(ctx, []model.ProposedItem{proposed(model.KindFact, "edge gateway", content, "network")})
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, model.ActionUpdated, second.Results[0].Action)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)
	assert.Equal(t, 2, second.Results[0].Version)

	item, err := store.GetItem(ctx, tenant, first.Results[0].ID)
	require.NoError(t, err)
	assert.True(t, item.Tags.Contains("network"))
}

func TestUpsertSameTitleNewContent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "edge gateway", "the gateway is 10.0.0.1"),
	})
	require.NoError(t, err)

	second, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "edge gateway", "the gateway moved to 10.0.0.254"),
	})
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, model.ActionContentUpdated, second.Results[0].Action)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)
	assert.Equal(t, 2, second.Results[0].Version)

	// The previous content was snapshotted.
	history, err := store.ItemHistory(ctx, first.Results[0].ID, 20)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Contains(t, history[0].Content, "10.0.0.1")
}

func TestUpsertFuzzyTitleMerges(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "rotate postgres credentials vault quarterly", "rotation happens every quarter"),
	})
	require.NoError(t, err)

	second, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "rotate postgres credentials vault monthly", "rotation moved to a monthly cadence"),
	})
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, model.ActionFuzzyUpdated, second.Results[0].Action)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)
}

func TestUpsertOutcomeMarkerBlocksFuzzy(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindEpisode, "[success] deploy frontend assets", "Command: make deploy\n## OUTCOME\nassets live"),
	})
	require.NoError(t, err)

	// A failed attempt at the same task is a separate episode, never a merge.
	second, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindEpisode, "[failed] deploy frontend assets", "Command: make deploy\n## OUTCOME\nassets 404"),
	})
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, model.ActionCreated, second.Results[0].Action)
	assert.NotEqual(t, first.Results[0].ID, second.Results[0].ID)
}

func TestUpsertConcurrentIdenticalWrites(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	batch := []model.ProposedItem{
		proposed(model.KindFact, "edge gateway address", "the edge gateway lives at 10.0.0.1"),
	}

	// The per-project lock serializes the writers; the idempotency gate
	// turns the followers into version bumps on the same row.
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Upsert(ctx, batch)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := store.CountItems(ctx, storage.ItemFilter{
		Tenant: tenant, Project: project,
		Statuses: []model.Status{model.StatusActive, model.StatusQuarantined, model.StatusDeprecated, model.StatusDeleted},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	items, err := store.ListItems(ctx, storage.ItemFilter{Tenant: tenant, Project: project}, "updated_at", "DESC", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Version)
	assert.Equal(t, model.StatusActive, items[0].Status)
}

func TestUpsertFormatErrorBlocksBatch(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "good fact", "this one is fine"),
		proposed(model.KindRunbook, "broken runbook", "just prose, no commands"),
	})
	require.Error(t, err)

	var formatErr *memories.FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.Contains(t, formatErr.Offenders, "broken runbook")

	// The whole batch was blocked before any write.
	count, err := store.CountItems(ctx, storage.ItemFilter{Tenant: tenant, Project: project})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpsertRejectsInvalidItems(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, nil)
	assert.Error(t, err)

	_, err = svc.Upsert(ctx, []model.ProposedItem{{Kind: model.KindFact, Project: project, Content: "no title"}})
	assert.Error(t, err)

	bad := 1.5
	_, err = svc.Upsert(ctx, []model.ProposedItem{{
		Kind: model.KindFact, Project: project, Title: "t", Content: "c", Confidence: &bad,
	}})
	assert.Error(t, err)
}

func TestUpsertSuccessScores(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	win := proposed(model.KindFact, "working probe", "curl against the health endpoint works")
	win.Success = boolPtr(true)
	lose := proposed(model.KindEpisode, "[failed] probe internal api", "Command: curl -s http://api/items\n## OUTCOME\n500")
	lose.Success = boolPtr(false)

	resp, err := svc.Upsert(ctx, []model.ProposedItem{win, lose})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	fact, err := store.GetItem(ctx, tenant, resp.Results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1.5, fact.UsefulnessScore)

	episode, err := store.GetItem(ctx, tenant, resp.Results[1].ID)
	require.NoError(t, err)
	assert.InDelta(t, -0.3, episode.UsefulnessScore, 1e-9)
}

func TestUpsertShortStateWarns(t *testing.T) {
	svc, _ := newService(t)

	resp, err := svc.Upsert(context.Background(), []model.ProposedItem{
		proposed(model.KindState, "current focus", "auth wip"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Warnings)
	assert.Equal(t, model.ActionCreated, resp.Results[0].Action)
}

// seedItem writes directly through the store, bypassing the upsert gates.
func seedItem(t *testing.T, store *storage.Store, kind model.Kind, title, content string) *model.MemoryItem {
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
