package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/testutil"
	"github.com/kioku-ai/kioku/internal/textutil"
)

const (
	tenant  = "default"
	project = "acme"
)

func newItem(kind model.Kind, title, content string) *model.MemoryItem {
	now := time.Now().UTC()
	return &model.MemoryItem{
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
}

func mustInsert(t *testing.T, store *storage.Store, item *model.MemoryItem) {
	t.Helper()
	require.NoError(t, store.InsertItem(context.Background(), item))
}

func TestInsertAndGetItem(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	item := newItem(model.KindFact, "Bastion host address", "bastion is at 10.0.0.5")
	item.Tags = model.Tags{"network", "ssh"}
	mustInsert(t, store, item)

	got, err := store.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, model.Tags{"network", "ssh"}, got.Tags)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, 1, got.Version)

	_, err = store.GetItem(ctx, tenant, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindActiveByContentHashAndTitle(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	item := newItem(model.KindFact, "Proxy Config", "use squid on port 3128")
	mustInsert(t, store, item)

	byHash, err := store.FindActiveByContentHash(ctx, tenant, project, model.KindFact, item.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, item.ID, byHash.ID)

	// Title match is case-insensitive.
	byTitle, err := store.FindActiveByTitle(ctx, tenant, project, model.KindFact, "proxy config")
	require.NoError(t, err)
	assert.Equal(t, item.ID, byTitle.ID)

	// Non-active items are invisible to both gates.
	require.NoError(t, store.SetStatus(ctx, item.ID, model.StatusDeprecated, "superseded"))
	_, err = store.FindActiveByContentHash(ctx, tenant, project, model.KindFact, item.ContentHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindActiveByTitle(ctx, tenant, project, model.KindFact, "proxy config")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateItemContentBumpsVersion(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	item := newItem(model.KindState, "Current focus", "working on auth")
	mustInsert(t, store, item)

	item.Content = "working on storage"
	item.ContentHash = textutil.ContentHash(item.Content)
	require.NoError(t, store.UpdateItemContent(ctx, item))
	assert.Equal(t, 2, item.Version)

	got, err := store.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "working on storage", got.Content)
}

func TestTouchAndAdjustUsefulness(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	item := newItem(model.KindFact, "t", "c")
	item.UsefulnessScore = 4.995
	mustInsert(t, store, item)

	require.NoError(t, store.TouchItem(ctx, item.ID))
	got, err := store.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.UsefulnessScore)

	require.NoError(t, store.AdjustUsefulness(ctx, item.ID, -20))
	got, err = store.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.Equal(t, -5.0, got.UsefulnessScore)
}

func TestIncrementErrorCountClearsVerified(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	item := newItem(model.KindRunbook, "r", "Command: x\nStep 1")
	item.Verified = true
	mustInsert(t, store, item)

	count, err := store.IncrementErrorCount(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.False(t, got.Verified)
}

func TestListItemsFilterAndSort(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	a := newItem(model.KindFact, "alpha", "a")
	a.Tags = model.Tags{"infra"}
	b := newItem(model.KindDecision, "beta", "b")
	c := newItem(model.KindFact, "gamma", "c")
	c.Status = model.StatusQuarantined
	mustInsert(t, store, a)
	mustInsert(t, store, b)
	mustInsert(t, store, c)

	// Default filter sees only active items.
	items, err := store.ListItems(ctx, storage.ItemFilter{Tenant: tenant, Project: project}, "title", "ASC", 50, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].Title)
	assert.Equal(t, "beta", items[1].Title)

	// Kind filter.
	items, err = store.ListItems(ctx, storage.ItemFilter{
		Tenant: tenant, Project: project, Kinds: []model.Kind{model.KindDecision},
	}, "updated_at", "DESC", 50, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].ID)

	// Tag filter matches the serialized JSON array.
	items, err = store.ListItems(ctx, storage.ItemFilter{
		Tenant: tenant, Project: project, Tag: "infra",
	}, "updated_at", "DESC", 50, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].ID)

	// Explicit statuses include quarantined.
	items, err = store.ListItems(ctx, storage.ItemFilter{
		Tenant: tenant, Project: project, Statuses: []model.Status{model.StatusQuarantined},
	}, "updated_at", "DESC", 50, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, c.ID, items[0].ID)

	total, err := store.CountItems(ctx, storage.ItemFilter{Tenant: tenant, Project: project})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestHistorySnapshots(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	item := newItem(model.KindState, "focus", "v1 body")
	mustInsert(t, store, item)
	require.NoError(t, store.SnapshotItem(ctx, item, "content update"))

	item.Content = "v2 body"
	item.ContentHash = textutil.ContentHash(item.Content)
	require.NoError(t, store.UpdateItemContent(ctx, item))

	history, err := store.ItemHistory(ctx, item.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "v1 body", history[0].Content)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, "content update", history[0].Reason)
}

func TestLinksLifecycle(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	a := newItem(model.KindDecision, "use postgres", "postgres it is")
	b := newItem(model.KindFact, "db benchmarks", "numbers")
	mustInsert(t, store, a)
	mustInsert(t, store, b)

	link := &model.MemoryLink{
		ID: uuid.New(), FromID: a.ID, ToID: b.ID,
		Relation: model.RelationDependsOn, Weight: 0.5,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertLink(ctx, link))

	// Same edge again updates weight instead of duplicating.
	link.Weight = 0.9
	require.NoError(t, store.UpsertLink(ctx, link))

	links, err := store.LinksFrom(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 0.9, links[0].Weight)

	touching, err := store.LinksTouching(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, touching, 1)

	n, err := store.DeleteLinksTouching(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteDanglingLinks(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	a := newItem(model.KindFact, "a", "a")
	b := newItem(model.KindFact, "b", "b")
	mustInsert(t, store, a)
	mustInsert(t, store, b)
	require.NoError(t, store.UpsertLink(ctx, &model.MemoryLink{
		ID: uuid.New(), FromID: a.ID, ToID: b.ID,
		Relation: model.RelationRelatedTo, Weight: 0.4,
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, store.SetStatus(ctx, b.ID, model.StatusDeleted, "gone"))
	n, err := store.DeleteDanglingLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGuardrailUpsertMergesSuppressIDs(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	id1, id2 := uuid.New(), uuid.New()
	expires := time.Now().UTC().Add(24 * time.Hour)

	first := &model.Guardrail{
		ID: uuid.New(), Tenant: tenant, Project: project,
		RuleType: model.RuleWarn, PatternSignature: "loop:abc",
		Description: "repeated failure", SuppressIDs: model.IDList{id1},
		Active: true, CreatedAt: time.Now().UTC(), ExpiresAt: &expires,
	}
	stored, created, err := store.UpsertGuardrail(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := *first
	second.ID = uuid.New()
	second.SuppressIDs = model.IDList{id1, id2}
	stored, created, err = store.UpsertGuardrail(ctx, &second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)
	assert.True(t, stored.SuppressIDs.Contains(id1))
	assert.True(t, stored.SuppressIDs.Contains(id2))

	rails, err := store.ActiveGuardrails(ctx, tenant, project)
	require.NoError(t, err)
	assert.Len(t, rails, 1)
}

func TestExpiredGuardrailsDeactivate(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	_, _, err := store.UpsertGuardrail(ctx, &model.Guardrail{
		ID: uuid.New(), Tenant: tenant, Project: project,
		RuleType: model.RuleWarn, PatternSignature: "stale",
		Active: true, CreatedAt: time.Now().UTC(), ExpiresAt: &past,
	})
	require.NoError(t, err)

	rails, err := store.ActiveGuardrails(ctx, tenant, project)
	require.NoError(t, err)
	assert.Empty(t, rails)

	n, err := store.DeactivateExpiredGuardrails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordMistakeIncrementsCount(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	sig := textutil.SignatureHash("wrong:title:id")
	m, err := store.RecordMistake(ctx, tenant, project, sig, "medium", "first")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count)

	m, err = store.RecordMistake(ctx, tenant, project, sig, "medium", "second")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count)
	assert.Equal(t, model.Notes{"first", "second"}, m.Notes)

	repeated, err := store.RepeatedMistakes(ctx, tenant, project, 2, time.Hour)
	require.NoError(t, err)
	require.Len(t, repeated, 1)
	assert.Equal(t, sig, repeated[0].SignatureHash)

	repeated, err = store.RepeatedMistakes(ctx, tenant, project, 3, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, repeated)
}

func TestMetaIncr(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	v, err := store.GetMeta(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	n, err := store.IncrMeta(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.IncrMeta(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, store.SetMeta(ctx, "counter", "0"))
	v, err = store.GetMeta(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestAuditAppendAndTrim(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendAudit(ctx, &model.AuditRecord{
			TraceID: uuid.NewString(), Tool: "memory_search",
			RequestJSON: "{}", ResponseSummary: "{}",
			Tenant: tenant, Project: project,
		}))
	}

	recent, err := store.RecentAudit(ctx, tenant, project, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 5)

	removed, err := store.TrimAudit(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, removed)

	recent, err = store.RecentAudit(ctx, tenant, project, 50)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestConflictCanonicalPair(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	a := newItem(model.KindState, "a", "x")
	b := newItem(model.KindState, "b", "y")
	mustInsert(t, store, a)
	mustInsert(t, store, b)

	created, err := store.RecordConflict(ctx, tenant, project, a.ID, b.ID, model.ConflictContradiction)
	require.NoError(t, err)
	assert.True(t, created)

	// Reversed direction maps to the same row.
	created, err = store.RecordConflict(ctx, tenant, project, b.ID, a.ID, model.ConflictContradiction)
	require.NoError(t, err)
	assert.False(t, created)

	open, err := store.OpenConflicts(ctx, tenant, project, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	n, err := store.ResolveConflictsTouching(ctx, a.ID, "forgotten")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDuplicateGroups(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	a := newItem(model.KindFact, "copy one", "same body")
	b := newItem(model.KindFact, "copy two", "same body")
	c := newItem(model.KindFact, "unique", "different body")
	mustInsert(t, store, a)
	mustInsert(t, store, b)
	mustInsert(t, store, c)

	groups, err := store.DuplicateGroups(ctx, tenant, project)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 2)
}

func TestWithLockSerializes(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	counter := 0
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- store.WithLock(ctx, "upsert:acme", func() error {
				v := counter
				time.Sleep(10 * time.Millisecond)
				counter = v + 1
				return nil
			})
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, 2, counter)
}

func TestRebuildFTS(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	mustInsert(t, store, newItem(model.KindFact, "alpha", "a"))
	mustInsert(t, store, newItem(model.KindFact, "beta", "b"))
	quarantined := newItem(model.KindFact, "gamma", "g")
	mustInsert(t, store, quarantined)
	require.NoError(t, store.SetStatus(ctx, quarantined.ID, model.StatusQuarantined, "suspect"))
	deleted := newItem(model.KindFact, "delta", "d")
	mustInsert(t, store, deleted)
	require.NoError(t, store.SetStatus(ctx, deleted.ID, model.StatusDeleted, "gone"))

	// Everything except deleted rows re-registers.
	n, err := store.RebuildFTS(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
