package memories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/memories"
	"github.com/kioku-ai/kioku/internal/textutil"
)

func TestGetRecordsInterest(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "edge gateway address", "the edge gateway lives at 10.0.0.1"),
	})
	require.NoError(t, err)
	id := resp.Results[0].ID

	got, err := svc.Get(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, id, got.Item.ID)
	assert.InDelta(t, 0.51, got.Item.UsefulnessScore, 1e-9)
	assert.Empty(t, got.History)
}

func TestGetWithHistory(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "edge gateway", "the gateway is 10.0.0.1"),
	})
	require.NoError(t, err)
	id := resp.Results[0].ID

	_, err = svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "edge gateway", "the gateway moved to 10.0.0.254"),
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, id, true)
	require.NoError(t, err)
	require.NotEmpty(t, got.History)
	assert.Contains(t, got.History[0].Content, "10.0.0.1")
}

func TestGetUnknownID(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Get(context.Background(), uuid.New(), false)
	assert.Error(t, err)
}

func TestForgetRequiresReason(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Forget(context.Background(), uuid.New(), "")
	assert.Error(t, err)
}

func TestForgetDeletesFact(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	resp, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "stale fact", "this one stopped being true"),
	})
	require.NoError(t, err)
	id := resp.Results[0].ID

	status, err := svc.Forget(ctx, id, "no longer true")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, status)

	item, err := store.GetItem(ctx, tenant, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, item.Status)
}

func TestForgetBySelector(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	resp, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindEpisode, "[failed] probe api once", "Command: curl http://api/a\n## OUTCOME\n500"),
		proposed(model.KindEpisode, "[failed] probe worker queue", "Command: curl http://api/b\n## OUTCOME\ntimeout"),
		proposed(model.KindFact, "edge gateway address", "the edge gateway lives at 10.0.0.1"),
	})
	require.NoError(t, err)
	factID := resp.Results[2].ID

	counts, err := svc.ForgetBySelector(ctx, memories.ForgetSelector{
		Project: project, Kind: model.KindEpisode,
	}, "noise cleanup")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[string(model.StatusDeleted)])

	fact, err := store.GetItem(ctx, tenant, factID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, fact.Status)
}

func TestForgetSelectorValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.ForgetBySelector(ctx, memories.ForgetSelector{}, "reason")
	assert.Error(t, err)

	_, err = svc.ForgetBySelector(ctx, memories.ForgetSelector{Project: project}, "")
	assert.Error(t, err)
}

func TestListPaginates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	var batch []model.ProposedItem
	titles := []string{"alpha fact", "bravo fact", "charlie fact", "delta fact", "echo fact"}
	for _, title := range titles {
		batch = append(batch, proposed(model.KindFact, title, "body of "+title))
	}
	_, err := svc.Upsert(ctx, batch)
	require.NoError(t, err)

	items, total, err := svc.List(ctx, project, nil, nil, "", "title", "ASC", 2, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 5, total)
	assert.Equal(t, "alpha fact", items[0].Title)

	items, _, err = svc.List(ctx, project, nil, nil, "", "title", "ASC", 2, 4)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "echo fact", items[0].Title)

	_, _, err = svc.List(ctx, "", nil, nil, "", "", "", 10, 0)
	assert.Error(t, err)
}

func TestFeedbackAdjustsScore(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Upsert(ctx, []model.ProposedItem{
		proposed(model.KindFact, "edge gateway address", "the edge gateway lives at 10.0.0.1"),
	})
	require.NoError(t, err)
	id := resp.Results[0].ID

	result, err := svc.Feedback(ctx, id, model.FeedbackUseful, model.Policy{})
	require.NoError(t, err)
	assert.Equal(t, 1.5, result.UsefulnessScore)

	result, err = svc.Feedback(ctx, id, model.FeedbackNotRelevant, model.Policy{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.UsefulnessScore)
}

func TestMaintainDryRunReportsWithoutMutating(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-200 * 24 * time.Hour)
	stale := &model.MemoryItem{
		ID:          uuid.New(),
		Tenant:      tenant,
		Project:     project,
		Kind:        model.KindFact,
		Title:       "forgotten fact",
		Content:     "nobody has used this in ages",
		Tags:        model.Tags{},
		Confidence:  0.5,
		Version:     1,
		Status:      model.StatusActive,
		ContentHash: textutil.ContentHash("nobody has used this in ages"),
		CreatedAt:   old,
		UpdatedAt:   old,
		LastUsedAt:  old,
	}
	require.NoError(t, store.InsertItem(ctx, stale))

	report, err := svc.Maintain(ctx, project, []string{"prune"}, model.Policy{}, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{"prune"}, report.Actions)

	counts, ok := report.Results["prune"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, counts["quarantined"])

	item, err := store.GetItem(ctx, tenant, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, item.Status)
}

func TestMaintainDedupApplies(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// Two identical bodies written through the store, bypassing the
	// idempotency gate.
	a := seedItem(t, store, model.KindFact, "duplicate one", "same body either way")
	b := seedItem(t, store, model.KindFact, "duplicate two", "same body either way")

	report, err := svc.Maintain(ctx, project, []string{"dedup"}, model.Policy{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Results["dedup"])

	itemA, err := store.GetItem(ctx, tenant, a.ID)
	require.NoError(t, err)
	itemB, err := store.GetItem(ctx, tenant, b.ID)
	require.NoError(t, err)
	statuses := []model.Status{itemA.Status, itemB.Status}
	assert.Contains(t, statuses, model.StatusActive)
	assert.Contains(t, statuses, model.StatusDeleted)
}

func TestMaintainRequiresProject(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Maintain(context.Background(), "", nil, model.Policy{}, true)
	assert.Error(t, err)
}
