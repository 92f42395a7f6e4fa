package governance_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/governance"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/testutil"
	"github.com/kioku-ai/kioku/internal/textutil"
)

const (
	tenant  = "default"
	project = "acme"
)

func newService(t *testing.T) (*governance.Service, *storage.Store) {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	logger := testutil.TestLogger()
	embedder := embedding.NewServiceWith(embedding.NewNoopProvider(1024), logger)
	svc := governance.NewService(store, embedder, model.DefaultPolicy(), logger)
	return svc, store
}

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

func TestEvaluateProtectedIsUntouchable(t *testing.T) {
	now := time.Now().UTC()
	policy := model.DefaultPolicy()

	item := model.MemoryItem{
		Kind: model.KindFact, Status: model.StatusActive,
		ErrorCount: 99, UsefulnessScore: -10,
		Tags:       model.Tags{"critical"},
		LastUsedAt: now.Add(-1000 * 24 * time.Hour),
	}
	assert.Equal(t, governance.Verdict{}, governance.Evaluate(&item, policy, now))

	// Verified alone also protects.
	item.Tags = nil
	item.Verified = true
	assert.Equal(t, governance.Verdict{}, governance.Evaluate(&item, policy, now))
}

func TestEvaluateThresholds(t *testing.T) {
	now := time.Now().UTC()
	policy := model.DefaultPolicy()

	policy.MaxErrorCount = 3

	// Error count at quarantine threshold.
	item := model.MemoryItem{Kind: model.KindFact, Status: model.StatusActive, ErrorCount: 3, LastUsedAt: now}
	v := governance.Evaluate(&item, policy, now)
	assert.Equal(t, model.StatusQuarantined, v.Target)

	// Error count at delete threshold wins over quarantine.
	item.ErrorCount = policy.DeleteOnWrongThreshold
	v = governance.Evaluate(&item, policy, now)
	assert.Equal(t, model.StatusDeleted, v.Target)

	// Usefulness floor.
	item = model.MemoryItem{Kind: model.KindEpisode, Status: model.StatusActive, UsefulnessScore: -5.0}
	v = governance.Evaluate(&item, policy, now)
	assert.Equal(t, model.StatusDeleted, v.Target)

	// Stale and unused.
	item = model.MemoryItem{
		Kind: model.KindFact, Status: model.StatusActive,
		LastUsedAt: now.Add(-200 * 24 * time.Hour),
	}
	v = governance.Evaluate(&item, policy, now)
	assert.Equal(t, model.StatusQuarantined, v.Target)

	// Healthy item stays.
	item = model.MemoryItem{Kind: model.KindFact, Status: model.StatusActive, LastUsedAt: now}
	assert.Equal(t, governance.Verdict{}, governance.Evaluate(&item, policy, now))
}

func TestEvaluateKindSafety(t *testing.T) {
	now := time.Now().UTC()
	policy := model.DefaultPolicy()

	// Decisions deprecate instead of deleting.
	decision := model.MemoryItem{Kind: model.KindDecision, Status: model.StatusActive, UsefulnessScore: -5.0}
	v := governance.Evaluate(&decision, policy, now)
	assert.Equal(t, model.StatusDeprecated, v.Target)

	// States are never auto-deleted.
	state := model.MemoryItem{Kind: model.KindState, Status: model.StatusActive, UsefulnessScore: -5.0}
	assert.Equal(t, governance.Verdict{}, governance.Evaluate(&state, policy, now))
}

func TestForgetKindSafety(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	decision := seed(t, store, model.KindDecision, "use postgres", "because reasons")
	state := seed(t, store, model.KindState, "current focus", "auth work")
	episode := seed(t, store, model.KindEpisode, "[failed] bad run", "Command: x\n## OUTCOME\nnope")

	status, err := svc.Forget(ctx, tenant, decision.ID, "superseded")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeprecated, status)

	status, err = svc.Forget(ctx, tenant, state.ID, "stale")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeprecated, status)

	status, err = svc.Forget(ctx, tenant, episode.ID, "noise")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, status)

	// Forgetting an already deleted item is a no-op.
	status, err = svc.Forget(ctx, tenant, episode.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, status)
}

func TestForgetBypassesProtection(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	item := seed(t, store, model.KindFact, "protected fact", "body")
	item.Tags = model.Tags{"critical"}
	require.NoError(t, store.UpdateItemMeta(ctx, item))

	status, err := svc.Forget(ctx, tenant, item.ID, "explicit removal")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, status)
}

func TestFeedbackUsefulAndNotRelevant(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	item := seed(t, store, model.KindFact, "fact", "body")

	res, err := svc.Feedback(ctx, tenant, item.ID, model.FeedbackUseful, model.Policy{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.UsefulnessScore)

	res, err = svc.Feedback(ctx, tenant, item.ID, model.FeedbackNotRelevant, model.Policy{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.UsefulnessScore)
}

func TestFeedbackWrongQuarantinesAtThreshold(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	item := seed(t, store, model.KindFact, "wrong fact", "bad info")
	policy := model.Policy{QuarantineOnWrongThreshold: 1}

	res, err := svc.Feedback(ctx, tenant, item.ID, model.FeedbackWrong, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ErrorCount)
	assert.True(t, res.Quarantined)

	// The mistake signature was recorded.
	sig := textutil.SignatureHash("wrong:" + item.Title + ":" + item.ID.String())
	m, err := store.MistakeBySignature(ctx, tenant, project, sig)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count)
}

func TestFeedbackWrongSparesProtected(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	item := seed(t, store, model.KindFact, "verified fact", "good info")
	item.Confidence = 0.9
	require.NoError(t, store.UpdateItemMeta(ctx, item))

	res, err := svc.Feedback(ctx, tenant, item.ID, model.FeedbackWrong, model.Policy{QuarantineOnWrongThreshold: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ErrorCount)
	assert.False(t, res.Quarantined)
	assert.Equal(t, model.StatusActive, res.Status)
}

func TestFeedbackInvalidLabel(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Feedback(context.Background(), tenant, uuid.New(), "meh", model.Policy{})
	assert.Error(t, err)
}

func TestLoopBreakerTriggersAtThreeRepeats(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	item := seed(t, store, model.KindFact, "stale credentials path", "creds live in /etc/app")
	note := storage.MarshalMistakeNote(item.ID, "path no longer exists")
	for i := 0; i < 3; i++ {
		_, err := svc.RecordMistake(ctx, tenant, project, "auth loop", "medium", note)
		require.NoError(t, err)
	}

	report, err := svc.Maintain(ctx, tenant, project, []string{"loopbreak"}, model.Policy{}, false)
	require.NoError(t, err)
	breaks, ok := report.Results["loopbreak"].([]governance.LoopBreak)
	require.True(t, ok)
	require.Len(t, breaks, 1)
	assert.Equal(t, 3, breaks[0].Count)
	assert.True(t, breaks[0].Created)

	got, err := store.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQuarantined, got.Status)

	rails, err := store.ActiveGuardrails(ctx, tenant, project)
	require.NoError(t, err)
	require.Len(t, rails, 1)
	assert.Equal(t, model.RuleWarn, rails[0].RuleType)
	assert.Contains(t, rails[0].SuppressIDs, item.ID)
}

func TestMaintainPruneScansBeyondOnePage(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-200 * 24 * time.Hour)
	for i := 0; i < 201; i++ {
		content := fmt.Sprintf("observation %d, long superseded", i)
		item := &model.MemoryItem{
			ID:          uuid.New(),
			Tenant:      tenant,
			Project:     project,
			Kind:        model.KindFact,
			Title:       fmt.Sprintf("stale fact %d", i),
			Content:     content,
			Tags:        model.Tags{},
			Confidence:  0.5,
			Version:     1,
			Status:      model.StatusActive,
			ContentHash: textutil.ContentHash(content),
			CreatedAt:   stale,
			UpdatedAt:   stale,
			LastUsedAt:  stale,
		}
		require.NoError(t, store.InsertItem(ctx, item))
	}

	report, err := svc.Maintain(ctx, tenant, project, []string{"prune"}, model.Policy{}, true)
	require.NoError(t, err)
	counts, ok := report.Results["prune"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 201, counts["quarantined"])
}

func TestMaintainAuditTrimHonorsPolicy(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		rec := model.AuditRecord{
			TraceID: fmt.Sprintf("trace-%d", i), Tool: "memory_search",
			Project: project, Tenant: tenant,
		}
		require.NoError(t, store.AppendAudit(ctx, &rec))
	}

	report, err := svc.Maintain(ctx, tenant, project, []string{"audit_trim"}, model.Policy{AuditKeep: 5}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Results["audit_trim"])

	records, err := store.RecentAudit(ctx, tenant, project, 100)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestSuppressedIDsDeduplicates(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	shared := uuid.New()
	expires := time.Now().UTC().Add(time.Hour)
	for _, sig := range []string{"rail-a", "rail-b"} {
		_, _, err := store.UpsertGuardrail(ctx, &model.Guardrail{
			Tenant: tenant, Project: project, RuleType: model.RuleWarn,
			PatternSignature: sig, SuppressIDs: model.IDList{shared, uuid.New()},
			Active: true, ExpiresAt: &expires,
		})
		require.NoError(t, err)
	}

	suppressed, rails, err := svc.SuppressedIDs(ctx, tenant, project)
	require.NoError(t, err)
	assert.Len(t, rails, 2)
	assert.Len(t, suppressed, 3)
}
