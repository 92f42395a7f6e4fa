package rank_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/index"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/rank"
)

func item(title string, kind model.Kind, updated time.Time) model.MemoryItem {
	return model.MemoryItem{
		ID:        uuid.New(),
		Kind:      kind,
		Title:     title,
		Status:    model.StatusActive,
		UpdatedAt: updated,
	}
}

func TestMergeHybridBeatsRecencyAlone(t *testing.T) {
	now := time.Now().UTC()

	// An old item matching both legs should outrank a fresh item matching
	// neither.
	relevant := item("ssh pivot through bastion", model.KindRunbook, now.Add(-30*24*time.Hour))
	fresh := item("unrelated note", model.KindFact, now)

	kwHits := []index.Hit{{ID: relevant.ID, Score: 0.9}}
	vecHits := []index.Hit{{ID: relevant.ID, Score: 0.8}}

	results := rank.Merge(
		[]model.MemoryItem{fresh, relevant},
		kwHits, vecHits, model.ModeHybrid, "ssh pivot bastion", now,
	)
	require.Len(t, results, 2)
	assert.Equal(t, relevant.ID, results[0].Item.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestMergeVerifiedBonus(t *testing.T) {
	now := time.Now().UTC()
	plain := item("same title", model.KindFact, now)
	verified := item("same title", model.KindFact, now)
	verified.Verified = true

	results := rank.Merge([]model.MemoryItem{plain, verified}, nil, nil, model.ModeHybrid, "", now)
	require.Len(t, results, 2)
	assert.Equal(t, verified.ID, results[0].Item.ID)
	assert.InDelta(t, 0.1, results[0].Score-results[1].Score, 1e-9)
}

func TestMergeDeprecatedMultiplier(t *testing.T) {
	now := time.Now().UTC()
	active := item("a", model.KindFact, now)
	deprecated := item("b", model.KindFact, now)
	deprecated.Status = model.StatusDeprecated

	results := rank.Merge([]model.MemoryItem{active, deprecated}, nil, nil, model.ModeHybrid, "", now)
	require.Len(t, results, 2)
	assert.Equal(t, active.ID, results[0].Item.ID)
	assert.InDelta(t, 0.7, results[1].Score/results[0].Score, 1e-9)
}

func TestMergeErrorPenaltyCaps(t *testing.T) {
	now := time.Now().UTC()
	clean := item("a", model.KindFact, now)
	flaky := item("b", model.KindFact, now)
	flaky.ErrorCount = 20 // penalty caps at 0.5

	results := rank.Merge([]model.MemoryItem{clean, flaky}, nil, nil, model.ModeHybrid, "", now)
	require.Len(t, results, 2)
	assert.Equal(t, clean.ID, results[0].Item.ID)
	assert.InDelta(t, 0.5, results[1].Score/results[0].Score, 1e-9)
}

func TestMergeScoreCappedAtOne(t *testing.T) {
	now := time.Now().UTC()
	it := item("postgres upgrade runbook", model.KindRunbook, now)
	it.Verified = true
	it.Tags = model.Tags{"postgres", "upgrade", "runbook"}

	kwHits := []index.Hit{{ID: it.ID, Score: 1.0}}
	vecHits := []index.Hit{{ID: it.ID, Score: 1.0}}
	results := rank.Merge([]model.MemoryItem{it}, kwHits, vecHits, model.ModeHybrid, "postgres upgrade runbook", now)
	require.Len(t, results, 1)
	assert.LessOrEqual(t, results[0].Score, 1.0)
	assert.Equal(t, 1.0, results[0].Score)
}

func TestMergeTagBoostRequiresExactMatch(t *testing.T) {
	now := time.Now().UTC()
	exact := item("x", model.KindFact, now)
	exact.Tags = model.Tags{"postgres"}
	prefix := item("x", model.KindFact, now)
	prefix.Tags = model.Tags{"postgresql"}

	kwHits := []index.Hit{{ID: exact.ID, Score: 0.5}, {ID: prefix.ID, Score: 0.5}}
	results := rank.Merge([]model.MemoryItem{exact, prefix}, kwHits, nil, model.ModeHybrid, "postgres failover", now)
	require.Len(t, results, 2)

	// "postgres" boosts only the tag it equals; "postgresql" merely
	// containing it does not count.
	assert.Equal(t, exact.ID, results[0].Item.ID)
	assert.InDelta(t, 1.25, results[0].Score/results[1].Score, 1e-9)
}

func TestMergeShortQueryTokensCarryNoBoost(t *testing.T) {
	now := time.Now().UTC()
	tagged := item("x", model.KindFact, now)
	tagged.Tags = model.Tags{"db"}
	bare := item("x", model.KindFact, now)

	kwHits := []index.Hit{{ID: tagged.ID, Score: 0.5}, {ID: bare.ID, Score: 0.5}}
	results := rank.Merge([]model.MemoryItem{tagged, bare}, kwHits, nil, model.ModeHybrid, "db", now)
	require.Len(t, results, 2)

	// Two-character query tokens fall below the keyword floor, so neither
	// item gets a title or tag adjustment.
	assert.InDelta(t, results[0].Score, results[1].Score, 1e-9)
}

func TestDiversifyCapsPerKind(t *testing.T) {
	now := time.Now().UTC()
	var results []model.SearchResult
	for i := 0; i < 6; i++ {
		results = append(results, model.SearchResult{Item: item("ep", model.KindEpisode, now), Score: 1.0 - float64(i)*0.1})
	}
	results = append(results, model.SearchResult{Item: item("fact", model.KindFact, now), Score: 0.1})

	out := rank.Diversify(results, 5)
	require.Len(t, out, 5)

	episodes := 0
	for _, r := range out[:4] {
		if r.Item.Kind == model.KindEpisode {
			episodes++
		}
	}
	// Three episodes, then the fact, then overflow backfills the tail.
	assert.Equal(t, 3, episodes)
	assert.Equal(t, model.KindFact, out[3].Item.Kind)
	assert.Equal(t, model.KindEpisode, out[4].Item.Kind)
}

func TestWeightsSnapshot(t *testing.T) {
	w := rank.WeightsSnapshot(model.ModeKeywordOnly)
	assert.Equal(t, 0.75, w["keyword"])
	assert.Equal(t, 0.0, w["vector"])
	assert.Equal(t, 0.25, w["recency"])

	// Unknown modes fall back to hybrid.
	w = rank.WeightsSnapshot("bogus")
	assert.Equal(t, 0.5, w["keyword"])
}
