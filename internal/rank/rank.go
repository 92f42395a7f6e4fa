// Package rank blends the keyword and vector retrieval legs into one
// ordered result list: weighted score fusion, temporal decay, trust
// adjustments, and a query-aware rerank pass.
package rank

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/index"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// Weights blends the three ranking signals. They sum to at most 1.
type Weights struct {
	Keyword float64
	Vector  float64
	Recency float64
}

// ModeWeights maps each search mode to its signal blend. Keyword-only
// shifts the vector share onto keywords so totals stay comparable across
// modes.
var ModeWeights = map[model.EmbeddingMode]Weights{
	model.ModeKeywordOnly: {Keyword: 0.75, Vector: 0, Recency: 0.25},
	model.ModeHybrid:      {Keyword: 0.5, Vector: 0.3, Recency: 0.2},
	model.ModeVectorOnly:  {Keyword: 0, Vector: 0.8, Recency: 0.2},
}

const (
	verifiedBonus        = 0.1
	deprecatedMultiplier = 0.7

	errorPenaltyStep = 0.1
	errorPenaltyCap  = 0.5
	titleBonusMax    = 0.15
	tagBoostStep     = 0.25
	tagBoostCap      = 0.5

	diversifyPerKind = 3
)

// Merge fuses the two retrieval legs over the hydrated items and returns
// results ordered by final score. Items present in only one leg score zero
// on the other.
func Merge(items []model.MemoryItem, kwHits, vecHits []index.Hit, mode model.EmbeddingMode, query string, now time.Time) []model.SearchResult {
	w, ok := ModeWeights[mode]
	if !ok {
		w = ModeWeights[model.ModeHybrid]
	}

	kwByID := make(map[uuid.UUID]float64, len(kwHits))
	for _, h := range kwHits {
		kwByID[h.ID] = h.Score
	}
	vecByID := make(map[uuid.UUID]float64, len(vecHits))
	for _, h := range vecHits {
		vecByID[h.ID] = h.Score
	}

	queryKeywords := textutil.Keywords(query, 3)

	results := make([]model.SearchResult, 0, len(items))
	for i := range items {
		item := items[i]
		kw := kwByID[item.ID]
		vec := vecByID[item.ID]
		class := textutil.ClassifyTemporal(string(item.Kind), item.Tags)
		recency := textutil.Recency(item.UpdatedAt, now, class)

		score := w.Keyword*kw + w.Vector*vec + w.Recency*recency
		if item.Verified {
			score += verifiedBonus
		}
		if item.Status == model.StatusDeprecated {
			score *= deprecatedMultiplier
		}
		score = rerank(score, &item, queryKeywords)
		if score > 1 {
			score = 1
		}

		results = append(results, model.SearchResult{
			Item:         item,
			Score:        score,
			KeywordScore: kw,
			VectorScore:  vec,
			Recency:      recency,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Item.UpdatedAt.After(results[j].Item.UpdatedAt)
	})
	return results
}

// rerank applies the query-aware adjustments: repeated-failure penalty,
// title keyword overlap bonus, and target-tag boost.
func rerank(score float64, item *model.MemoryItem, queryKeywords []string) float64 {
	penalty := float64(item.ErrorCount) * errorPenaltyStep
	if penalty > errorPenaltyCap {
		penalty = errorPenaltyCap
	}
	score *= 1 - penalty

	if len(queryKeywords) > 0 {
		titleRatio := textutil.MatchRatio(queryKeywords, textutil.TitleKeywords(item.Title))
		score *= 1 + titleRatio*titleBonusMax

		boost := float64(tagHits(item.Tags, queryKeywords)) * tagBoostStep
		if boost > tagBoostCap {
			boost = tagBoostCap
		}
		score *= 1 + boost
	}
	return score
}

// tagHits counts query keywords exactly matching one of the item's tags,
// ignoring technique words too common to discriminate.
func tagHits(tags model.Tags, queryKeywords []string) int {
	hits := 0
	for _, kw := range queryKeywords {
		if textutil.CommonTechniqueWords[kw] {
			continue
		}
		for _, tag := range tags {
			if tag == kw {
				hits++
				break
			}
		}
	}
	return hits
}

// Diversify caps each kind at a few entries so a single noisy kind cannot
// monopolize the window. Order within the survivors is preserved. Overflow
// items backfill the tail when the cap leaves the list short.
func Diversify(results []model.SearchResult, limit int) []model.SearchResult {
	if limit <= 0 || len(results) <= limit {
		limit = len(results)
	}
	perKind := make(map[model.Kind]int)
	kept := make([]model.SearchResult, 0, limit)
	var overflow []model.SearchResult
	for _, r := range results {
		if perKind[r.Item.Kind] < diversifyPerKind {
			perKind[r.Item.Kind]++
			kept = append(kept, r)
			if len(kept) == limit {
				return kept
			}
		} else {
			overflow = append(overflow, r)
		}
	}
	for _, r := range overflow {
		if len(kept) == limit {
			break
		}
		kept = append(kept, r)
	}
	return kept
}

// WeightsSnapshot exposes the active blend for forensic metadata.
func WeightsSnapshot(mode model.EmbeddingMode) map[string]float64 {
	w, ok := ModeWeights[mode]
	if !ok {
		w = ModeWeights[model.ModeHybrid]
	}
	return map[string]float64{
		"keyword": w.Keyword,
		"vector":  w.Vector,
		"recency": w.Recency,
	}
}

// TemporalSnapshot exposes the decay constants for forensic metadata.
func TemporalSnapshot() map[string]float64 {
	out := make(map[string]float64, len(textutil.DecayConstants))
	for class, k := range textutil.DecayConstants {
		out[string(class)] = k
	}
	return out
}
