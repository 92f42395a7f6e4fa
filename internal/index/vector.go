package index

import (
	"context"
	"fmt"
	"math"

	"github.com/kioku-ai/kioku/internal/model"
)

// Vector runs the semantic leg: an exact cosine scan over every stored
// embedding in scope. Exactness keeps rankings reproducible for audit;
// corpus sizes here stay far below where an ANN index would pay off.
// Cosine similarity is rescaled from [-1, 1] onto [0, 1]. Quarantined and
// deprecated candidates are scored too; the caller routes or down-weights
// them.
func (s *Searcher) Vector(ctx context.Context, tenant, project string, query model.NullVector, kinds []model.Kind, tags []string, limit int) ([]Hit, error) {
	if !query.Valid {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	statuses := []model.Status{model.StatusActive, model.StatusQuarantined, model.StatusDeprecated}

	items, err := s.store.ItemsWithEmbeddings(ctx, tenant, project, kinds, statuses)
	if err != nil {
		return nil, fmt.Errorf("index: vector candidates: %w", err)
	}

	q := query.Slice()
	hits := make([]Hit, 0, len(items))
	for i := range items {
		if len(tags) > 0 && !hasAnyTag(items[i].Tags, tags) {
			continue
		}
		v := items[i].Embedding.Slice()
		cos, ok := cosine(q, v)
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			ID:    items[i].ID,
			Raw:   cos,
			Score: (cos + 1) / 2,
		})
	}
	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func hasAnyTag(itemTags model.Tags, want []string) bool {
	for _, t := range want {
		if itemTags.Contains(t) {
			return true
		}
	}
	return false
}

// cosine returns the cosine similarity of two vectors. Mismatched
// dimensions or zero vectors report not-ok; the item is skipped rather
// than scored at an arbitrary value.
func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
