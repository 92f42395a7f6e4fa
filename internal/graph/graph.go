// Package graph maintains the typed link structure between memory items:
// edge upserts, bounded breadth-first traversal, and heuristic relation
// suggestions.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// Service exposes graph operations over the store.
type Service struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewService creates a graph service.
func NewService(store *storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// maxTraversalHops bounds traversal depth regardless of what the caller asks
// for.
const maxTraversalHops = 3

// Link connects two items. Both endpoints must exist in the tenant and must
// not be deleted; the edge is upserted so re-linking refreshes the weight.
func (s *Service) Link(ctx context.Context, tenant string, from, to uuid.UUID, relation model.Relation, weight float64, metadata model.JSONMap) (model.MemoryLink, error) {
	if !model.ValidRelations[relation] {
		return model.MemoryLink{}, fmt.Errorf("graph: invalid relation %q", relation)
	}
	if from == to {
		return model.MemoryLink{}, fmt.Errorf("graph: self-links are not allowed")
	}
	if weight <= 0 || weight > 1 {
		weight = 0.5
	}

	for _, id := range []uuid.UUID{from, to} {
		item, err := s.store.GetItem(ctx, tenant, id)
		if err != nil {
			return model.MemoryLink{}, fmt.Errorf("graph: endpoint %s: %w", id, err)
		}
		if item.Status == model.StatusDeleted {
			return model.MemoryLink{}, fmt.Errorf("graph: endpoint %s is deleted", id)
		}
	}

	link := model.MemoryLink{
		ID:        uuid.New(),
		FromID:    from,
		ToID:      to,
		Relation:  relation,
		Weight:    weight,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertLink(ctx, &link); err != nil {
		return model.MemoryLink{}, err
	}
	return link, nil
}

// Traverse walks outgoing edges breadth-first from root, up to maxHops away.
// Visited nodes are never re-entered, so cycles terminate. Deleted items are
// excluded from the result and not expanded further.
func (s *Service) Traverse(ctx context.Context, tenant string, root uuid.UUID, maxHops int) ([]model.GraphNode, error) {
	if maxHops <= 0 || maxHops > maxTraversalHops {
		maxHops = maxTraversalHops
	}
	if _, err := s.store.GetItem(ctx, tenant, root); err != nil {
		return nil, fmt.Errorf("graph: traverse root: %w", err)
	}

	type queued struct {
		id   uuid.UUID
		hop  int
		path []uuid.UUID
	}
	visited := map[uuid.UUID]bool{root: true}
	queue := []queued{{id: root, hop: 0, path: []uuid.UUID{root}}}
	var nodes []model.GraphNode

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.hop == maxHops {
			continue
		}
		links, err := s.store.LinksFrom(ctx, cur.id)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if visited[link.ToID] {
				continue
			}
			visited[link.ToID] = true

			item, err := s.store.GetItem(ctx, tenant, link.ToID)
			if err == storage.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if item.Status == model.StatusDeleted {
				continue
			}

			path := append(append([]uuid.UUID{}, cur.path...), link.ToID)
			nodes = append(nodes, model.GraphNode{
				ID:       link.ToID,
				Hop:      cur.hop + 1,
				Path:     path,
				Relation: link.Relation,
				Weight:   link.Weight,
				Title:    item.Title,
				Kind:     item.Kind,
			})
			queue = append(queue, queued{id: link.ToID, hop: cur.hop + 1, path: path})
		}
	}
	return nodes, nil
}

// Neighbors returns the direct edges touching an item in either direction.
func (s *Service) Neighbors(ctx context.Context, id uuid.UUID) ([]model.MemoryLink, error) {
	return s.store.LinksTouching(ctx, id)
}

// suggestionRules map tag or kind evidence on a candidate pair to a
// proposed relation.
var suggestionRules = []struct {
	relation   model.Relation
	confidence float64
	match      func(a, b *model.MemoryItem) bool
}{
	{
		// Newer state about the same subject supersedes the older one.
		relation:   model.RelationSupersedes,
		confidence: 0.7,
		match: func(a, b *model.MemoryItem) bool {
			return a.Kind == model.KindState && b.Kind == model.KindState &&
				a.UpdatedAt.After(b.UpdatedAt)
		},
	},
	{
		// An episode referencing a runbook likely exercised it.
		relation:   model.RelationDependsOn,
		confidence: 0.6,
		match: func(a, b *model.MemoryItem) bool {
			return a.Kind == model.KindEpisode && b.Kind == model.KindRunbook
		},
	},
	{
		// A decision about the same subject as a fact builds on it.
		relation:   model.RelationDependsOn,
		confidence: 0.5,
		match: func(a, b *model.MemoryItem) bool {
			return a.Kind == model.KindDecision && b.Kind == model.KindFact
		},
	},
	{
		relation:   model.RelationRelatedTo,
		confidence: 0.4,
		match:      func(a, b *model.MemoryItem) bool { return true },
	},
}

// suggestionOverlap is the minimum title keyword similarity before a pair is
// considered related at all.
const suggestionOverlap = 0.3

// Suggest proposes edges from an item to recent unlinked items whose titles
// overlap. Rule order is priority order; the first matching rule wins.
func (s *Service) Suggest(ctx context.Context, tenant, project string, itemID uuid.UUID, limit int) ([]model.RelationSuggestion, error) {
	if limit <= 0 || limit > 20 {
		limit = 5
	}
	item, err := s.store.GetItem(ctx, tenant, itemID)
	if err != nil {
		return nil, fmt.Errorf("graph: suggest source: %w", err)
	}
	existing, err := s.store.LinksTouching(ctx, itemID)
	if err != nil {
		return nil, err
	}
	linked := make(map[uuid.UUID]bool, len(existing))
	for _, l := range existing {
		linked[l.FromID] = true
		linked[l.ToID] = true
	}

	candidates, err := s.store.RecentItems(ctx, tenant, project, nil, 50)
	if err != nil {
		return nil, err
	}

	itemKeywords := textutil.TitleKeywords(item.Title)
	var suggestions []model.RelationSuggestion
	for i := range candidates {
		cand := candidates[i]
		if cand.ID == itemID || linked[cand.ID] {
			continue
		}
		if textutil.Jaccard(itemKeywords, textutil.TitleKeywords(cand.Title)) < suggestionOverlap {
			continue
		}
		for _, rule := range suggestionRules {
			if rule.match(&item, &cand) {
				suggestions = append(suggestions, model.RelationSuggestion{
					FromID:     itemID,
					ToID:       cand.ID,
					Relation:   rule.relation,
					Confidence: rule.confidence,
					Title:      cand.Title,
				})
				break
			}
		}
		if len(suggestions) == limit {
			break
		}
	}
	return suggestions, nil
}
