package memories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
)

// GetResponse is the structured result of a memory_get call.
type GetResponse struct {
	Item    model.MemoryItem        `json:"item"`
	History []model.HistorySnapshot `json:"history,omitempty"`
	Links   []model.MemoryLink      `json:"links,omitempty"`
}

// Get fetches a single item and records the implicit interest signal:
// last_used_at refreshes and usefulness rises by 0.01 capped at 5.0.
func (s *Service) Get(ctx context.Context, id uuid.UUID, withHistory bool) (GetResponse, error) {
	key := itemCacheKey(id)

	item, cached := s.items.Get(key)
	if !cached {
		var err error
		item, err = s.store.GetItem(ctx, s.tenant, id)
		if err != nil {
			return GetResponse{}, fmt.Errorf("memories: get: %w", err)
		}
	}

	if err := s.store.TouchItem(ctx, id); err != nil {
		return GetResponse{}, err
	}
	item.UsefulnessScore = min5(item.UsefulnessScore + 0.01)
	s.items.Set(key, item)

	resp := GetResponse{Item: item}
	if withHistory {
		history, err := s.store.ItemHistory(ctx, id, 20)
		if err != nil {
			return GetResponse{}, err
		}
		resp.History = history
	}
	links, err := s.store.LinksTouching(ctx, id)
	if err != nil {
		return GetResponse{}, err
	}
	resp.Links = links
	return resp, nil
}

func min5(v float64) float64 {
	if v > 5.0 {
		return 5.0
	}
	return v
}

// Forget soft-deletes an item (or every match of a selector) with kind
// safety applied by the governance service.
func (s *Service) Forget(ctx context.Context, id uuid.UUID, reason string) (model.Status, error) {
	if reason == "" {
		return "", fmt.Errorf("memories: forget: reason is required")
	}
	status, err := s.governance.Forget(ctx, s.tenant, id, reason)
	if err != nil {
		return "", err
	}
	s.invalidateItem(id)
	return status, nil
}

// ForgetSelector names a batch-forget target set.
type ForgetSelector struct {
	Project string       `json:"project"`
	Kind    model.Kind   `json:"kind,omitempty"`
	Tag     string       `json:"tag,omitempty"`
	Status  model.Status `json:"status,omitempty"`
}

// ForgetBySelector forgets every item matching the selector, returning the
// per-status counts of what happened.
func (s *Service) ForgetBySelector(ctx context.Context, sel ForgetSelector, reason string) (map[string]int, error) {
	if sel.Project == "" {
		return nil, fmt.Errorf("memories: forget: selector needs a project")
	}
	if reason == "" {
		return nil, fmt.Errorf("memories: forget: reason is required")
	}
	filter := storage.ItemFilter{Tenant: s.tenant, Project: sel.Project, Tag: sel.Tag}
	if sel.Kind != "" {
		filter.Kinds = []model.Kind{sel.Kind}
	}
	if sel.Status != "" {
		filter.Statuses = []model.Status{sel.Status}
	}

	items, err := s.store.ListItems(ctx, filter, "updated_at", "DESC", 200, 0)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, item := range items {
		status, err := s.governance.Forget(ctx, s.tenant, item.ID, reason)
		if err != nil {
			return counts, err
		}
		s.invalidateItem(item.ID)
		counts[string(status)]++
	}
	return counts, nil
}

// List pages through a project's items with the sort whitelist enforced by
// the storage layer.
func (s *Service) List(ctx context.Context, project string, kinds []model.Kind, statuses []model.Status, tag, sortBy, sortDir string, limit, offset int) ([]model.MemoryItem, int, error) {
	if project == "" {
		return nil, 0, fmt.Errorf("memories: list: project is required")
	}
	filter := storage.ItemFilter{
		Tenant: s.tenant, Project: project, Kinds: kinds, Statuses: statuses, Tag: tag,
	}
	items, err := s.store.ListItems(ctx, filter, sortBy, sortDir, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountItems(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
