package memories

import (
	"context"
	"fmt"
	"strings"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// SummarizeResponse is the structured briefing memory_summarize returns.
type SummarizeResponse struct {
	Project     string               `json:"project"`
	State       *model.MemoryItem    `json:"state,omitempty"`
	Decisions   []model.MemoryItem   `json:"decisions,omitempty"`
	Runbooks    []model.MemoryItem   `json:"runbooks,omitempty"`
	Preferences []model.MemoryItem   `json:"preferences,omitempty"`
	Guardrails  []model.Guardrail    `json:"guardrails,omitempty"`
	OpenTodos   []string             `json:"open_todos,omitempty"`
	Blockers    []string             `json:"blockers,omitempty"`
	Excluded    []model.ExcludedItem `json:"excluded,omitempty"`
	Conflicts   []string             `json:"conflicts,omitempty"`
	Related     []model.GraphNode    `json:"related,omitempty"`
}

// Summarize assembles the project briefing: current state, the most useful
// decisions and runbooks, user preferences, active guardrails, todo and
// blocker lines mined from the state, hidden items, and open contradictions.
func (s *Service) Summarize(ctx context.Context, project string) (SummarizeResponse, error) {
	if project == "" {
		return SummarizeResponse{}, fmt.Errorf("memories: summarize: project is required")
	}
	resp := SummarizeResponse{Project: project}

	states, err := s.store.RecentItems(ctx, s.tenant, project, []model.Kind{model.KindState}, 1)
	if err != nil {
		return SummarizeResponse{}, err
	}
	if len(states) > 0 {
		resp.State = &states[0]
		resp.OpenTodos, resp.Blockers = mineActionLines(states[0].Content)
	}

	resp.Decisions, err = s.store.ListItems(ctx, storage.ItemFilter{
		Tenant: s.tenant, Project: project, Kinds: []model.Kind{model.KindDecision},
	}, "usefulness_score", "DESC", 10, 0)
	if err != nil {
		return SummarizeResponse{}, err
	}
	resp.Runbooks, err = s.store.ListItems(ctx, storage.ItemFilter{
		Tenant: s.tenant, Project: project, Kinds: []model.Kind{model.KindRunbook},
	}, "usefulness_score", "DESC", 10, 0)
	if err != nil {
		return SummarizeResponse{}, err
	}
	resp.Preferences, err = s.store.ListItems(ctx, storage.ItemFilter{
		Tenant: s.tenant, Project: project, Tag: "preference",
	}, "updated_at", "DESC", 10, 0)
	if err != nil {
		return SummarizeResponse{}, err
	}

	resp.Guardrails, err = s.store.ActiveGuardrails(ctx, s.tenant, project)
	if err != nil {
		return SummarizeResponse{}, err
	}

	quarantined, err := s.store.ListItems(ctx, storage.ItemFilter{
		Tenant: s.tenant, Project: project,
		Statuses: []model.Status{model.StatusQuarantined},
	}, "updated_at", "DESC", 20, 0)
	if err != nil {
		return SummarizeResponse{}, err
	}
	for _, item := range quarantined {
		resp.Excluded = append(resp.Excluded, model.ExcludedItem{
			ID: item.ID, Title: item.Title, Reason: "quarantined",
		})
	}

	resp.Conflicts, err = s.governance.ActiveContradictions(ctx, s.tenant, project)
	if err != nil {
		return SummarizeResponse{}, err
	}

	if resp.State != nil {
		if nodes, err := s.graph.Traverse(ctx, s.tenant, resp.State.ID, 1); err == nil {
			resp.Related = nodes
		}
	}
	return resp, nil
}

// mineActionLines pulls TODO-style and blocker-style lines out of a state
// body. Matching is by normalized line prefix keywords.
func mineActionLines(content string) (todos, blockers []string) {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*[] "))
		if trimmed == "" {
			continue
		}
		normalized := textutil.Normalize(trimmed)
		switch {
		case strings.HasPrefix(normalized, "todo") || strings.HasPrefix(normalized, "next"):
			todos = append(todos, trimmed)
		case strings.HasPrefix(normalized, "blocked") || strings.HasPrefix(normalized, "blocker") ||
			strings.HasPrefix(normalized, "stuck"):
			blockers = append(blockers, trimmed)
		}
	}
	return todos, blockers
}
