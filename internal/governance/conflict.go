package governance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// opposingPairs are keyword pairs whose presence on two same-subject
// decisions suggests they pull in opposite directions.
var opposingPairs = [][2]string{
	{"enable", "disable"},
	{"enabled", "disabled"},
	{"yes", "no"},
	{"allow", "deny"},
	{"allowed", "denied"},
	{"use", "avoid"},
	{"start", "stop"},
	{"add", "remove"},
	{"true", "false"},
}

// DetectConflicts scans the scope for contradictions: states sharing a
// title with different content, and decisions whose titles overlap while
// their contents take opposing keywords. Detected pairs get a contradicts
// edge and a conflict row; both are idempotent.
func (s *Service) DetectConflicts(ctx context.Context, tenant, project string, dryRun bool) (int, error) {
	found := 0

	states, err := s.listAll(ctx, storage.ItemFilter{
		Tenant: tenant, Project: project, Kinds: []model.Kind{model.KindState},
	}, "updated_at", "DESC")
	if err != nil {
		return 0, fmt.Errorf("governance: conflict scan states: %w", err)
	}
	byTitle := make(map[string][]model.MemoryItem)
	for _, item := range states {
		key := strings.ToLower(item.Title)
		byTitle[key] = append(byTitle[key], item)
	}
	for _, group := range byTitle {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if group[i].ContentHash == group[j].ContentHash {
					continue
				}
				if err := s.flagConflict(ctx, tenant, project, &group[i], &group[j], model.ConflictContradiction, dryRun); err != nil {
					return 0, err
				}
				found++
			}
		}
	}

	decisions, err := s.listAll(ctx, storage.ItemFilter{
		Tenant: tenant, Project: project, Kinds: []model.Kind{model.KindDecision},
	}, "updated_at", "DESC")
	if err != nil {
		return 0, fmt.Errorf("governance: conflict scan decisions: %w", err)
	}
	for i := 0; i < len(decisions); i++ {
		for j := i + 1; j < len(decisions); j++ {
			a, b := &decisions[i], &decisions[j]
			overlap := textutil.Jaccard(textutil.TitleKeywords(a.Title), textutil.TitleKeywords(b.Title))
			if overlap < 0.4 || !opposingContent(a.Content, b.Content) {
				continue
			}
			if err := s.flagConflict(ctx, tenant, project, a, b, model.ConflictInterpretation, dryRun); err != nil {
				return 0, err
			}
			found++
		}
	}
	return found, nil
}

func (s *Service) flagConflict(ctx context.Context, tenant, project string, a, b *model.MemoryItem, kind model.ConflictType, dryRun bool) error {
	if dryRun {
		return nil
	}
	if _, err := s.store.RecordConflict(ctx, tenant, project, a.ID, b.ID, kind); err != nil {
		return err
	}
	return s.store.UpsertLink(ctx, &model.MemoryLink{
		FromID:    a.ID,
		ToID:      b.ID,
		Relation:  model.RelationContradicts,
		Weight:    0.8,
		Metadata:  model.JSONMap{"auto_created": true, "conflict_type": string(kind)},
		CreatedAt: time.Now().UTC(),
	})
}

// opposingContent reports whether one text carries a keyword whose opposite
// appears in the other.
func opposingContent(a, b string) bool {
	aKeys := make(map[string]bool)
	for _, k := range textutil.Keywords(a, 2) {
		aKeys[k] = true
	}
	bKeys := make(map[string]bool)
	for _, k := range textutil.Keywords(b, 2) {
		bKeys[k] = true
	}
	for _, pair := range opposingPairs {
		if (aKeys[pair[0]] && bKeys[pair[1]]) || (aKeys[pair[1]] && bKeys[pair[0]]) {
			return true
		}
	}
	return false
}

// ActiveContradictions returns contradicts edges whose endpoints are both
// still active, as warnings for summarize and search.
func (s *Service) ActiveContradictions(ctx context.Context, tenant, project string) ([]string, error) {
	conflicts, err := s.store.OpenConflicts(ctx, tenant, project, 50)
	if err != nil {
		return nil, err
	}
	var warnings []string
	for _, c := range conflicts {
		a, errA := s.store.GetItem(ctx, tenant, c.ItemA)
		b, errB := s.store.GetItem(ctx, tenant, c.ItemB)
		if errA != nil || errB != nil {
			continue
		}
		if a.Status != model.StatusActive || b.Status != model.StatusActive {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("%s conflict: %q vs %q", c.ConflictType, a.Title, b.Title))
	}
	return warnings, nil
}
