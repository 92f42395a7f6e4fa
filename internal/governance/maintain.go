package governance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// maintenanceOrder fixes the sequence actions run in regardless of request
// order. Later steps assume earlier ones already cleaned up.
var maintenanceOrder = []string{
	"dedup", "conflict", "prune", "compact", "loopbreak", "clean_links",
	"auto_guardrails", "archive", "consolidate", "audit_trim",
	"cross_type_overlap", "rebuild_fts", "wal_checkpoint", "vacuum",
}

// MaintainReport summarizes one maintenance run, per executed action.
type MaintainReport struct {
	Project  string         `json:"project"`
	DryRun   bool           `json:"dry_run"`
	Actions  []string       `json:"actions"`
	Results  map[string]any `json:"results"`
	Duration string         `json:"duration"`
}

// Maintain executes the requested actions in the fixed order. An empty
// action list runs everything. Dry-run performs the same selections but
// reports instead of mutating.
func (s *Service) Maintain(ctx context.Context, tenant, project string, actions []string, policy model.Policy, dryRun bool) (MaintainReport, error) {
	start := time.Now()
	policy = policy.Merge(s.defaults)

	requested := make(map[string]bool, len(actions))
	for _, a := range actions {
		requested[strings.ToLower(strings.TrimSpace(a))] = true
	}
	runAll := len(requested) == 0

	report := MaintainReport{
		Project: project,
		DryRun:  dryRun,
		Results: make(map[string]any),
	}

	for _, action := range maintenanceOrder {
		if !runAll && !requested[action] {
			continue
		}
		var (
			result any
			err    error
		)
		switch action {
		case "dedup":
			result, err = s.dedup(ctx, tenant, project, dryRun)
		case "conflict":
			result, err = s.DetectConflicts(ctx, tenant, project, dryRun)
		case "prune":
			result, err = s.prune(ctx, tenant, project, policy, dryRun)
		case "compact":
			result, err = s.compact(ctx, tenant, project, policy, dryRun)
		case "loopbreak":
			result, err = s.CheckLoopBreaker(ctx, tenant, project, policy.QuarantineOnWrongThreshold, dryRun)
		case "clean_links":
			result, err = s.cleanLinks(ctx, dryRun)
		case "auto_guardrails":
			result, err = s.autoGuardrails(ctx, tenant, project, dryRun)
		case "archive":
			result, err = s.archive(ctx, tenant, project, policy, dryRun)
		case "consolidate":
			result, err = s.consolidate(ctx, tenant, project, dryRun)
		case "audit_trim":
			result, err = s.auditTrim(ctx, policy, dryRun)
		case "cross_type_overlap":
			result, err = s.crossTypeOverlap(ctx, tenant, project, dryRun)
		case "rebuild_fts":
			if dryRun {
				result = "skipped (dry run)"
			} else {
				result, err = s.store.RebuildFTS(ctx)
			}
		case "wal_checkpoint":
			if !dryRun {
				err = s.store.Checkpoint(ctx)
			}
			result = "ok"
		case "vacuum":
			if !dryRun {
				err = s.store.Vacuum(ctx)
			}
			result = "ok"
		}
		if err != nil {
			return report, fmt.Errorf("governance: maintain %s: %w", action, err)
		}
		report.Actions = append(report.Actions, action)
		report.Results[action] = result
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()
	return report, nil
}

// dedup groups active items by exact content hash and soft-deletes all but
// the best of each group. "Best" prefers verified, then usefulness, then
// version, then recency.
func (s *Service) dedup(ctx context.Context, tenant, project string, dryRun bool) (int, error) {
	groups, err := s.store.DuplicateGroups(ctx, tenant, project)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if a.Verified != b.Verified {
				return a.Verified
			}
			if a.UsefulnessScore != b.UsefulnessScore {
				return a.UsefulnessScore > b.UsefulnessScore
			}
			if a.Version != b.Version {
				return a.Version > b.Version
			}
			return a.UpdatedAt.After(b.UpdatedAt)
		})
		survivor := group[0]
		for _, dup := range group[1:] {
			if !dryRun {
				reason := fmt.Sprintf("dedup: duplicate of %s", survivor.ID)
				if err := s.store.SetStatus(ctx, dup.ID, model.StatusDeleted, reason); err != nil {
					return removed, err
				}
			}
			removed++
		}
	}
	return removed, nil
}

// scanPageSize matches the ListItems limit cap.
const scanPageSize = 200

// listAll pages through ListItems until a short page so maintenance scans
// cover the whole scope. Callers mutate only after the scan completes;
// status changes mid-scan would shift the offsets.
func (s *Service) listAll(ctx context.Context, f storage.ItemFilter, sortBy, sortDir string) ([]model.MemoryItem, error) {
	var all []model.MemoryItem
	for offset := 0; ; offset += scanPageSize {
		page, err := s.store.ListItems(ctx, f, sortBy, sortDir, scanPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < scanPageSize {
			return all, nil
		}
	}
}

// prune evaluates every active item through the policy engine and applies
// the verdicts. Protected items come back with an empty verdict.
func (s *Service) prune(ctx context.Context, tenant, project string, policy model.Policy, dryRun bool) (map[string]int, error) {
	counts := map[string]int{"quarantined": 0, "deprecated": 0, "deleted": 0}
	now := time.Now().UTC()

	for _, status := range []model.Status{model.StatusActive, model.StatusQuarantined} {
		items, err := s.listAll(ctx, storage.ItemFilter{
			Tenant: tenant, Project: project, Statuses: []model.Status{status},
		}, "updated_at", "ASC")
		if err != nil {
			return nil, err
		}
		for i := range items {
			verdict := Evaluate(&items[i], policy, now)
			if verdict.Target == "" || verdict.Target == items[i].Status {
				continue
			}
			if !dryRun {
				if err := s.store.SetStatus(ctx, items[i].ID, verdict.Target, "prune: "+verdict.Reason); err != nil {
					return nil, err
				}
			}
			counts[string(verdict.Target)]++
		}
	}
	return counts, nil
}

// compact soft-deletes episodes beyond the keep window, skipping protected
// and linked items.
func (s *Service) compact(ctx context.Context, tenant, project string, policy model.Policy, dryRun bool) (int, error) {
	episodes, err := s.store.ListItems(ctx, storage.ItemFilter{
		Tenant: tenant, Project: project, Kinds: []model.Kind{model.KindEpisode},
	}, "updated_at", "DESC", policy.KeepLastNEpisodes+500, 0)
	if err != nil {
		return 0, err
	}
	if len(episodes) <= policy.KeepLastNEpisodes {
		return 0, nil
	}

	removed := 0
	for _, ep := range episodes[policy.KeepLastNEpisodes:] {
		if ep.Protected() {
			continue
		}
		links, err := s.store.LinksTouching(ctx, ep.ID)
		if err != nil {
			return removed, err
		}
		if len(links) > 0 {
			continue
		}
		if !dryRun {
			if err := s.store.SetStatus(ctx, ep.ID, model.StatusDeleted, "compact: beyond episode keep window"); err != nil {
				return removed, err
			}
		}
		removed++
	}
	return removed, nil
}

func (s *Service) cleanLinks(ctx context.Context, dryRun bool) (int, error) {
	if dryRun {
		return 0, nil
	}
	return s.store.DeleteDanglingLinks(ctx)
}

// autoGuardrails retires expired guardrails and raises warn guardrails for
// mistake signatures repeating below the loop-breaker threshold, so the
// pattern is visible before it forces quarantines.
func (s *Service) autoGuardrails(ctx context.Context, tenant, project string, dryRun bool) (map[string]int, error) {
	out := map[string]int{"expired": 0, "created": 0}
	if dryRun {
		return out, nil
	}
	expired, err := s.store.DeactivateExpiredGuardrails(ctx)
	if err != nil {
		return nil, err
	}
	out["expired"] = expired

	repeated, err := s.store.RepeatedMistakes(ctx, tenant, project, 3, loopWindow)
	if err != nil {
		return nil, err
	}
	for _, m := range repeated {
		expires := time.Now().UTC().Add(guardrailExpiry)
		_, created, err := s.store.UpsertGuardrail(ctx, &model.Guardrail{
			Tenant:           tenant,
			Project:          project,
			RuleType:         model.RuleWarn,
			PatternSignature: "mistake:" + m.SignatureHash,
			Description:      fmt.Sprintf("mistake repeated %dx in 7 days", m.Count),
			Active:           true,
			ExpiresAt:        &expires,
		})
		if err != nil {
			return nil, err
		}
		if created {
			out["created"]++
		}
	}
	return out, nil
}

// archive hard-purges rows soft-deleted longer ago than the policy max age,
// freeing their history and links.
func (s *Service) archive(ctx context.Context, tenant, project string, policy model.Policy, dryRun bool) (int, error) {
	if dryRun {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
	return s.store.PurgeDeleted(ctx, tenant, project, cutoff)
}

const (
	consolidateWindow     = 100
	consolidateSimilarity = 0.85
	consolidateMinCluster = 3
)

// consolidate clusters the most recent embedded episodes by cosine
// similarity. Clusters of three or more collapse into one summarizing fact;
// the member episodes deprecate.
func (s *Service) consolidate(ctx context.Context, tenant, project string, dryRun bool) (map[string]int, error) {
	out := map[string]int{"clusters": 0, "facts_created": 0, "episodes_deprecated": 0}

	episodes, err := s.store.ItemsWithEmbeddings(ctx, tenant, project,
		[]model.Kind{model.KindEpisode}, []model.Status{model.StatusActive})
	if err != nil {
		return nil, err
	}
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].UpdatedAt.After(episodes[j].UpdatedAt) })
	if len(episodes) > consolidateWindow {
		episodes = episodes[:consolidateWindow]
	}

	assigned := make([]bool, len(episodes))
	for i := range episodes {
		if assigned[i] {
			continue
		}
		cluster := []int{i}
		for j := i + 1; j < len(episodes); j++ {
			if assigned[j] {
				continue
			}
			if cos, ok := cosineSimilarity(episodes[i].Embedding.Slice(), episodes[j].Embedding.Slice()); ok && cos >= consolidateSimilarity {
				cluster = append(cluster, j)
			}
		}
		if len(cluster) < consolidateMinCluster {
			continue
		}
		for _, idx := range cluster {
			assigned[idx] = true
		}
		out["clusters"]++
		if dryRun {
			continue
		}

		members := make([]*model.MemoryItem, len(cluster))
		for k, idx := range cluster {
			members[k] = &episodes[idx]
		}
		if err := s.summarizeCluster(ctx, tenant, project, members); err != nil {
			return nil, err
		}
		out["facts_created"]++
		out["episodes_deprecated"] += len(members)
	}
	return out, nil
}

// summarizeCluster writes one fact capturing a cluster of similar episodes
// and deprecates the members.
func (s *Service) summarizeCluster(ctx context.Context, tenant, project string, members []*model.MemoryItem) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Consolidated from %d similar episodes:\n", len(members))
	tagSet := map[string]bool{}
	var tags model.Tags
	for _, m := range members {
		fmt.Fprintf(&b, "\n- %s (%s)\n", m.Title, m.UpdatedAt.Format("2006-01-02"))
		if outcome := textutil.ExtractOutcome(m.Content); outcome != "" {
			fmt.Fprintf(&b, "  outcome: %s\n", outcome)
		}
		for _, t := range m.Tags {
			if !tagSet[t] {
				tagSet[t] = true
				tags = append(tags, t)
			}
		}
	}
	content := b.String()
	now := time.Now().UTC()

	fact := model.MemoryItem{
		ID:          uuid.New(),
		Tenant:      tenant,
		Project:     project,
		Kind:        model.KindFact,
		Title:       "Consolidated: " + members[0].Title,
		Content:     content,
		Tags:        append(tags, "consolidated"),
		Provenance:  model.Provenance{ModelID: "maintenance"},
		Confidence:  0.6,
		Version:     1,
		Status:      model.StatusActive,
		ContentHash: textutil.ContentHash(content),
		CreatedAt:   now,
		UpdatedAt:   now,
		LastUsedAt:  now,
	}
	fact.UsefulnessScore = 0.5
	if res := s.embedder.Embed(ctx, textutil.EmbeddingInput(fact.Title, fact.Tags, fact.Content)); res.Vector.Valid {
		fact.Embedding = res.Vector
	}
	if err := s.store.InsertItem(ctx, &fact); err != nil {
		return err
	}

	for _, m := range members {
		if err := s.store.SetStatus(ctx, m.ID, model.StatusDeprecated, "consolidated into "+fact.ID.String()); err != nil {
			return err
		}
		if err := s.store.UpsertLink(ctx, &model.MemoryLink{
			FromID:    fact.ID,
			ToID:      m.ID,
			Relation:  model.RelationSupersedes,
			Weight:    0.9,
			Metadata:  model.JSONMap{"auto_created": true},
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) auditTrim(ctx context.Context, policy model.Policy, dryRun bool) (int, error) {
	if dryRun {
		return 0, nil
	}
	return s.store.TrimAudit(ctx, policy.AuditKeep)
}

// crossTypeOverlap flags identical content stored under different kinds as
// version conflicts; the pair stays untouched for a human or agent to
// resolve.
func (s *Service) crossTypeOverlap(ctx context.Context, tenant, project string, dryRun bool) (int, error) {
	items, err := s.listAll(ctx, storage.ItemFilter{
		Tenant: tenant, Project: project,
	}, "updated_at", "DESC")
	if err != nil {
		return 0, err
	}
	byHash := make(map[string][]model.MemoryItem)
	for _, item := range items {
		byHash[item.ContentHash] = append(byHash[item.ContentHash], item)
	}
	found := 0
	for _, group := range byHash {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if group[i].Kind == group[j].Kind {
					continue
				}
				if !dryRun {
					if _, err := s.store.RecordConflict(ctx, tenant, project,
						group[i].ID, group[j].ID, model.ConflictVersion); err != nil {
						return found, err
					}
				}
				found++
			}
		}
	}
	return found, nil
}

// cosineSimilarity is the exact cosine of two float32 vectors.
func cosineSimilarity(a, b []float32) (float64, bool) {
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
