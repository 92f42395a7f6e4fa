package memories

import (
	"context"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/rank"
)

// BuildMeta assembles the forensic block attached to every tool response.
// Verbose adds the scoring weights, temporal constants, and suppression
// lists on top of the server-wide detail setting. Failures inside meta
// assembly degrade to partial data; they never fail the operation being
// reported on.
func (s *Service) BuildMeta(ctx context.Context, project string, mode model.EmbeddingMode, fallback string, verbose bool) model.Meta {
	meta := model.Meta{
		TraceID: uuid.NewString(),
		Forensic: model.Forensic{
			DBBackend:              string(s.store.Backend()),
			EmbeddingMode:          string(mode),
			EmbeddingBackendUsed:   s.embedder.Backend(),
			EmbeddingFallbackCause: fallback,
		},
	}
	if project == "" {
		return meta
	}

	if gov, err := s.governance.GovernanceCounts(ctx, s.tenant, project); err == nil {
		meta.Forensic.Governance = gov
	} else {
		s.logger.Debug("forensic: governance counts failed", "error", err)
	}
	meta.Forensic.CrossModel = s.crossModelMeta(ctx, project)

	if verbose || s.forensicDetail {
		meta.Forensic.ScoreWeights = rank.WeightsSnapshot(mode)
		meta.Forensic.TemporalConfig = rank.TemporalSnapshot()
		if suppressed, railIDs, err := s.governance.SuppressedIDs(ctx, s.tenant, project); err == nil {
			meta.Forensic.SuppressedIDs = suppressed
			meta.Forensic.GuardrailIDs = railIDs
		}
	}
	return meta
}

// crossModelMeta summarizes which models wrote to the project and how many
// conflicts are open between them.
func (s *Service) crossModelMeta(ctx context.Context, project string) model.CrossModelMeta {
	var out model.CrossModelMeta

	items, err := s.store.RecentItems(ctx, s.tenant, project, nil, 100)
	if err != nil {
		return out
	}
	seen := make(map[string]bool)
	for _, item := range items {
		if id := item.Provenance.ModelID; id != "" && !seen[id] {
			seen[id] = true
			out.Models = append(out.Models, id)
		}
	}
	if conflicts, err := s.store.OpenConflicts(ctx, s.tenant, project, 200); err == nil {
		out.Conflicts = len(conflicts)
	}
	return out
}
