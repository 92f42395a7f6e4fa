package memories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/governance"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
)

// Maintain runs the maintenance pipeline under the project's write lock and
// clears the read cache afterwards.
func (s *Service) Maintain(ctx context.Context, project string, actions []string, policy model.Policy, dryRun bool) (governance.MaintainReport, error) {
	if project == "" {
		return governance.MaintainReport{}, fmt.Errorf("memories: maintain: project is required")
	}
	var report governance.MaintainReport
	err := s.store.WithLock(ctx, "maintain:"+project, func() error {
		return storage.WithRetry(ctx, func() error {
			var err error
			report, err = s.governance.Maintain(ctx, s.tenant, project, actions, policy, dryRun)
			return err
		})
	})
	if err != nil {
		return report, err
	}
	if !dryRun {
		s.InvalidateAll()
		if err := s.store.SetMeta(ctx, "maintenance_counter:"+project, "0"); err != nil {
			s.logger.Warn("maintenance counter reset failed", "project", project, "error", err)
		}
	}
	return report, nil
}

// Feedback applies an agent verdict and invalidates the item's cache entry.
func (s *Service) Feedback(ctx context.Context, id uuid.UUID, label model.FeedbackLabel, policy model.Policy) (governance.FeedbackResult, error) {
	result, err := s.governance.Feedback(ctx, s.tenant, id, label, policy)
	if err != nil {
		return governance.FeedbackResult{}, err
	}
	s.invalidateItem(id)
	return result, nil
}
