package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/kioku-ai/kioku/internal/model"
)

// AppendAudit writes one row to the append-only tool invocation log.
// Audit failures are reported but must never fail the operation they record;
// callers log and continue.
func (s *Store) AppendAudit(ctx context.Context, rec *model.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.Exec(ctx, `
		INSERT INTO audit_log
			(trace_id, tool, request_json, response_summary, project, tenant, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, rec.Tool, rec.RequestJSON, rec.ResponseSummary,
		rec.Project, rec.Tenant, rec.IsError, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

// RecentAudit returns the latest audit rows, newest first.
func (s *Store) RecentAudit(ctx context.Context, tenant, project string, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var recs []model.AuditRecord
	err := s.Query(ctx, &recs, `
		SELECT id, trace_id, tool, request_json, response_summary, project, tenant, is_error, created_at
		FROM audit_log
		WHERE tenant = ? AND project = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, tenant, project, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent audit: %w", err)
	}
	return recs, nil
}

// TrimAudit keeps only the newest keep rows, deleting the rest. Returns the
// number of rows removed.
func (s *Store) TrimAudit(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		keep = 5000
	}
	res, err := s.Exec(ctx, `
		DELETE FROM audit_log WHERE id NOT IN (
			SELECT id FROM audit_log ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("storage: trim audit: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
