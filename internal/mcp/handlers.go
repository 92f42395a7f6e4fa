package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/memories"
)

func (s *Server) handleUpsert(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args struct {
		Items []model.ProposedItem `json:"items"`
	}
	if err := request.BindArguments(&args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if len(args.Items) == 0 {
		return errorResult("items is required and must be non-empty"), nil
	}
	project := args.Items[0].Project

	resp, err := s.svc.Upsert(ctx, args.Items)
	meta := s.svc.BuildMeta(ctx, project, model.ModeHybrid, resp.EmbeddingFallback, request.GetBool("forensic_verbose", false))
	if err != nil {
		var formatErr *memories.FormatError
		if errors.As(err, &formatErr) {
			s.audit(ctx, meta.TraceID, "memory_upsert", project, request, err.Error(), true)
			return errorResult(formatErr.Error()), nil
		}
		s.audit(ctx, meta.TraceID, "memory_upsert", project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("upsert failed: %v", err)), nil
	}

	summary := fmt.Sprintf(`{"written":%d}`, len(resp.Results))
	s.audit(ctx, meta.TraceID, "memory_upsert", project, request, summary, false)
	return jsonResult(map[string]any{
		"results":             resp.Results,
		"warnings":            resp.Warnings,
		"maintenance_warning": resp.MaintenanceWarning,
		"meta":                meta,
	})
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	project := request.GetString("project_id", "")
	if project == "" {
		return errorResult("project_id is required"), nil
	}
	opts := model.SearchOptions{
		Project:            project,
		Query:              request.GetString("query", ""),
		Kinds:              toKinds(request.GetStringSlice("kinds", nil)),
		Tags:               request.GetStringSlice("tags", nil),
		Limit:              request.GetInt("limit", 0),
		Mode:               model.EmbeddingMode(request.GetString("embedding_mode", "")),
		OverrideQuarantine: request.GetBool("override_quarantine", false),
		Diversify:          request.GetBool("diversify", false),
		MaxHops:            request.GetInt("max_hops", 0),
	}

	resp, err := s.svc.Search(ctx, opts)
	meta := s.svc.BuildMeta(ctx, project, resp.EffectiveMode, resp.Fallback, request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_search", project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	summary := fmt.Sprintf(`{"total":%d,"excluded":%d}`, resp.Total, len(resp.Excluded))
	s.audit(ctx, meta.TraceID, "memory_search", project, request, summary, false)
	return jsonResult(map[string]any{
		"results":        resp.Results,
		"excluded":       resp.Excluded,
		"related":        resp.Related,
		"warnings":       resp.Warnings,
		"effective_mode": resp.EffectiveMode,
		"total":          resp.Total,
		"meta":           meta,
	})
}

func (s *Server) handleGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("id", ""))
	if err != nil {
		return errorResult("id must be a valid identifier"), nil
	}

	resp, err := s.svc.Get(ctx, id, request.GetBool("with_history", false))
	project := resp.Item.Project
	meta := s.svc.BuildMeta(ctx, project, model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_get", project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("get failed: %v", err)), nil
	}

	summary := fmt.Sprintf(`{"id":%q}`, id)
	s.audit(ctx, meta.TraceID, "memory_get", project, request, summary, false)
	return jsonResult(map[string]any{
		"item":    resp.Item,
		"history": resp.History,
		"links":   resp.Links,
		"meta":    meta,
	})
}

func (s *Server) handleForget(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	reason := request.GetString("reason", "")
	if reason == "" {
		return errorResult("reason is required"), nil
	}

	if rawID := request.GetString("id", ""); rawID != "" {
		id, err := uuid.Parse(rawID)
		if err != nil {
			return errorResult("id must be a valid identifier"), nil
		}
		status, err := s.svc.Forget(ctx, id, reason)
		meta := s.svc.BuildMeta(ctx, "", model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
		if err != nil {
			s.audit(ctx, meta.TraceID, "memory_forget", "", request, err.Error(), true)
			return errorResult(fmt.Sprintf("forget failed: %v", err)), nil
		}
		summary := fmt.Sprintf(`{"id":%q,"status":%q}`, id, status)
		s.audit(ctx, meta.TraceID, "memory_forget", "", request, summary, false)
		return jsonResult(map[string]any{"id": id, "status": status, "meta": meta})
	}

	var args struct {
		Selector memories.ForgetSelector `json:"selector"`
	}
	if err := request.BindArguments(&args); err != nil || args.Selector.Project == "" {
		return errorResult("either id or selector with a project is required"), nil
	}
	counts, err := s.svc.ForgetBySelector(ctx, args.Selector, reason)
	meta := s.svc.BuildMeta(ctx, args.Selector.Project, model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_forget", args.Selector.Project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("forget failed: %v", err)), nil
	}
	summaryBytes, _ := json.Marshal(counts)
	s.audit(ctx, meta.TraceID, "memory_forget", args.Selector.Project, request, string(summaryBytes), false)
	return jsonResult(map[string]any{"forgotten": counts, "meta": meta})
}

func (s *Server) handleFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("id", ""))
	if err != nil {
		return errorResult("id must be a valid identifier"), nil
	}
	label := model.FeedbackLabel(request.GetString("label", ""))
	if !model.ValidFeedbackLabels[label] {
		return errorResult("label must be one of useful, not_relevant, wrong"), nil
	}
	var args struct {
		Policy model.Policy `json:"policy"`
	}
	_ = request.BindArguments(&args)

	result, err := s.svc.Feedback(ctx, id, label, args.Policy)
	meta := s.svc.BuildMeta(ctx, "", model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_feedback", "", request, err.Error(), true)
		return errorResult(fmt.Sprintf("feedback failed: %v", err)), nil
	}

	summary := fmt.Sprintf(`{"id":%q,"label":%q,"status":%q}`, id, label, result.Status)
	s.audit(ctx, meta.TraceID, "memory_feedback", "", request, summary, false)
	return jsonResult(map[string]any{"result": result, "meta": meta})
}

func (s *Server) handleSummarize(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	project := request.GetString("project_id", "")
	if project == "" {
		return errorResult("project_id is required"), nil
	}

	resp, err := s.svc.Summarize(ctx, project)
	meta := s.svc.BuildMeta(ctx, project, model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_summarize", project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("summarize failed: %v", err)), nil
	}

	summary := fmt.Sprintf(`{"decisions":%d,"runbooks":%d,"guardrails":%d}`,
		len(resp.Decisions), len(resp.Runbooks), len(resp.Guardrails))
	s.audit(ctx, meta.TraceID, "memory_summarize", project, request, summary, false)
	return jsonResult(map[string]any{"summary": resp, "meta": meta})
}

func (s *Server) handleMaintain(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	project := request.GetString("project_id", "")
	if project == "" {
		return errorResult("project_id is required"), nil
	}
	dryRun := request.GetString("mode", "apply") == "dry_run"
	actions := request.GetStringSlice("actions", nil)
	var args struct {
		Policy model.Policy `json:"policy"`
	}
	_ = request.BindArguments(&args)

	report, err := s.svc.Maintain(ctx, project, actions, args.Policy, dryRun)
	meta := s.svc.BuildMeta(ctx, project, model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_maintain", project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("maintain failed: %v", err)), nil
	}

	summary := fmt.Sprintf(`{"actions":%d,"dry_run":%t}`, len(report.Actions), dryRun)
	s.audit(ctx, meta.TraceID, "memory_maintain", project, request, summary, false)
	return jsonResult(map[string]any{"report": report, "meta": meta})
}

func (s *Server) handleList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	project := request.GetString("project_id", "")
	if project == "" {
		return errorResult("project_id is required"), nil
	}

	items, total, err := s.svc.List(ctx, project,
		toKinds(request.GetStringSlice("kinds", nil)),
		toStatuses(request.GetStringSlice("statuses", nil)),
		request.GetString("tag", ""),
		request.GetString("sort_by", "updated_at"),
		request.GetString("sort_dir", "DESC"),
		request.GetInt("limit", 50),
		request.GetInt("offset", 0),
	)
	meta := s.svc.BuildMeta(ctx, project, model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_list", project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	summary := fmt.Sprintf(`{"returned":%d,"total":%d}`, len(items), total)
	s.audit(ctx, meta.TraceID, "memory_list", project, request, summary, false)
	return jsonResult(map[string]any{"items": items, "total": total, "meta": meta})
}

func (s *Server) handleStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	project := request.GetString("project_id", "")

	resp, err := s.svc.Stats(ctx, project)
	meta := s.svc.BuildMeta(ctx, project, model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_stats", project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("stats failed: %v", err)), nil
	}

	s.audit(ctx, meta.TraceID, "memory_stats", project, request, `{"ok":true}`, false)
	return jsonResult(map[string]any{"stats": resp, "meta": meta})
}

func (s *Server) handleReflect(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	project := request.GetString("project_id", "")
	if project == "" {
		return errorResult("project_id is required"), nil
	}

	resp, err := s.svc.Reflect(ctx, project,
		request.GetInt("lookback_count", 0),
		request.GetStringSlice("filter_tags", nil),
	)
	meta := s.svc.BuildMeta(ctx, project, model.ModeKeywordOnly, "", request.GetBool("forensic_verbose", false))
	if err != nil {
		s.audit(ctx, meta.TraceID, "memory_reflect", project, request, err.Error(), true)
		return errorResult(fmt.Sprintf("reflect failed: %v", err)), nil
	}

	summary := fmt.Sprintf(`{"episodes_scanned":%d}`, resp.EpisodesScanned)
	s.audit(ctx, meta.TraceID, "memory_reflect", project, request, summary, false)
	return jsonResult(map[string]any{"reflection": resp, "meta": meta})
}

// audit writes the invocation record and bumps the tool-call counter. Audit
// failures are logged, never surfaced: the tool result stands on its own.
func (s *Server) audit(ctx context.Context, traceID, tool, project string, request mcplib.CallToolRequest, summary string, isError bool) {
	if s.toolCalls != nil {
		s.toolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.Bool("is_error", isError),
		))
	}
	reqJSON, err := json.Marshal(request.GetArguments())
	if err != nil {
		reqJSON = []byte("{}")
	}
	rec := model.AuditRecord{
		TraceID:         traceID,
		Tool:            tool,
		RequestJSON:     string(reqJSON),
		ResponseSummary: summary,
		Project:         project,
		Tenant:          s.svc.Tenant(),
		IsError:         isError,
	}
	if err := s.svc.Store().AppendAudit(ctx, &rec); err != nil {
		s.logger.Warn("mcp: audit write failed", "tool", tool, "error", err)
	}
}

func toKinds(raw []string) []model.Kind {
	var kinds []model.Kind
	for _, r := range raw {
		k := model.Kind(r)
		if model.ValidKinds[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func toStatuses(raw []string) []model.Status {
	var statuses []model.Status
	for _, r := range raw {
		st := model.Status(r)
		if model.ValidStatuses[st] {
			statuses = append(statuses, st)
		}
	}
	return statuses
}

func jsonResult(payload map[string]any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
