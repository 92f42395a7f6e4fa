// Package mcp exposes the memory engine as Model Context Protocol tools
// over stdio. Each tool returns one JSON text content element carrying the
// structured result plus the forensic meta block, and every invocation is
// written to the audit log.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/metric"

	"github.com/kioku-ai/kioku/internal/service/memories"
	"github.com/kioku-ai/kioku/internal/telemetry"
)

// Server wraps the MCP server with the memory service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *memories.Service
	logger    *slog.Logger

	toolCalls metric.Int64Counter
}

// New creates and configures an MCP server with all memory tools.
func New(svc *memories.Service, version string, logger *slog.Logger) *Server {
	meter := telemetry.Meter("kioku/mcp")
	toolCalls, _ := meter.Int64Counter("kioku.mcp.tool_calls",
		metric.WithDescription("MCP tool invocations by tool and outcome"),
	)
	s := &Server{
		svc:       svc,
		logger:    logger,
		toolCalls: toolCalls,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kioku",
		version,
		mcpserver.WithToolCapabilities(false),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("memory_upsert",
			mcplib.WithDescription("Write memory items. Idempotent on content; near-duplicate titles merge into the existing item."),
			mcplib.WithArray("items", mcplib.Description("Proposed items: kind, project, title, content, tags?, verified?, confidence?, provenance?, success?"), mcplib.Required()),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleUpsert,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_search",
			mcplib.WithDescription("Hybrid keyword+vector+recency search over a project's memory"),
			mcplib.WithString("query", mcplib.Description("Natural language query; empty browses recent items"), mcplib.Required()),
			mcplib.WithString("project_id", mcplib.Description("Project scope"), mcplib.Required()),
			mcplib.WithArray("kinds", mcplib.Description("Restrict to item kinds")),
			mcplib.WithArray("tags", mcplib.Description("Require at least one of these tags")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results (default 10)")),
			mcplib.WithString("embedding_mode", mcplib.Description("keyword_only | hybrid | vector_only")),
			mcplib.WithBoolean("override_quarantine", mcplib.Description("Include quarantined items")),
			mcplib.WithBoolean("diversify", mcplib.Description("Cap results per kind at three")),
			mcplib.WithNumber("max_hops", mcplib.Description("Expand the top hit through the knowledge graph")),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleSearch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_get",
			mcplib.WithDescription("Fetch one item by id; records a usage signal"),
			mcplib.WithString("id", mcplib.Description("Item identifier"), mcplib.Required()),
			mcplib.WithBoolean("with_history", mcplib.Description("Include prior versions")),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleGet,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_forget",
			mcplib.WithDescription("Soft-delete an item or a selector's matches. Decisions and states deprecate instead of deleting."),
			mcplib.WithString("reason", mcplib.Description("Why the item is being forgotten"), mcplib.Required()),
			mcplib.WithString("id", mcplib.Description("Item identifier")),
			mcplib.WithObject("selector", mcplib.Description("Batch target: project, kind?, tag?, status?")),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleForget,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_feedback",
			mcplib.WithDescription("Record an agent verdict on a retrieved item"),
			mcplib.WithString("id", mcplib.Description("Item identifier"), mcplib.Required()),
			mcplib.WithString("label", mcplib.Description("useful | not_relevant | wrong"), mcplib.Required()),
			mcplib.WithObject("policy", mcplib.Description("Per-call governance threshold overrides")),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleFeedback,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_summarize",
			mcplib.WithDescription("Project briefing: state, key decisions, runbooks, preferences, guardrails, todos, blockers, conflicts"),
			mcplib.WithString("project_id", mcplib.Description("Project scope"), mcplib.Required()),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleSummarize,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_maintain",
			mcplib.WithDescription("Run maintenance: dedup, conflict, prune, compact, loopbreak, consolidate, and friends"),
			mcplib.WithString("project_id", mcplib.Description("Project scope"), mcplib.Required()),
			mcplib.WithString("mode", mcplib.Description("apply (default) or dry_run")),
			mcplib.WithArray("actions", mcplib.Description("Subset of actions to run; empty runs all")),
			mcplib.WithObject("policy", mcplib.Description("Per-call governance threshold overrides")),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleMaintain,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_list",
			mcplib.WithDescription("Paginated browse with sort and filter whitelist"),
			mcplib.WithString("project_id", mcplib.Description("Project scope"), mcplib.Required()),
			mcplib.WithArray("kinds", mcplib.Description("Restrict to item kinds")),
			mcplib.WithArray("statuses", mcplib.Description("Restrict to lifecycle statuses")),
			mcplib.WithString("tag", mcplib.Description("Require this tag")),
			mcplib.WithString("sort_by", mcplib.Description("updated_at | created_at | usefulness_score | title")),
			mcplib.WithString("sort_dir", mcplib.Description("ASC or DESC")),
			mcplib.WithNumber("limit", mcplib.Description("Page size")),
			mcplib.WithNumber("offset", mcplib.Description("Page offset")),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleList,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_stats",
			mcplib.WithDescription("Counts, health, guardrails, format compliance, version distribution, mistakes, database size, audit analytics"),
			mcplib.WithString("project_id", mcplib.Description("Project scope; empty gives tenant-level numbers")),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleStats,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memory_reflect",
			mcplib.WithDescription("Aggregated metacognition stats over recent episodes"),
			mcplib.WithString("project_id", mcplib.Description("Project scope"), mcplib.Required()),
			mcplib.WithNumber("lookback_count", mcplib.Description("How many recent episodes to scan (default 50)")),
			mcplib.WithArray("filter_tags", mcplib.Description("Only episodes carrying one of these tags")),
			mcplib.WithBoolean("forensic_verbose", mcplib.Description("Include score weights, temporal constants, and suppression lists in meta")),
		),
		s.handleReflect,
	)
}
