// Package toolsurface exposes the Coordination Facade as an MCP tool
// server over stdio, grounded on the mark3labs/mcp-go wiring style used
// by the pack's Hoofy server (internal/server/server.go: NewMCPServer +
// one AddTool per tool, one file per tool in internal/tools).
package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"nervecenter/internal/engine"
	"nervecenter/internal/rag"
)

// Version is reported to MCP clients on initialize.
var Version = "dev"

// session binds the facade to a single project and caller identity for
// the lifetime of one MCP server process, the way a CLI session is
// bound to one project and actor.
type session struct {
	facade      *engine.Facade
	rag         *rag.Service
	projectID   string
	projectName string
	agentID     string
}

// Serve resolves projectName under owner, then runs the MCP server over
// stdio until the client disconnects.
func Serve(f *engine.Facade, ragSvc *rag.Service, projectName, owner, agentID string) error {
	ctx := context.Background()
	project, err := f.ResolveProject(ctx, projectName, owner)
	if err != nil {
		return fmt.Errorf("resolve project: %w", err)
	}
	s := &session{facade: f, rag: ragSvc, projectID: project.ID, projectName: projectName, agentID: agentID}

	srv := server.NewMCPServer(
		"nerve-center",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	registerJobTools(srv, s)
	registerLockTools(srv, s)
	registerContextTools(srv, s)
	registerRAGTools(srv, s)
	registerAccountTools(srv, s)
	registerResources(srv, s)

	return server.ServeStdio(srv)
}

const instructions = `Nerve Center coordinates multiple agents working one project: jobs carry priority and dependencies, locks are soft TTL-bounded file claims, and the notepad is a shared append-only scratchpad. Call get_project_soul and read_context before posting work.`

func textResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

// --- jobs ---

func registerJobTools(srv *server.MCPServer, s *session) {
	srv.AddTool(mcp.NewTool("post_job",
		mcp.WithDescription("Post a new job to the board. Returns a completion_key that authorises completion by a different agent."),
		mcp.WithString("title", mcp.Required(), mcp.Description("short job title")),
		mcp.WithString("description", mcp.Description("longer description")),
		mcp.WithString("priority", mcp.Enum("low", "medium", "high", "critical"), mcp.Description("defaults to medium")),
		mcp.WithString("dependencies", mcp.Description("job ids that must be done first, as a JSON array or a comma-separated list")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deps := stringSlice(req, "dependencies")
		res, err := s.facade.PostJob(ctx, s.projectID, req.GetString("title", ""), req.GetString("description", ""), req.GetString("priority", ""), deps)
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"job_id": res.Job.ID, "status": "POSTED", "completion_key": res.CompletionKey})
	})

	srv.AddTool(mcp.NewTool("claim_next_job",
		mcp.WithDescription("Claim the highest-priority unblocked todo job. Atomic: never hands the same job to two agents."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		job, claimed, err := s.facade.ClaimNextJob(ctx, s.projectID, s.agentID)
		if err != nil {
			return errResult(err)
		}
		if !claimed {
			return textResult(map[string]any{"status": "NO_JOBS_AVAILABLE"})
		}
		return textResult(map[string]any{"status": "CLAIMED", "job": job})
	})

	srv.AddTool(mcp.NewTool("complete_job",
		mcp.WithDescription("Complete a job. Authorised as the assignee, or by supplying the completion_key from post_job. Completing a job does not release any file locks the caller holds."),
		mcp.WithString("job_id", mcp.Required()),
		mcp.WithString("outcome", mcp.Required(), mcp.Description("outcome summary")),
		mcp.WithString("completion_key", mcp.Description("required if not the assignee")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		job, err := s.facade.CompleteJob(ctx, s.projectID, s.agentID, req.GetString("job_id", ""), req.GetString("outcome", ""), req.GetString("completion_key", ""))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"status": "COMPLETED", "job": job})
	})

	srv.AddTool(mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a job. No authorisation check beyond project membership."),
		mcp.WithString("job_id", mcp.Required()),
		mcp.WithString("reason", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		job, err := s.facade.CancelJob(ctx, s.projectID, req.GetString("job_id", ""), req.GetString("reason", ""))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"status": "CANCELLED", "job": job})
	})
}

// --- locks ---

func registerLockTools(srv *server.MCPServer, s *session) {
	srv.AddTool(mcp.NewTool("propose_file_access",
		mcp.WithDescription("Propose exclusive access to a file path. Never blocks or queues: returns REQUIRES_ORCHESTRATION with the incumbent lock if denied."),
		mcp.WithString("file_path", mcp.Required()),
		mcp.WithString("intent", mcp.Required(), mcp.Description("read, edit, or delete")),
		mcp.WithString("user_prompt", mcp.Description("the prompt driving this access")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.facade.ProposeFileAccess(ctx, s.projectID, s.agentID, req.GetString("file_path", ""), req.GetString("intent", ""), req.GetString("user_prompt", ""))
		if err != nil {
			return errResult(err)
		}
		if !res.Granted {
			return textResult(map[string]any{"status": "REQUIRES_ORCHESTRATION", "current_lock": res.Lock})
		}
		return textResult(map[string]any{"status": "GRANTED", "lock": res.Lock})
	})

	srv.AddTool(mcp.NewTool("force_unlock",
		mcp.WithDescription("Remove any current lock on a file path. Agent convention: only call this on locks you believe are stale."),
		mcp.WithString("file_path", mcp.Required()),
		mcp.WithString("reason", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.facade.ForceUnlock(ctx, s.projectID, req.GetString("file_path", ""), req.GetString("reason", "")); err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"status": "UNLOCKED"})
	})
}

// --- context & session ---

func registerContextTools(srv *server.MCPServer, s *session) {
	srv.AddTool(mcp.NewTool("update_shared_context",
		mcp.WithDescription("Append a free-form note to the shared notepad."),
		mcp.WithString("text", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.facade.UpdateSharedContext(ctx, s.projectID, s.agentID, req.GetString("text", "")); err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"ok": true})
	})

	srv.AddTool(mcp.NewTool("update_context",
		mcp.WithDescription("Alias of update_shared_context, named per the external tool surface."),
		mcp.WithString("text", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.facade.UpdateSharedContext(ctx, s.projectID, s.agentID, req.GetString("text", "")); err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"ok": true})
	})

	srv.AddTool(mcp.NewTool("read_context",
		mcp.WithDescription("Read the rendered live context document: non-terminal jobs, live locks, and the notepad."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := s.facade.GetCoreContext(ctx, s.projectID)
		if err != nil {
			return errResult(err)
		}
		return mcp.NewToolResultText(out), nil
	})

	srv.AddTool(mcp.NewTool("get_project_soul",
		mcp.WithDescription("Return the project's context.md and conventions.md from the instructions directory."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := s.facade.GetProjectSoul(ctx)
		if err != nil {
			return errResult(err)
		}
		return mcp.NewToolResultText(out), nil
	})

	srv.AddTool(mcp.NewTool("finalize_session",
		mcp.WithDescription("Archive the notepad, reset it, clear all locks, and purge done/cancelled jobs."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.facade.FinalizeSession(ctx, s.projectID, "Session")
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"status": "SESSION_FINALIZED", "archive_path": res.ArchivePath})
	})
}

// --- RAG ---

func registerRAGTools(srv *server.MCPServer, s *session) {
	srv.AddTool(mcp.NewTool("search_codebase",
		mcp.WithDescription("Vector search over indexed code content."),
		mcp.WithString("query", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		results, err := s.rag.Search(ctx, s.projectName, req.GetString("query", ""))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"results": results})
	})

	srv.AddTool(mcp.NewTool("search_docs",
		mcp.WithDescription("Vector search over indexed documentation content."),
		mcp.WithString("query", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		results, err := s.rag.Search(ctx, s.projectName, req.GetString("query", ""))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"results": results})
	})

	srv.AddTool(mcp.NewTool("index_file",
		mcp.WithDescription("Index a file's content for later search_codebase/search_docs calls."),
		mcp.WithString("path", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		results, err := s.rag.Embed(ctx, s.projectName, []rag.Item{{Content: req.GetString("content", ""), Metadata: map[string]any{"path": req.GetString("path", "")}}})
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"results": results})
	})
}

// --- account (stubbed; not modelled elsewhere in the facade) ---

func registerAccountTools(srv *server.MCPServer, s *session) {
	srv.AddTool(mcp.NewTool("get_subscription_status",
		mcp.WithDescription("Report the caller's plan status."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(map[string]any{"valid": true, "plan": "standard"})
	})

	srv.AddTool(mcp.NewTool("get_usage_stats",
		mcp.WithDescription("Report job and lock counts for the current project."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobs, err := s.facade.ListJobs(ctx, s.projectID)
		if err != nil {
			return errResult(err)
		}
		locks, err := s.facade.ListLocks(ctx, s.projectID)
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]any{"jobs": len(jobs), "active_locks": len(locks)})
	})
}

func registerResources(srv *server.MCPServer, s *session) {
	srv.AddResource(mcp.NewResource("mcp://context/current", "current context",
		mcp.WithResourceDescription("The rendered live context document: jobs, locks, and notepad."),
		mcp.WithMIMEType("text/markdown"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		out, err := s.facade.GetCoreContext(ctx, s.projectID)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: "mcp://context/current", MIMEType: "text/markdown", Text: out}}, nil
	})
}

// stringSlice accepts a JSON array, a native array argument, or a
// comma-separated string, since MCP clients vary in how they encode
// list-valued tool arguments.
func stringSlice(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return nil
		}
		var arr []string
		if json.Unmarshal([]byte(v), &arr) == nil {
			return arr
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}
