// Package mcp provides the tracerun MCP server, registering all tools
// and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/deixis/tracerun"
	"github.com/deixis/tracerun/internal/config"
	"github.com/deixis/tracerun/internal/report"
	"github.com/deixis/tracerun/internal/runner"
	"github.com/deixis/tracerun/internal/trace"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	mu     sync.RWMutex
	tracer *trace.Tracer
	cfg    *config.Config
	runner *runner.Runner // runner behind tracer; replaced, never mutated
	store  report.Store
	log    *slog.Logger
}

// NewServer creates an MCP server with all tracerun tools registered.
// Targets passed to trace_run are confined to the project root.
func NewServer(loaded *config.LoadResult, r *runner.Runner, store report.Store, log *slog.Logger) (*mcp.Server, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	t, err := trace.New(loaded, r, store, log)
	if err != nil {
		return nil, err
	}
	t.Confine = true

	h := &handler{
		tracer: t,
		cfg:    loaded.Config,
		runner: r,
		store:  store,
		log:    log,
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "tracerun", Version: tracerun.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "trace_config",
		Description: "Show the effective trace command, working directory, timeout and output limits.",
	}, h.configHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "trace_run",
		Description: `Run the trace command against a target and capture its output.

The target path is appended to the configured command (by default "dotnet run --no-build").
Blocks until the process exits. Returns exit status, stream sizes, the head of stdout and the
tail of stderr. The full output is stored for drill-down via trace_inspect.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "trace_inspect",
		Description: `Read captured output from a trace_run result, a window of lines at a time.

Use the run_id from trace_run. stream is "stdout" (default) or "stderr".
offset is the first line to return (0-based), limit the number of lines (default 200).`,
	}, h.inspectHandler)

	return s, nil
}

// current returns the tracer for the active workspace.
func (h *handler) current() (*trace.Tracer, *config.Config) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tracer, h.cfg
}

// updateWorkspaceFromRoots queries the client for MCP roots and re-targets
// the tracer and runner if a valid root is returned.
// This is called during session initialization, before any tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil {
		return
	}
	if len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}

	loaded, err := config.Load(u.Path)
	if err != nil {
		h.log.Warn("ignoring client root", "root", u.Path, "error", err)
		return
	}

	if err := h.retarget(loaded); err != nil {
		h.log.Warn("ignoring client root", "root", u.Path, "error", err)
		return
	}
	h.log.Info("workspace updated from client root", "root", loaded.Root)
}

// retarget swaps in a runner and tracer for loaded. The previous runner is
// left untouched so runs already in flight keep their settings.
func (h *handler) retarget(loaded *config.LoadResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &runner.Runner{
		Workspace: loaded.Root,
		Timeout:   loaded.Config.Timeout(),
		MaxOutput: loaded.Config.MaxOutputBytes(),
		WaitDelay: loaded.Config.WaitDelay(),
		Logger:    h.runner.Logger,
	}
	t, err := trace.New(loaded, r, h.store, h.log)
	if err != nil {
		return err
	}
	t.Confine = true

	h.runner = r
	h.tracer = t
	h.cfg = loaded.Config
	return nil
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
