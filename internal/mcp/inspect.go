package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/tracerun/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultInspectLimit = 200

type inspectParams struct {
	RunID  string `json:"run_id" jsonschema:"the run ID from a trace_run result"`
	Stream string `json:"stream,omitempty" jsonschema:"stdout (default) or stderr"`
	Offset int    `json:"offset,omitempty" jsonschema:"first line to return, 0-based"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of lines to return (default 200)"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	stream, err := report.ParseStream(params.Stream)
	if err != nil {
		return errorResult(err.Error())
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultInspectLimit
	}

	run, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	ex := report.Slice(run, stream, params.Offset, limit)
	if ex.Total == 0 {
		return textResult(fmt.Sprintf("Run %s wrote nothing to %s.", run.ID, stream))
	}
	return textResult(formatInspect(run, ex))
}

func formatInspect(run *report.RunResult, ex *report.Excerpt) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s (%s)\n", run.ID, run.Target)
	if len(ex.Lines) == 0 {
		fmt.Fprintf(&b, "%s: offset %d is past the last line (%d lines)\n", ex.Stream, ex.Offset, ex.Total)
		return b.String()
	}
	fmt.Fprintf(&b, "%s: lines %d-%d of %d\n", ex.Stream, ex.Offset+1, ex.Offset+len(ex.Lines), ex.Total)
	fmt.Fprintln(&b)
	writeLines(&b, ex)

	if ex.More() {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "More: trace_inspect(run_id=%q, stream=%q, offset=%d).\n", run.ID, ex.Stream, ex.Offset+len(ex.Lines))
	}
	return b.String()
}
