package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/tracerun/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Lines of each stream shown inline in a trace_run result.
const (
	stdoutHeadLines = 40
	stderrTailLines = 20
)

type runParams struct {
	Path string `json:"path" jsonschema:"path of the trace target, absolute or relative to the project root"`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	t, _ := h.current()

	run, err := t.Run(ctx, params.Path)
	if run == nil {
		return errorResult(fmt.Sprintf("trace run failed: %v", err))
	}

	return textResult(formatRun(run))
}

func formatRun(run *report.RunResult) string {
	var b strings.Builder

	fmt.Fprint(&b, run.Summary())
	fmt.Fprintln(&b)

	head := report.Slice(run, report.Stdout, 0, stdoutHeadLines)
	if len(head.Lines) > 0 {
		fmt.Fprintln(&b, "stdout:")
		writeLines(&b, head)
		if head.More() {
			fmt.Fprintf(&b, "  ... %d more lines\n", head.Total-len(head.Lines))
		}
		fmt.Fprintln(&b)
	}

	tail := report.Tail(run, report.Stderr, stderrTailLines)
	if len(tail.Lines) > 0 {
		fmt.Fprintln(&b, "stderr:")
		if tail.Offset > 0 {
			fmt.Fprintf(&b, "  ... %d earlier lines\n", tail.Offset)
		}
		writeLines(&b, tail)
		fmt.Fprintln(&b)
	}

	fmt.Fprintf(&b, "Inspect with trace_inspect(run_id=%q, stream=\"stdout\"|\"stderr\").\n", run.ID)
	return b.String()
}

// writeLines prints an excerpt with 1-based line numbers.
func writeLines(b *strings.Builder, ex *report.Excerpt) {
	if ex.Binary {
		fmt.Fprintln(b, "  (stream is not valid UTF-8; showing raw text)")
	}
	for i, line := range ex.Lines {
		fmt.Fprintf(b, "%6d  %s\n", ex.Offset+i+1, line)
	}
}
