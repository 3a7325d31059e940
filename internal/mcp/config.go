package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type configParams struct{}

func (h *handler) configHandler(ctx context.Context, req *sdkmcp.CallToolRequest, _ configParams) (*sdkmcp.CallToolResult, any, error) {
	t, cfg := h.current()

	var b strings.Builder
	fmt.Fprintf(&b, "Project root: %s\n", t.Workspace)
	fmt.Fprintf(&b, "Command: %s <path>\n", shellquote.Join(t.Command...))
	fmt.Fprintf(&b, "Directory: %s\n", t.Dir)

	if timeout := cfg.Timeout(); timeout > 0 {
		fmt.Fprintf(&b, "Timeout: %s\n", timeout)
	} else {
		fmt.Fprintln(&b, "Timeout: none")
	}
	fmt.Fprintf(&b, "Max output: %d bytes per stream\n", cfg.MaxOutputBytes())
	fmt.Fprintf(&b, "Wait delay: %s\n", cfg.WaitDelay())

	return textResult(b.String())
}
