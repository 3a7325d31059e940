package mcp

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deixis/tracerun/internal/config"
	"github.com/deixis/tracerun/internal/report"
	"github.com/deixis/tracerun/internal/runner"
	"github.com/deixis/tracerun/internal/trace"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// setup creates a full tracerun MCP server + client over in-memory transports.
// workspaceDir should be a prepared fixture directory.
func setup(t *testing.T, workspaceDir string) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	loaded, err := config.Load(workspaceDir)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	store := report.NewLRUStore(5, report.NewDiskStore(t.TempDir()))
	r := &runner.Runner{
		Workspace: loaded.Root,
		Timeout:   30 * time.Second,
		MaxOutput: loaded.Config.MaxOutputBytes(),
	}

	server, err := NewServer(loaded, r, store, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ct, st := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
	})

	return cs
}

// writeFixture creates a workspace whose trace command is sh, with the
// given scripts.
func writeFixture(t *testing.T, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{config.FileName: "version: 1\ncommand: sh\n"}
	for name, body := range scripts {
		files[name] = body
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	return dir
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func resultText(r *mcp.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func runID(t *testing.T, text string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "Run: ") {
			return strings.Fields(strings.TrimPrefix(line, "Run: "))[0]
		}
	}
	t.Fatalf("no Run ID found in output:\n%s", text)
	return ""
}

// --- trace_config ---

func TestTraceConfig(t *testing.T) {
	dir := writeFixture(t, nil)
	cs := setup(t, dir)
	res := callTool(t, cs, "trace_config", nil)
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Command: sh <path>") {
		t.Errorf("expected command in output, got:\n%s", text)
	}
	if !strings.Contains(text, "Directory: "+dir) {
		t.Errorf("expected directory in output, got:\n%s", text)
	}
}

// --- trace_run ---

func TestTraceRun_Success(t *testing.T) {
	dir := writeFixture(t, map[string]string{
		"ok.sh": "echo 'enter Main'\necho 'leave Main'\necho 'restored 3 packages' >&2\n",
	})
	cs := setup(t, dir)
	res := callTool(t, cs, "trace_run", map[string]any{"path": "ok.sh"})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	for _, want := range []string{"Status: ok", "enter Main", "restored 3 packages", "trace_inspect"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got:\n%s", want, text)
		}
	}
}

func TestTraceRun_NonZeroExit(t *testing.T) {
	dir := writeFixture(t, map[string]string{
		"fail.sh": "echo 'unhandled exception' >&2\nexit 2\n",
	})
	cs := setup(t, dir)
	res := callTool(t, cs, "trace_run", map[string]any{"path": "fail.sh"})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("non-zero exit must not be a tool error: %s", text)
	}
	if !strings.Contains(text, "Status: exit 2") {
		t.Errorf("expected exit status, got:\n%s", text)
	}
}

func TestTraceRun_OutsideWorkspace(t *testing.T) {
	dir := writeFixture(t, nil)
	cs := setup(t, dir)
	res := callTool(t, cs, "trace_run", map[string]any{"path": "../other.sh"})
	if !res.IsError {
		t.Errorf("expected IsError for target outside workspace, got:\n%s", resultText(res))
	}
}

func TestTraceRun_MissingPath(t *testing.T) {
	dir := writeFixture(t, nil)
	cs := setup(t, dir)
	_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "trace_run",
		Arguments: map[string]any{},
	})
	if err == nil {
		t.Error("expected error for missing path")
	}
}

// --- trace_inspect ---

func TestTraceInspect_MissingRunID(t *testing.T) {
	dir := writeFixture(t, nil)
	cs := setup(t, dir)
	_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "trace_inspect",
		Arguments: map[string]any{"stream": "stdout"},
	})
	if err == nil {
		t.Error("expected error for missing run_id")
	}
}

func TestTraceInspect_InvalidRunID(t *testing.T) {
	dir := writeFixture(t, nil)
	cs := setup(t, dir)
	res := callTool(t, cs, "trace_inspect", map[string]any{"run_id": "nonexistent-id"})
	if !res.IsError {
		t.Error("expected IsError for invalid run_id")
	}
}

func TestTraceInspect_Paging(t *testing.T) {
	dir := writeFixture(t, map[string]string{
		"many.sh": "i=1\nwhile [ $i -le 50 ]; do echo \"line $i\"; i=$((i+1)); done\necho 'done' >&2\n",
	})
	cs := setup(t, dir)

	id := runID(t, resultText(callTool(t, cs, "trace_run", map[string]any{"path": "many.sh"})))

	res := callTool(t, cs, "trace_inspect", map[string]any{"run_id": id, "offset": 10, "limit": 5})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "stdout: lines 11-15 of 50") {
		t.Errorf("expected line window header, got:\n%s", text)
	}
	if !strings.Contains(text, "line 11") || strings.Contains(text, "line 16") {
		t.Errorf("unexpected window contents:\n%s", text)
	}
	if !strings.Contains(text, "offset=15") {
		t.Errorf("expected continuation hint, got:\n%s", text)
	}

	res = callTool(t, cs, "trace_inspect", map[string]any{"run_id": id, "stream": "stderr"})
	if text := resultText(res); !strings.Contains(text, "done") {
		t.Errorf("expected stderr contents, got:\n%s", text)
	}

	res = callTool(t, cs, "trace_inspect", map[string]any{"run_id": id, "stream": "stdin"})
	if !res.IsError {
		t.Error("expected IsError for unknown stream")
	}
}

// --- roots ---

func TestRetarget_LeavesPreviousRunnerAlone(t *testing.T) {
	first := writeFixture(t, nil)
	second := t.TempDir()
	if err := os.WriteFile(filepath.Join(second, config.FileName), []byte("command: bash\ntimeout: 7s\nwait_delay: 1s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := config.Load(first)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	orig := &runner.Runner{Workspace: loaded.Root, Timeout: 30 * time.Second, MaxOutput: 1024}
	store := report.NewDiskStore(t.TempDir())
	tr, err := trace.New(loaded, orig, store, nil)
	if err != nil {
		t.Fatalf("trace.New: %v", err)
	}
	h := &handler{tracer: tr, cfg: loaded.Config, runner: orig, store: store, log: slog.New(slog.DiscardHandler)}

	next, err := config.Load(second)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if err := h.retarget(next); err != nil {
		t.Fatalf("retarget: %v", err)
	}

	if orig.Workspace != loaded.Root || orig.Timeout != 30*time.Second || orig.MaxOutput != 1024 {
		t.Errorf("previous runner was modified: %+v", orig)
	}
	cur, cfg := h.current()
	if cur == tr || cur.Runner == trace.CommandRunner(orig) {
		t.Fatal("tracer and runner were not replaced")
	}
	r, ok := cur.Runner.(*runner.Runner)
	if !ok {
		t.Fatalf("Runner = %T, want *runner.Runner", cur.Runner)
	}
	if r.Workspace != next.Root || r.Timeout != 7*time.Second || r.WaitDelay != time.Second {
		t.Errorf("new runner = %+v", r)
	}
	if cur.Workspace != next.Root || !cur.Confine || cur.Command[0] != "bash" {
		t.Errorf("new tracer = %+v", cur)
	}
	if cfg != next.Config {
		t.Error("config was not replaced")
	}
}
