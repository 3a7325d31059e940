// Package report provides persistence and retrieval of captured runs.
// Results are stored as typed structs and can be read back a window of
// lines at a time.
package report

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/deixis/tracerun/internal/runner"
)

// Stream identifies one of the captured output streams.
type Stream string

const (
	// Stdout is the child's standard output.
	Stdout Stream = "stdout"
	// Stderr is the child's standard error.
	Stderr Stream = "stderr"
)

// ParseStream validates a stream name. The empty string selects stdout.
func ParseStream(s string) (Stream, error) {
	switch Stream(strings.ToLower(s)) {
	case "", Stdout:
		return Stdout, nil
	case Stderr:
		return Stderr, nil
	}
	return "", fmt.Errorf("unknown stream %q (want stdout or stderr)", s)
}

// Store persists and retrieves run results.
type Store interface {
	Save(result *RunResult) error
	Load(runID string) (*RunResult, error)
}

// RunResult holds everything captured from one run.
type RunResult struct {
	ID        string        `json:"id"`
	Target    string        `json:"target"`
	Argv      []string      `json:"argv"`
	Dir       string        `json:"dir"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	ExitCode  int           `json:"exit_code"`
	Stdout    []byte        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Error     string        `json:"error,omitempty"` // set when the run was canceled
}

// FromRunner converts a runner result into a RunResult.
func FromRunner(res *runner.Result, target string, argv []string, dir string, started time.Time) *RunResult {
	out := &RunResult{
		ID:        res.RunID,
		Target:    target,
		Argv:      argv,
		Dir:       dir,
		StartedAt: started,
		Duration:  res.Duration,
		ExitCode:  res.ExitCode,
		Stderr:    res.Stderr,
		Truncated: res.Truncated,
	}
	if res.Stdout != nil {
		out.Stdout = res.Stdout.Bytes()
	}
	return out
}

// Failed reports whether the run exited non-zero or was canceled.
func (r *RunResult) Failed() bool {
	return r.ExitCode != 0 || r.Error != ""
}

// Text returns the content of the given stream as text.
func (r *RunResult) Text(s Stream) string {
	if s == Stderr {
		return r.Stderr
	}
	return string(r.Stdout)
}

// Summary renders a short human-readable header for the run.
func (r *RunResult) Summary() string {
	var b strings.Builder
	status := "ok"
	switch {
	case r.Error != "":
		status = "canceled"
	case r.ExitCode != 0:
		status = fmt.Sprintf("exit %d", r.ExitCode)
	}
	fmt.Fprintf(&b, "Run: %s\n", r.ID)
	fmt.Fprintf(&b, "Target: %s\n", r.Target)
	fmt.Fprintf(&b, "Status: %s (%s)\n", status, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Stdout: %d bytes, %d lines\n", len(r.Stdout), countLines(string(r.Stdout)))
	fmt.Fprintf(&b, "Stderr: %d bytes, %d lines\n", len(r.Stderr), countLines(r.Stderr))
	if r.Truncated {
		fmt.Fprintln(&b, "Output was truncated at the configured size limit.")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	}
	return b.String()
}

// Excerpt is a window of lines from a captured stream.
type Excerpt struct {
	Stream Stream
	Offset int // index of the first line
	Lines  []string
	Total  int  // total lines in the stream
	Binary bool // stream is not valid UTF-8
}

// More reports whether lines remain after the excerpt.
func (e *Excerpt) More() bool {
	return e.Offset+len(e.Lines) < e.Total
}

// Slice returns up to limit lines of the stream starting at offset. A limit
// of zero or less returns every remaining line.
func Slice(result *RunResult, s Stream, offset, limit int) *Excerpt {
	text := result.Text(s)
	ex := &Excerpt{Stream: s, Binary: !utf8.ValidString(text)}
	if text == "" {
		return ex
	}

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	ex.Total = len(lines)
	if offset < 0 {
		offset = 0
	}
	if offset > len(lines) {
		offset = len(lines)
	}
	ex.Offset = offset

	end := len(lines)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	ex.Lines = lines[offset:end]
	return ex
}

// Tail returns the last n lines of the stream.
func Tail(result *RunResult, s Stream, n int) *Excerpt {
	total := countLines(result.Text(s))
	offset := total - n
	if offset < 0 {
		offset = 0
	}
	return Slice(result, s, offset, n)
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(text, "\n"), "\n") + 1
}
