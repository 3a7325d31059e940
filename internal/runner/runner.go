// Package runner starts a child process and captures its stdout and stderr
// concurrently, with timeouts and output size limits.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// ErrCanceled is returned when a run is stopped by its context or timeout.
var ErrCanceled = errors.New("run canceled")

// DefaultWaitDelay bounds how long the stream readers may keep running after
// the run was canceled.
const DefaultWaitDelay = 5 * time.Second

// Runner executes commands and captures both output streams.
type Runner struct {
	Workspace string        // base for relative working directories
	Timeout   time.Duration // zero means no deadline
	MaxOutput int           // bytes per stream, zero means unlimited
	WaitDelay time.Duration // grace after cancellation before pipes are closed
	Logger    *slog.Logger
}

// Run executes argv and blocks until both output streams are drained and the
// process has exited. The first element is the binary name (resolved via
// PATH), and the rest are arguments. cwd is resolved relative to the
// workspace.
//
// A non-zero exit status is reported through Result.ExitCode, not as an error.
// When ctx is canceled or the timeout expires, the process group is killed and
// the partial Result is returned together with an error wrapping ErrCanceled.
func (r *Runner) Run(ctx context.Context, argv []string, cwd string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	log := r.logger()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	runID := uuid.New().String()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.resolveDir(cwd)
	cmd.WaitDelay = r.waitDelay()
	configureProcess(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", argv[0], err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", argv[0], err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		// Start closes both pipes on failure.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: executing %s: %v", ErrCanceled, argv[0], err)
		}
		return nil, fmt.Errorf("executing %s: %w", argv[0], err)
	}
	log.Debug("process started", "run_id", runID, "argv", argv, "dir", cmd.Dir, "pid", cmd.Process.Pid)

	// Descendants may inherit the pipes and keep them open after the
	// process group was killed; close our ends once the grace period ends.
	drained := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(r.waitDelay())
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			_ = stdoutPipe.Close()
			_ = stderrPipe.Close()
		}
	})
	defer stop()

	stdout := &bytes.Buffer{}
	var stderr bytes.Buffer
	outW := &limitWriter{buf: stdout, limit: r.MaxOutput}
	errW := &limitWriter{buf: &stderr, limit: r.MaxOutput}

	var outErr, errErr error
	var wg conc.WaitGroup
	wg.Go(func() { _, outErr = io.Copy(outW, stdoutPipe) })
	wg.Go(func() { _, errErr = io.Copy(errW, stderrPipe) })
	wg.Wait()
	close(drained)

	waitErr := cmd.Wait()

	res := &Result{
		RunID:     runID,
		ExitCode:  exitCode(waitErr, cmd),
		Stdout:    stdout,
		Stderr:    stderr.String(),
		Truncated: outW.dropped || errW.dropped,
		Duration:  time.Since(started),
	}

	if ctx.Err() != nil {
		log.Debug("process canceled", "run_id", runID, "cause", context.Cause(ctx))
		return res, fmt.Errorf("%w: %s: %v", ErrCanceled, argv[0], context.Cause(ctx))
	}
	if err := errors.Join(outErr, errErr); err != nil {
		return res, fmt.Errorf("reading output of %s: %w", argv[0], err)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("waiting for %s: %w", argv[0], waitErr)
		}
	}

	log.Debug("process exited", "run_id", runID, "exit_code", res.ExitCode, "duration", res.Duration,
		"stdout_bytes", res.Stdout.Len(), "stderr_bytes", len(res.Stderr))
	return res, nil
}

// resolveDir resolves cwd relative to the workspace.
func (r *Runner) resolveDir(cwd string) string {
	if cwd == "" {
		return r.Workspace
	}
	if filepath.IsAbs(cwd) || r.Workspace == "" {
		return filepath.Clean(cwd)
	}
	return filepath.Clean(filepath.Join(r.Workspace, cwd))
}

func (r *Runner) waitDelay() time.Duration {
	if r.WaitDelay > 0 {
		return r.WaitDelay
	}
	return DefaultWaitDelay
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func exitCode(waitErr error, cmd *exec.Cmd) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr == nil {
		return 0
	}
	return -1
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
// A limit of zero or less disables the cap.
type limitWriter struct {
	buf     *bytes.Buffer
	limit   int
	dropped bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.dropped = true
		}
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Write only what fits, but report all bytes as consumed
		// to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		w.dropped = true
		return len(p), nil
	}
	return w.buf.Write(p)
}
