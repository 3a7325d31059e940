// Package trace runs the configured trace command against a target path and
// records what it printed. It is consumed by both the MCP server and the
// CLI commands.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/deixis/tracerun/internal/config"
	"github.com/deixis/tracerun/internal/metrics"
	"github.com/deixis/tracerun/internal/report"
	"github.com/deixis/tracerun/internal/runner"
)

// CommandRunner executes commands and captures their output.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// Tracer holds shared dependencies for trace runs.
type Tracer struct {
	Runner    CommandRunner
	Command   []string     // argv prefix; the target path is appended
	Dir       string       // working directory for the command
	Workspace string       // base for relative targets
	Confine   bool         // reject targets outside Workspace
	Store     report.Store // optional
	Logger    *slog.Logger
}

// New builds a Tracer from a loaded configuration.
func New(loaded *config.LoadResult, r CommandRunner, store report.Store, log *slog.Logger) (*Tracer, error) {
	argv, err := loaded.Config.Argv()
	if err != nil {
		return nil, err
	}
	return &Tracer{
		Runner:    r,
		Command:   argv,
		Dir:       loaded.Config.WorkDir(loaded.Root),
		Workspace: loaded.Root,
		Store:     store,
		Logger:    log,
	}, nil
}

// Run invokes the trace command with path as its sole extra argument and
// returns the captured run once the process has exited.
//
// A failure to start the command is returned as an error without a result.
// A canceled run returns the partial result together with the error; the
// result is stored either way.
func (t *Tracer) Run(ctx context.Context, path string) (*report.RunResult, error) {
	target, err := t.resolveTarget(path)
	if err != nil {
		return nil, err
	}
	if len(t.Command) == 0 {
		return nil, fmt.Errorf("no trace command configured")
	}
	log := t.logger().With("target", target)

	argv := append(slices.Clone(t.Command), target)
	started := time.Now()

	res, runErr := t.Runner.Run(ctx, argv, t.Dir)
	if res == nil {
		if errors.Is(runErr, runner.ErrCanceled) {
			metrics.RunCount.WithLabelValues(metrics.OutcomeCanceled).Inc()
			log.Warn("trace run canceled before start", "error", runErr)
		} else {
			metrics.RunCount.WithLabelValues(metrics.OutcomeStartFailed).Inc()
			log.Error("trace command failed to start", "command", t.Command[0], "error", runErr)
		}
		return nil, fmt.Errorf("running %s: %w", target, runErr)
	}

	run := report.FromRunner(res, target, argv, t.Dir, started)
	if runErr != nil {
		run.Error = runErr.Error()
	}
	observe(run, runErr)

	if t.Store != nil {
		if err := t.Store.Save(run); err != nil {
			log.Warn("could not store run", "run_id", run.ID, "error", err)
		}
	}

	switch {
	case runErr != nil:
		log.Warn("trace run did not complete", "run_id", run.ID, "error", runErr)
		return run, fmt.Errorf("running %s: %w", target, runErr)
	case run.ExitCode != 0:
		log.Info("trace run exited non-zero", "run_id", run.ID, "exit_code", run.ExitCode, "duration", run.Duration)
	default:
		log.Info("trace run finished", "run_id", run.ID, "duration", run.Duration, "stdout_bytes", len(run.Stdout))
	}
	return run, nil
}

// resolveTarget makes path absolute against the workspace and, when confined,
// rejects targets that escape it.
func (t *Tracer) resolveTarget(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty target path")
	}
	if !t.Confine {
		return path, nil
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(t.Workspace, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(t.Workspace, target)
	if err != nil {
		return "", fmt.Errorf("resolving target: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("target %q is outside workspace %q", path, t.Workspace)
	}
	return target, nil
}

func (t *Tracer) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func observe(run *report.RunResult, runErr error) {
	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(runErr, runner.ErrCanceled):
		outcome = metrics.OutcomeCanceled
	case run.ExitCode != 0:
		outcome = metrics.OutcomeExitNonZero
	}
	metrics.RunCount.WithLabelValues(outcome).Inc()
	metrics.RunTime.Observe(run.Duration.Seconds())
	metrics.OutputBytes.WithLabelValues(string(report.Stdout)).Add(float64(len(run.Stdout)))
	metrics.OutputBytes.WithLabelValues(string(report.Stderr)).Add(float64(len(run.Stderr)))
	if run.Truncated {
		metrics.TruncatedCount.Inc()
	}
}
