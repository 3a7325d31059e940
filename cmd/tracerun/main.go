// Command tracerun runs a trace step against a target and captures its output.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/SladkyCitron/slogcolor"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/tracerun"
	"github.com/deixis/tracerun/internal/config"
	tracemcp "github.com/deixis/tracerun/internal/mcp"
	"github.com/deixis/tracerun/internal/metrics"
	"github.com/deixis/tracerun/internal/report"
	"github.com/deixis/tracerun/internal/runner"
	"github.com/deixis/tracerun/internal/trace"
)

// exitError carries the child's exit status out of runMain.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	log.SetFlags(0)
	log.SetPrefix("tracerun: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runMain(args, os.Stdout, os.Stderr)
	case "show":
		err = showMain(args, os.Stdout)
	case "mcp":
		err = mcpMain(args)
	case "version":
		fmt.Println(tracerun.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "tracerun: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	var code exitError
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: tracerun <command> [flags] [args]

Commands:
  run         Run the trace command against a target and capture its output
  show        Print a stored run
  mcp         Start the MCP server
  version     Print the version
  help        Show this help

Use "tracerun <command> -h" for command-specific flags.`)
}

// --- run ---

// runMain writes the child's stdout to stdout (or -o) and its stderr, then
// tracerun's own log lines, to stderr.
func runMain(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output the run as JSON")
	outFlag := fs.String("o", "", "write captured stdout to this file instead of stdout")
	verboseFlag := fs.Bool("v", false, "verbose logging")
	timeoutFlag := fs.Duration("timeout", 0, "override configured timeout (e.g. 5m)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("run: expected exactly one target path")
	}
	target, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("resolving target: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := newEnv(envOptions{
		timeout: *timeoutFlag,
		verbose: *verboseFlag,
		quiet:   true,
		logOut:  stderr,
	})
	if err != nil {
		return err
	}
	// One-shot runs are only worth keeping where show can find them.
	if env.loaded.Config.StoreDir(env.loaded.Root) == "" {
		env.tracer.Store = nil
	}

	run, runErr := env.tracer.Run(ctx, target)
	if run == nil {
		return runErr
	}

	if *jsonFlag {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else {
		if err := writeOutput(stdout, *outFlag, run.Stdout); err != nil {
			return err
		}
		fmt.Fprint(stderr, run.Stderr)
	}

	if runErr != nil {
		return runErr
	}
	if run.ExitCode != 0 {
		return exitError(run.ExitCode)
	}
	return nil
}

func writeOutput(w io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

// --- show ---

func showMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	streamFlag := fs.String("stream", "stdout", "stream to print: stdout or stderr")
	offsetFlag := fs.Int("offset", 0, "first line to print, 0-based")
	limitFlag := fs.Int("limit", 0, "number of lines to print (0 for all)")
	summaryFlag := fs.Bool("summary", false, "print only the run summary")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("show: expected exactly one run id")
	}
	stream, err := report.ParseStream(*streamFlag)
	if err != nil {
		return err
	}

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining workspace: %w", err)
	}
	loaded, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	dir := loaded.Config.StoreDir(loaded.Root)
	if dir == "" {
		return fmt.Errorf("show: no store.dir configured in %s; runs are not kept between invocations", config.FileName)
	}

	run, err := report.NewDiskStore(dir).Load(fs.Arg(0))
	if err != nil {
		return err
	}

	if *summaryFlag {
		fmt.Fprint(stdout, run.Summary())
		return nil
	}
	if *offsetFlag == 0 && *limitFlag <= 0 {
		// Whole stream, byte for byte.
		_, err := io.WriteString(stdout, run.Text(stream))
		return err
	}
	ex := report.Slice(run, stream, *offsetFlag, *limitFlag)
	for _, line := range ex.Lines {
		fmt.Fprintln(stdout, line)
	}
	return nil
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	verboseFlag := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(tracemcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serve(ctx, *httpAddr, *verboseFlag)
}

func serve(ctx context.Context, httpAddr string, verbose bool) error {
	env, err := newEnv(envOptions{verbose: verbose, logOut: os.Stderr})
	if err != nil {
		return err
	}

	server, err := tracemcp.NewServer(env.loaded, env.runner, env.store, env.log)
	if err != nil {
		return err
	}

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr, env.log)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string, logger *slog.Logger) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	logger.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// --- shared ---

type env struct {
	loaded *config.LoadResult
	runner *runner.Runner
	store  report.Store
	tracer *trace.Tracer
	log    *slog.Logger
}

type envOptions struct {
	timeout time.Duration // overrides the configured timeout when > 0
	verbose bool          // debug logging
	quiet   bool          // log warnings and errors only, unless verbose
	logOut  io.Writer
}

func newEnv(opts envOptions) (*env, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining workspace: %w", err)
	}

	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config

	level := cfg.Level()
	if opts.quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(opts.logOut, level)

	timeout := cfg.Timeout()
	if opts.timeout > 0 {
		timeout = opts.timeout
	}

	r := &runner.Runner{
		Workspace: loaded.Root,
		Timeout:   timeout,
		MaxOutput: cfg.MaxOutputBytes(),
		WaitDelay: cfg.WaitDelay(),
		Logger:    logger,
	}

	store := report.NewLRUStore(cfg.CacheSize(), report.NewDiskStore(cfg.StoreDir(loaded.Root)))

	t, err := trace.New(loaded, r, store, logger)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &env{loaded: loaded, runner: r, store: store, tracer: t, log: logger}, nil
}

// newLogger writes colored logs to w, which is stderr in practice; stdout is
// reserved for captured output and the MCP stdio transport.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogcolor.NewHandler(w, &slogcolor.Options{Level: level}))
}
