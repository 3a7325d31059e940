// Package config loads and validates the optional .tracerun YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the project configuration file.
const FileName = ".tracerun"

// Default values for runner configuration.
const (
	DefaultCommand   = "dotnet run --no-build"
	DefaultTimeout   = 5 * time.Minute
	DefaultMaxOutput = 16 << 20 // 16 MB
	DefaultWaitDelay = 5 * time.Second
	DefaultCacheSize = 5
)

// Config holds the parsed .tracerun configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int         `yaml:"version"`
	Command      string      `yaml:"command"`    // shell-quoted; the target path is appended
	Dir          string      `yaml:"dir"`        // working directory, relative to the project root
	RawTimeout   string      `yaml:"timeout"`    // e.g. "5m", "30s", "0" disables
	RawMaxOutput int         `yaml:"max_output"` // bytes per stream
	RawWaitDelay string      `yaml:"wait_delay"`
	LogLevel     string      `yaml:"log_level"` // debug, info, warn, error
	Store        StoreConfig `yaml:"store"`
}

// StoreConfig controls where captured runs are kept.
type StoreConfig struct {
	Dir   string `yaml:"dir"`   // empty means a temporary directory per process
	Cache int    `yaml:"cache"` // number of runs kept in memory
}

// Argv splits the configured command into arguments.
func (c *Config) Argv() ([]string, error) {
	command := c.Command
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	words, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", command, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("no command specified")
	}
	return words, nil
}

// WorkDir returns the working directory for runs, resolved against root.
func (c *Config) WorkDir(root string) string {
	if c.Dir == "" {
		return root
	}
	if filepath.IsAbs(c.Dir) {
		return filepath.Clean(c.Dir)
	}
	return filepath.Clean(filepath.Join(root, c.Dir))
}

// Timeout returns the configured timeout or the default. An explicit "0"
// disables the deadline.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d >= 0 {
			return d
		}
	}
	return DefaultTimeout
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// WaitDelay returns the configured cancellation grace period or the default.
func (c *Config) WaitDelay() time.Duration {
	if c.RawWaitDelay != "" {
		d, err := time.ParseDuration(c.RawWaitDelay)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultWaitDelay
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// CacheSize returns the number of runs kept in memory.
func (c *Config) CacheSize() int {
	if c.Store.Cache > 0 {
		return c.Store.Cache
	}
	return DefaultCacheSize
}

// StoreDir returns the run store directory resolved against root, or "" for
// a temporary directory.
func (c *Config) StoreDir(root string) string {
	if c.Store.Dir == "" || filepath.IsAbs(c.Store.Dir) {
		return c.Store.Dir
	}
	return filepath.Join(root, c.Store.Dir)
}

// LoadResult holds the parsed config and the discovered project root.
type LoadResult struct {
	Config *Config
	Root   string // directory containing .tracerun; falls back to workspace
}

// Load reads the .tracerun file for workspace. The project root is
// discovered by walking upward from workspace looking for a .tracerun file.
// If none exists, a default Config is returned and workspace is the root.
func Load(workspace string) (*LoadResult, error) {
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}

	root, err := findRoot(workspace)
	if err != nil {
		return &LoadResult{Config: &Config{}, Root: workspace}, nil
	}

	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &LoadResult{Config: cfg, Root: root}, nil
}

// Validate reports values the accessors would otherwise replace with
// defaults: an unsplittable command and malformed durations.
func (c *Config) Validate() error {
	if _, err := c.Argv(); err != nil {
		return err
	}
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", c.RawTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("timeout %q is negative", c.RawTimeout)
		}
	}
	if c.RawWaitDelay != "" {
		d, err := time.ParseDuration(c.RawWaitDelay)
		if err != nil {
			return fmt.Errorf("parsing wait_delay %q: %w", c.RawWaitDelay, err)
		}
		if d <= 0 {
			return fmt.Errorf("wait_delay %q must be positive", c.RawWaitDelay)
		}
	}
	return nil
}

// findRoot walks upward from dir looking for a directory containing .tracerun.
func findRoot(dir string) (string, error) {
	for {
		if fi, err := os.Stat(filepath.Join(dir, FileName)); err == nil && !fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
