package runner

import (
	"bytes"
	"time"
)

// Result holds the captured output of a command execution.
type Result struct {
	RunID     string        // unique identifier for this run
	ExitCode  int           // process exit code, -1 if killed
	Stdout    *bytes.Buffer // captured stdout, byte-exact unless Truncated
	Stderr    string        // captured stderr
	Truncated bool          // true if either stream exceeded the size cap
	Duration  time.Duration // start to exit
}
