// Package tracerun runs an external trace step against a target and
// captures its output streams.
package tracerun

// Version is the current tracerun release.
const Version = "0.3.0"
