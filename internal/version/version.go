// Package version holds build-time identification for the running binary.
package version

// Version and Commit are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)
