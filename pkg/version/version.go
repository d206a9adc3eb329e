// Package version holds the build metadata stamped in by ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/fademem/fademem/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build metadata keyed for JSON responses and log fields.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": GoVersion,
	}
}

// String renders the version with its commit, e.g. "1.2.0 (3f2a9c1)".
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}
