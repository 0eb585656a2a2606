// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags. The name and version are advertised to MCP servers
// as clientInfo during initialize.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Name is the client name sent to MCP servers.
const Name = "mcphost"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// BuildInfo returns build and runtime details for the version command.
func BuildInfo() map[string]string {
	return map[string]string{
		"name":       Name,
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("%s %s (%s) built %s", Name, Version, GitCommit, BuildTime)
}
