// Package buildinfo reports the relay's version and build metadata.
// Release builds stamp the variables with -ldflags; "go install" builds
// fall back to the VCS details the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X github.com/nugget/insight-relay/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		fromBuildInfo(bi)
	}
}

// fromBuildInfo fills whatever -ldflags left at its default.
func fromBuildInfo(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 7 {
				GitCommit = s.Value[:7]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		}
	}
}

// BuildInfo returns build and runtime details keyed for display or JSON.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("InsightRelay/%s (+%s)", Version, runtime.GOOS)
}

// String is a one-line summary for the startup log.
func String() string {
	return fmt.Sprintf("insight-relay %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
