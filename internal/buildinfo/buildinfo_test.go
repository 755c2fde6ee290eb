package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

// stamp sets the ldflags variables for one test.
func stamp(t *testing.T, version, commit, built string) {
	t.Helper()
	v, c, b := Version, GitCommit, BuildTime
	Version, GitCommit, BuildTime = version, commit, built
	t.Cleanup(func() { Version, GitCommit, BuildTime = v, c, b })
}

func TestFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "3f2c9a1d0b7e"},
			{Key: "vcs.time", Value: "2026-10-01T09:00:00Z"},
		},
	}

	tests := []struct {
		name                  string
		version, commit, time string
		want                  [3]string
	}{
		{"unstamped", "dev", "unknown", "unknown", [3]string{"v0.4.1", "3f2c9a1", "2026-10-01T09:00:00Z"}},
		{"ldflags win", "v1.0.0", "abcdef0", "2026-10-18", [3]string{"v1.0.0", "abcdef0", "2026-10-18"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stamp(t, tt.version, tt.commit, tt.time)
			fromBuildInfo(bi)
			got := [3]string{Version, GitCommit, BuildTime}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromBuildInfo_DevelVersion(t *testing.T) {
	stamp(t, "dev", "unknown", "unknown")
	fromBuildInfo(&debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}},
	})
	if Version != "dev" || GitCommit != "unknown" {
		t.Errorf("Version=%q GitCommit=%q, want dev/unknown", Version, GitCommit)
	}
}

func TestUserAgentAndString(t *testing.T) {
	stamp(t, "v0.4.1", "3f2c9a1", "2026-10-01")
	if ua := UserAgent(); !strings.HasPrefix(ua, "InsightRelay/v0.4.1 ") {
		t.Errorf("UserAgent() = %q", ua)
	}
	if s := String(); !strings.Contains(s, "insight-relay v0.4.1 (3f2c9a1@") {
		t.Errorf("String() = %q", s)
	}
	if BuildInfo()["version"] != "v0.4.1" {
		t.Errorf("BuildInfo version = %q", BuildInfo()["version"])
	}
}
