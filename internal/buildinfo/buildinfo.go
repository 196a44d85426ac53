// Package buildinfo exposes the version stamped into the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X github.com/careerdesk/counselor/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the binary for the version command. An unstamped
// commit falls back to the VCS revision the toolchain embedded.
func Info() map[string]string {
	commit := GitCommit
	if commit == "unknown" {
		commit = vcsRevision()
	}
	return map[string]string{
		"version":    Version,
		"git_commit": commit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// RuntimeInfo is Info plus uptime, served by GET /v1/version.
func RuntimeInfo() map[string]string {
	info := Info()
	info["uptime"] = time.Since(started).Truncate(time.Second).String()
	return info
}

// UserAgent is sent on every request to the engine and the job source.
func UserAgent() string {
	return "Counselor/" + Version + " (+https://github.com/careerdesk/counselor)"
}

func String() string {
	return fmt.Sprintf("Counselor %s (commit %s, built %s)", Version, Info()["git_commit"], BuildTime)
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return "unknown"
}
