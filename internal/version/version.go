// Package version reports the canary build.
package version

import (
	"runtime/debug"
	"strings"
)

// Version and Commit are stamped by the release build:
//
//	go build -ldflags "-X github.com/MEKXH/canary/internal/version.Version=v0.3.0"
//
// Unstamped builds take both from the embedded build info.
var (
	Version = "dev"
	Commit  = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) {
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit != "" {
		return
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			Commit = setting.Value
		}
	}
}

// String returns the version, with a short commit when one is known.
func String() string {
	commit := strings.TrimSpace(Commit)
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		return Version
	}
	return Version + " (" + commit + ")"
}
