// Package version holds build information set at link time.
package version

import "runtime/debug"

// Version and Commit are set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = ""
)

// String returns the version with the commit when known. Without ldflags
// the commit falls back to the VCS revision embedded by the go tool.
func String() string {
	commit := Commit
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" {
		return Version
	}
	return Version + " (" + commit + ")"
}
