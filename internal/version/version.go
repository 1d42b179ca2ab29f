// Package version holds build metadata injected with -ldflags -X.
package version

import "runtime"

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	GitSHA  = "unknown"
	// BuildTime is an RFC 3339 timestamp.
	BuildTime = "unknown"
)

// Info is the build metadata reported by the tracker.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime, GoVersion: runtime.Version()}
}

// String formats the metadata for startup logs.
func (i Info) String() string {
	sha := i.GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return i.Version + " (" + sha + ", built " + i.BuildTime + ", " + i.GoVersion + ")"
}
