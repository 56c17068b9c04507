// Package version reports the build identity of the wsserver binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// These variables can be set at build time via ldflags:
//
//	go build -ldflags="-X github.com/muurk/wsserver/internal/version.Version=v1.2.3 \
//	                   -X github.com/muurk/wsserver/internal/version.Commit=abc123"
//
// If not set, they are populated from the VCS stamp in the build info, or
// fall back to "dev" with a timestamp.
var (
	// Version is the semantic version of the application
	Version = ""
	// Commit is the git commit hash
	Commit = ""
	// BuildDate is the commit or build time, RFC 3339
	BuildDate = ""
)

func init() {
	if Version == "" || Commit == "" || BuildDate == "" {
		populateFromBuildInfo(readBuildInfo())
	}

	if Version == "" {
		Version = fmt.Sprintf("dev-%s", time.Now().Format("20060102-150405"))
	}
	if Commit == "" {
		Commit = "unknown"
	}
}

func readBuildInfo() *debug.BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return info
}

// populateFromBuildInfo fills unset variables from the VCS settings Go
// stamps into binaries built inside a repository.
func populateFromBuildInfo(info *debug.BuildInfo) {
	if info == nil {
		return
	}

	var vcsRevision, vcsModified, vcsTime string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcsRevision = setting.Value
		case "vcs.modified":
			vcsModified = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		}
	}

	if Commit == "" && vcsRevision != "" {
		Commit = vcsRevision
		if len(Commit) > 7 {
			Commit = Commit[:7]
		}
		if vcsModified == "true" {
			Commit += "-dirty"
		}
	}

	if vcsTime == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return
	}
	if BuildDate == "" {
		BuildDate = t.UTC().Format(time.RFC3339)
	}
	// Module versions are not stamped for local builds, so use the commit date.
	if Version == "" {
		Version = fmt.Sprintf("dev-%s", t.Format("20060102"))
	}
}

// Info is the build identity in a form suitable for JSON output and
// service metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the current build identity.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Full returns the full version string including commit
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}
