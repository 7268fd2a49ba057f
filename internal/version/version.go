// Package version reports how the microvmm binary was built. Release
// builds stamp Version, GitCommit and BuildDate through ldflags; other
// builds fall back to the VCS data the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/aledbf/microvmm/internal/version.Version=v1.0.0".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// BuildInfo is what `microvmm version` prints.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
	Modified  bool
	GoVersion string
	Platform  string
}

// Get collects the build information of the running binary.
func Get() BuildInfo {
	bi := BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		bi.fromSettings(info.Settings)
	}
	return bi
}

// fromSettings fills fields not stamped at link time from the embedded
// vcs.* build settings.
func (bi *BuildInfo) fromSettings(settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if bi.Commit == "unknown" {
				bi.Commit = s.Value
			}
		case "vcs.time":
			if bi.BuildDate == "unknown" {
				bi.BuildDate = s.Value
			}
		case "vcs.modified":
			bi.Modified = s.Value == "true"
		}
	}
}

func (bi BuildInfo) String() string {
	commit := bi.Commit
	if bi.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s, %s)",
		bi.Version, commit, bi.BuildDate, bi.GoVersion, bi.Platform)
}

// Info returns Get formatted on one line.
func Info() string {
	return Get().String()
}

// Short returns just the version string.
func Short() string {
	return Version
}
