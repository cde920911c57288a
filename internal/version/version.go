// Package version carries build identification stamped at link time.
package version

import (
	"fmt"
	"runtime"
)

// Variables set via -ldflags -X at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info holds complete build identification.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the current build identification.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns a one-line summary for startup logs.
func Short() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
}

// String returns a multi-line description for version commands.
func (i Info) String() string {
	return fmt.Sprintf(
		"Version:    %s\n"+
			"Git Commit: %s\n"+
			"Build Date: %s\n"+
			"Go Version: %s\n"+
			"Platform:   %s",
		i.Version, i.GitCommit, i.BuildDate, i.GoVersion, i.Platform,
	)
}
