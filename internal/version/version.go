// Package version carries build metadata injected with -ldflags:
//
//	go build -ldflags "-X git.home.luguber.info/inful/previewd/internal/version.Version=v1.0.0"
package version

import "fmt"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders the version line printed by --version.
func String() string {
	if GitCommit == "unknown" && BuildTime == "unknown" {
		return "previewd " + Version
	}
	return fmt.Sprintf("previewd %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
