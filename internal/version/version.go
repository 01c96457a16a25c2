// Package version carries build metadata stamped via ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X .../internal/version.Version=v0.3.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String formats the build metadata for the CLI's version subcommand.
func String() string {
	return fmt.Sprintf("c3voit %s (commit: %s, built: %s)", Version, GitCommit, BuildDate)
}
