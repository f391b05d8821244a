// Package version records build metadata, injected at link time via
// -ldflags "-X github.com/strand-data/varcall.report/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the release version of the varcall binary.
	Version = "0.3.1"
	// GitSHA is the git commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String renders the version line printed by the version subcommand.
func String() string {
	return fmt.Sprintf("varcall version %s (%s, built %s)", Version, GitSHA, BuildTime)
}
