// Package version holds build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/pointpillars/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the release version
	Version = "dev"
	// GitSHA is the commit the binary was built from
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String is the banner printed by "pillars version".
func String() string {
	return fmt.Sprintf("pillars %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
