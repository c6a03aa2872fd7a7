package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the binary. Overridden at build time
	// with -ldflags "-X mev-scanner/internal/version.Version=...".
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("mevscanner %s (commit %s, built %s, %s)", Version, Commit, BuildDate, runtime.Version())
}
