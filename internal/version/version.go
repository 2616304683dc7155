// Package version carries build-time version information, injected via
// -ldflags by the release build.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns the human-readable version line used by the version
// subcommands.
func String(binary string) string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", binary, Version, Commit, Date)
}

// Number is the numeric protocol-facing version announced in identify
// frames. Bumped when the registration protocol changes.
const Number = 1.0
