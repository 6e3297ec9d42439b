// Package version holds build information set through -ldflags.
package version

import (
	"fmt"
	"strings"
)

var (
	// Version is the release of mxview, set at build time.
	Version = "dev"

	// CommitHash is the git commit hash
	CommitHash = "unknown"

	// BuildDate is the build date
	BuildDate = "unknown"
)

// APIVersion is the Matrix Client-Server API path prefix in use.
const APIVersion = "v3"

// UserAgent is sent with every homeserver request.
func UserAgent() string {
	return "mxview/" + strings.TrimPrefix(Version, "v")
}

// GetVersionString returns the full version string
func GetVersionString() string {
	return fmt.Sprintf("mxview version: %s (commit: %s, built: %s)", Version, CommitHash, BuildDate)
}

// GetShortVersion returns just the version number
func GetShortVersion() string {
	return Version
}
