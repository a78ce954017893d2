// Package version holds build-time version information for the model proxy
// binaries, injected with -ldflags:
//
// -X github.com/ferro-labs/model-proxy/internal/version.Version=v0.1.0
// -X github.com/ferro-labs/model-proxy/internal/version.Commit=abc1234
// -X github.com/ferro-labs/model-proxy/internal/version.Date=2026-10-01T00:00:00Z
package version

import "fmt"

// Set at link time. Local builds keep the dev values.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the version block served by the general info endpoint.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Current returns the linked version information.
func Current() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}

// String returns e.g. "v0.1.0 (commit abc1234, built 2026-10-01T12:00:00Z)".
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
