// Package version holds build-time version information for the ragstream
// binary. The variables are populated via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/ragstream-go/internal/version.Version=v1.2.3 \
//	                    -X github.com/54b3r/ragstream-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/ragstream-go/internal/version.BuildDate=2026-01-01"
//
// When built without ldflags the values fall back to readable defaults.
package version

import "fmt"

// Version is the semantic version of the binary. Defaults to "dev".
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date in RFC3339 format.
var BuildDate = "unknown"

// Info is the JSON shape reported by the health endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the current build information.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

// String formats the build information for the version command.
func String() string {
	return fmt.Sprintf("ragstream %s (commit %s, built %s)", Version, Commit, BuildDate)
}
