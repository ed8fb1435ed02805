// Package version provides build and version information for specmem.
package version

import (
	"fmt"
	"runtime"
)

// Version is the current version of specmem.
// Set via ldflags at build time, or defaults to dev.
var Version = "dev"

// Build information set via ldflags at build time.
var (
	// Commit is the git commit hash.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"

	// GoVersion is the Go version used to build the binary (set at runtime).
	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Info returns the build information for this binary.
func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// String returns a formatted version string with all build info.
func String() string {
	return fmt.Sprintf("specmem %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, Date, GoVersion, runtime.GOOS, runtime.GOARCH)
}
