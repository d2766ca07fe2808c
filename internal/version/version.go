// Package version provides build-time version information
// injected via ldflags during compilation.
package version

// These variables are set at build time via -ldflags:
//
//	-X github.com/avaropoint/stark/internal/version.Version=1.2.0
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// String returns the version with its build time, e.g. "1.2.0 (2026-01-02)".
func String() string {
	return Version + " (built " + BuildTime + ")"
}
