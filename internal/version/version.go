// Package version provides build-time version information.
package version

// Set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// String returns "version (commit)" for startup banners.
func String() string {
	return Version + " (" + Commit + ")"
}
