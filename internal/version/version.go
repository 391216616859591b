// Package version holds the build-time version string.
package version

var (
	// Version is the semantic version of the running binary, set via
	// linker flags during build: -ldflags "-X .../internal/version.Version=1.2.3"
	Version = "dev"
)
