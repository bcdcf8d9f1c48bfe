// Package version holds the build version, overridable at link time with
// -ldflags "-X github.com/quarrylabs/quarry/internal/version.Version=...".
package version

// Version is the Quarry release version.
var Version = "0.1.0-dev"
