// Package version holds the build version of the worker.
package version

// Version is the moonmind-worker version. Overridden at build time with
// -ldflags "-X github.com/moonmind-dev/moonmind/internal/version.Version=...".
var Version = "dev"
