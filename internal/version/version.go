// Package version holds build metadata stamped at link time via
// -ldflags "-X github.com/vibe80/vibe80/internal/version.Version=...".
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
