// SPDX-License-Identifier: MIT

// Package version carries build identification injected via ldflags.
package version

var (
	// Version is the release tag, or the fallback for untagged builds.
	Version = "v0.1.0"

	// Commit is the git short hash of the build.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the canonical one-line build identity.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
