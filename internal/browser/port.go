// SPDX-License-Identifier: MIT

// Package browser defines the contract between the coordination core and a
// real browser driver. The core owns the session records; the driver owns the
// OS processes.
package browser

import (
	"context"
	"time"

	"github.com/surfwright/surfwright/internal/state"
)

// StartSpec describes a managed browser launch.
type StartSpec struct {
	SessionID   string
	DebugPort   int
	UserDataDir string
	BrowserMode string // state.ModeHeadless or state.ModeHeaded
}

// EnsureResult reports the outcome of an ensure-reachable call.
type EnsureResult struct {
	Session   *state.SessionRecord
	Restarted bool
}

// Port is the abstract driver contract consumed by the session resolver and
// the maintenance engine.
type Port interface {
	// AllocateFreePort reserves an ephemeral TCP port for a debug endpoint.
	AllocateFreePort() (int, error)

	// StartManaged launches a browser per spec, waits for the debug
	// endpoint, and returns a populated session record including browserPid
	// and cdpOrigin.
	StartManaged(ctx context.Context, spec StartSpec) (*state.SessionRecord, error)

	// Probe is the short reachability check. Implementations may cache
	// positive and negative results for a bounded TTL.
	Probe(ctx context.Context, cdpOrigin string, timeout time.Duration) bool

	// AttachHandshake is the deeper probe used on explicit attach.
	AttachHandshake(ctx context.Context, cdpOrigin string, timeout time.Duration) bool

	// KillProcess terminates a managed browser process. Used by idle
	// parking; never called for attached sessions.
	KillProcess(pid int) error
}
