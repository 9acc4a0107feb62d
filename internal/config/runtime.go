// SPDX-License-Identifier: MIT

// Package config builds the process-wide Runtime value. All environment reads
// happen here, once, at construction time; every other package receives an
// explicit Runtime (tests construct synthetic ones).
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Environment variable names recognised by the runtime.
const (
	EnvStateDir         = "SURFWRIGHT_STATE_DIR"
	EnvDaemon           = "SURFWRIGHT_DAEMON"
	EnvDaemonIdleMs     = "SURFWRIGHT_DAEMON_IDLE_MS"
	EnvMaxActive        = "SURFWRIGHT_MAX_ACTIVE"
	EnvMaxQueueDepth    = "SURFWRIGHT_MAX_QUEUE_DEPTH"
	EnvQueueWaitMs      = "SURFWRIGHT_QUEUE_WAIT_MS"
	EnvGCEnabled        = "SURFWRIGHT_GC_ENABLED"
	EnvGCMinIntervalMs  = "SURFWRIGHT_GC_MIN_INTERVAL_MS"
	EnvIdleProcessTTLMs = "SURFWRIGHT_IDLE_PROCESS_TTL_MS"
	EnvSessionLeaseMs   = "SURFWRIGHT_SESSION_LEASE_TTL_MS"
	EnvAgentID          = "SURFWRIGHT_AGENT_ID"
	EnvDebugAddr        = "SURFWRIGHT_DEBUG_ADDR"
)

// Defaults. Chosen so a single-user interactive workload never hits the
// limits; all are env-tunable.
const (
	DefaultDaemonIdle      = 15 * time.Second
	DefaultMaxActive       = 8
	DefaultMaxQueueDepth   = 8
	DefaultQueueWait       = 2 * time.Second
	DefaultGCMinInterval   = 30 * time.Second
	DefaultIdleProcessTTL  = 3 * time.Minute
	DefaultPersistentLease = 30 * time.Minute
	DefaultEphemeralLease  = 5 * time.Minute
	MinLease               = 10 * time.Second
	MaxLease               = 24 * time.Hour

	DefaultMaxClientRetries = 2
	DefaultInitialBackoff   = 60 * time.Millisecond
	DefaultConnectTimeout   = 1 * time.Second
	DefaultRequestTimeout   = 120 * time.Second

	// MaxFrameBytes is the hard cap on a single wire frame, request or
	// response.
	MaxFrameBytes = 4 << 20

	DefaultReachCacheTTL  = 1500 * time.Millisecond
	DefaultReachCacheSize = 128

	// Managed-unreachable counter thresholds (maintenance state machine).
	RestartThreshold = 1
	DropThreshold    = 3
)

// Runtime is the explicit configuration value passed through every call path.
type Runtime struct {
	StateDir string

	DaemonEnabled bool
	DaemonIdle    time.Duration
	DebugAddr     string

	MaxActive     int
	MaxQueueDepth int
	QueueWait     time.Duration

	GCEnabled      bool
	GCMinInterval  time.Duration
	IdleProcessTTL time.Duration

	PersistentLease time.Duration
	EphemeralLease  time.Duration

	AgentID string

	MaxClientRetries int
	InitialBackoff   time.Duration
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration

	ReachCacheTTL  time.Duration
	ReachCacheSize int
}

// FromEnv reads the environment once and returns a fully-populated Runtime.
func FromEnv() Runtime {
	return Runtime{
		StateDir:         ParseString(EnvStateDir, defaultStateDir()),
		DaemonEnabled:    ParseString(EnvDaemon, "1") != "0",
		DaemonIdle:       ParseMillis(EnvDaemonIdleMs, DefaultDaemonIdle),
		DebugAddr:        ParseString(EnvDebugAddr, ""),
		MaxActive:        clampMin(ParseInt(EnvMaxActive, DefaultMaxActive), 1),
		MaxQueueDepth:    clampMin(ParseInt(EnvMaxQueueDepth, DefaultMaxQueueDepth), 1),
		QueueWait:        ParseMillis(EnvQueueWaitMs, DefaultQueueWait),
		GCEnabled:        ParseBool(EnvGCEnabled, true),
		GCMinInterval:    ParseMillis(EnvGCMinIntervalMs, DefaultGCMinInterval),
		IdleProcessTTL:   ParseMillis(EnvIdleProcessTTLMs, DefaultIdleProcessTTL),
		PersistentLease:  clampLease(ParseMillis(EnvSessionLeaseMs, DefaultPersistentLease)),
		EphemeralLease:   DefaultEphemeralLease,
		AgentID:          ParseString(EnvAgentID, ""),
		MaxClientRetries: DefaultMaxClientRetries,
		InitialBackoff:   DefaultInitialBackoff,
		ConnectTimeout:   DefaultConnectTimeout,
		RequestTimeout:   DefaultRequestTimeout,
		ReachCacheTTL:    DefaultReachCacheTTL,
		ReachCacheSize:   DefaultReachCacheSize,
	}
}

// defaultStateDir resolves the per-user state root when SURFWRIGHT_STATE_DIR
// is unset.
func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".surfwright")
	}
	// No resolvable home: fall back to a uid-scoped temp root.
	return filepath.Join(os.TempDir(), "surfwright")
}

// ClampLease bounds a requested lease TTL to the allowed range.
func ClampLease(ttl time.Duration) time.Duration { return clampLease(ttl) }

func clampLease(ttl time.Duration) time.Duration {
	if ttl < MinLease {
		return MinLease
	}
	if ttl > MaxLease {
		return MaxLease
	}
	return ttl
}

func clampMin(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
