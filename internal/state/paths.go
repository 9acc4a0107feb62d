// SPDX-License-Identifier: MIT

// Package state owns the persistent state document: canonical on-disk
// locations, the cross-process file lock, and the transactional store.
package state

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/surfwright/surfwright/internal/fsutil"
)

// On-disk layout under the state root.
const (
	stateFileName     = "state.json"
	lockFileName      = "state.json.lock"
	daemonMetaName    = "daemon.json"
	daemonLogName     = "daemon.log"
	spawnLockName     = "daemon.spawn.lock"
	profilesDirName   = "profiles"
	capturesDirName   = "captures"
	artifactsDirName  = "artifacts"
	networkDirName    = "network"
	harExtension      = ".har"
)

var identPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Paths derives every canonical location from a single root directory. All
// returned paths stay under the root; identifiers are validated before any
// join so a hostile session or capture id cannot traverse out.
type Paths struct {
	root string
}

// NewPaths wraps a state root. The root itself is created lazily by
// EnsureRoot.
func NewPaths(root string) Paths {
	return Paths{root: root}
}

// Root returns the state root directory.
func (p Paths) Root() string { return p.root }

// EnsureRoot creates the root and its fixed subdirectories with owner-only
// permissions.
func (p Paths) EnsureRoot() error {
	for _, dir := range []string{
		p.root,
		p.ProfilesDir(),
		p.CapturesDir(),
		p.NetworkArtifactsDir(),
	} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// StateFile is the canonical state document.
func (p Paths) StateFile() string { return filepath.Join(p.root, stateFileName) }

// LockFile is the advisory lock sidecar for the state document.
func (p Paths) LockFile() string { return filepath.Join(p.root, lockFileName) }

// DaemonMetaFile is the daemon discovery metadata.
func (p Paths) DaemonMetaFile() string { return filepath.Join(p.root, daemonMetaName) }

// DaemonLogFile is the worker's append-only log sink.
func (p Paths) DaemonLogFile() string { return filepath.Join(p.root, daemonLogName) }

// SpawnLockFile serialises concurrent daemon spawners.
func (p Paths) SpawnLockFile() string { return filepath.Join(p.root, spawnLockName) }

// ProfilesDir holds managed browser user-data directories.
func (p Paths) ProfilesDir() string { return filepath.Join(p.root, profilesDirName) }

// CapturesDir holds per-capture coordination files.
func (p Paths) CapturesDir() string { return filepath.Join(p.root, capturesDirName) }

// NetworkArtifactsDir holds exported network artifacts.
func (p Paths) NetworkArtifactsDir() string {
	return filepath.Join(p.root, artifactsDirName, networkDirName)
}

// ProfileDir returns the user-data directory for a managed session.
func (p Paths) ProfileDir(sessionID string) (string, error) {
	if err := validIdent(sessionID); err != nil {
		return "", err
	}
	return fsutil.ConfineRelPath(p.root, filepath.Join(profilesDirName, sessionID))
}

// CaptureSignalFile is touched to request a capture worker stop.
func (p Paths) CaptureSignalFile(captureID string) (string, error) {
	return p.captureFile(captureID, ".signal")
}

// CaptureDoneFile is created by the worker when the capture is finalised.
func (p Paths) CaptureDoneFile(captureID string) (string, error) {
	return p.captureFile(captureID, ".done")
}

// CaptureResultFile carries the worker's result payload.
func (p Paths) CaptureResultFile(captureID string) (string, error) {
	return p.captureFile(captureID, ".result.json")
}

func (p Paths) captureFile(captureID, suffix string) (string, error) {
	if err := validIdent(captureID); err != nil {
		return "", err
	}
	return fsutil.ConfineRelPath(p.root, filepath.Join(capturesDirName, captureID+suffix))
}

// NetworkArtifactFile returns the HAR path for an artifact id.
func (p Paths) NetworkArtifactFile(artifactID string) (string, error) {
	if err := validIdent(artifactID); err != nil {
		return "", err
	}
	return fsutil.ConfineRelPath(p.root, filepath.Join(artifactsDirName, networkDirName, artifactID+harExtension))
}

func validIdent(id string) error {
	if !identPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier %q", id)
	}
	return nil
}
