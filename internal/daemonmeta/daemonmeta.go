// SPDX-License-Identifier: MIT

// Package daemonmeta is the single owner of daemon discovery metadata:
// publishing, validation and cleanup all live here so the launcher and the
// worker can never drift on the rules.
package daemonmeta

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/surfwright/surfwright/internal/log"
)

// Version of the metadata schema.
const Version = 1

// Host is fixed: the daemon is loopback-only.
const Host = "127.0.0.1"

// ErrNoDaemon is returned when no valid metadata is present.
var ErrNoDaemon = errors.New("no valid daemon metadata")

// Metadata advertises a running worker.
type Metadata struct {
	Version   int    `json:"version"`
	Pid       int    `json:"pid"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Token     string `json:"token"`
	StartedAt string `json:"startedAt"`
}

// New builds metadata for the current process.
func New(port int, token string) Metadata {
	return Metadata{
		Version:   Version,
		Pid:       os.Getpid(),
		Host:      Host,
		Port:      port,
		Token:     token,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Publish writes the metadata file with restrictive permissions (0600 on
// POSIX), atomically so readers never observe a partial file.
func Publish(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append(data, '\n'), 0o600)
}

// ReadValid returns the metadata only when every check passes: restrictive
// file mode, matching schema version, positive pid and port, non-empty token,
// and a pid that is alive and belongs to the current user. On any check
// failure the file is removed and ErrNoDaemon returned.
func ReadValid(path string) (Metadata, error) {
	logger := log.WithComponent("daemonmeta")

	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, ErrNoDaemon
	}
	if !permsRestrictive(info) {
		logger.Warn().
			Str("event", "daemonmeta.permissive_mode").
			Str("path", path).
			Str("mode", info.Mode().String()).
			Msg("metadata file readable by group/other, discarding")
		removeStale(path)
		return Metadata{}, ErrNoDaemon
	}

	data, err := os.ReadFile(path)
	if err != nil {
		removeStale(path)
		return Metadata{}, ErrNoDaemon
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		logger.Warn().
			Str("event", "daemonmeta.malformed").
			Str("path", path).
			Msg("metadata file unreadable, discarding")
		removeStale(path)
		return Metadata{}, ErrNoDaemon
	}

	if meta.Version != Version || meta.Pid <= 0 || meta.Port <= 0 || meta.Token == "" {
		removeStale(path)
		return Metadata{}, ErrNoDaemon
	}
	if !pidOwnedByCurrentUser(meta.Pid) {
		logger.Info().
			Str("event", "daemonmeta.stale_pid").
			Int("pid", meta.Pid).
			Msg("metadata pid not alive for current user, discarding")
		removeStale(path)
		return Metadata{}, ErrNoDaemon
	}
	return meta, nil
}

// CleanupIfOwned removes the metadata file only when it still describes this
// process and carries the worker's own token. Workers call this on graceful
// shutdown; a replacement daemon's file survives.
func CleanupIfOwned(path, token string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return
	}
	if meta.Pid != os.Getpid() || meta.Token != token {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		lg := log.WithComponent("daemonmeta")
		lg.Debug().
			Err(err).
			Str("path", path).
			Msg("metadata cleanup")
	}
}

func removeStale(path string) {
	_ = os.Remove(path)
}
