// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/state"
)

// WorkerArg is the hidden argv that turns an invocation into a daemon worker.
const WorkerArg = "__daemon-worker"

// spawnLockStale bounds how long a leftover spawn lock can block new workers.
const spawnLockStale = 10 * time.Second

// SpawnWorker forks a detached worker process that binds a port, publishes
// metadata, and starts accepting. The exclusive spawn lock guarantees one
// starter at a time; losing the race is not an error, the winner's daemon
// serves everyone.
func SpawnWorker(paths state.Paths) error {
	logger := log.WithComponent("daemon")

	if err := paths.EnsureRoot(); err != nil {
		return err
	}

	release, acquired, err := acquireSpawnLock(paths.SpawnLockFile())
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug().
			Str("event", "daemon.spawn_race_lost").
			Msg("another process is already spawning a daemon")
		return nil
	}
	defer release()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	logFile, err := os.OpenFile(paths.DaemonLogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, WorkerArg)
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedSysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon worker: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		logger.Debug().Err(err).Msg("release worker process handle")
	}

	logger.Info().
		Str("event", "daemon.spawned").
		Int("pid", pid).
		Msg("daemon worker spawned")
	return nil
}

// acquireSpawnLock takes the exclusive-create spawn lock, reclaiming it when
// the file is older than the staleness bound.
func acquireSpawnLock(path string) (release func(), acquired bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, true, nil
		}
		if !os.IsExist(err) {
			return nil, false, fmt.Errorf("create spawn lock: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < spawnLockStale {
			return nil, false, nil
		}
		// Stale leftover from a crashed spawner; reclaim once.
		_ = os.Remove(path)
	}
	return nil, false, nil
}
