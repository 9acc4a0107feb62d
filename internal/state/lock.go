// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/log"
)

// Backoff for lock acquisition. Starts short so uncontended waits stay cheap,
// doubles with jitter up to the ceiling.
const (
	lockBackoffInitial = 5 * time.Millisecond
	lockBackoffMax     = 150 * time.Millisecond
)

// FileLock is an advisory cross-process lock on a sidecar file. At most one
// process holds it at a time; the holder records its pid so waiters can
// detect a dead holder.
type FileLock struct {
	path string
}

// LockHandle represents a held lock. Release is idempotent.
type LockHandle struct {
	lock     *FileLock
	impl     lockImpl
	released bool
}

// NewFileLock wraps the lock sidecar at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock sidecar location.
func (l *FileLock) Path() string { return l.path }

// Acquire waits up to timeout for the lock, backing off exponentially with
// jitter between attempts. On timeout it fails with E_STATE_LOCK_TIMEOUT
// carrying the lock path, lock age and holder pid when known. A holder pid
// observed non-alive twice in succession causes the sidecar to be removed and
// acquisition retried once.
func (l *FileLock) Acquire(ctx context.Context, timeout time.Duration) (*LockHandle, error) {
	logger := log.WithComponent("statelock")
	deadline := time.Now().Add(timeout)
	backoff := lockBackoffInitial
	deadObservations := 0
	staleCleared := false

	for {
		impl, acquired, err := tryLock(l.path)
		if err != nil {
			return nil, errcode.Wrap(errcode.StateLockIO, err, "lock file I/O failure").
				WithContext("lockPath", l.path)
		}
		if acquired {
			return &LockHandle{lock: l, impl: impl}, nil
		}

		holderPid, pidKnown := l.holderPid()
		if pidKnown && !pidAlive(holderPid) {
			deadObservations++
			if deadObservations >= 2 && !staleCleared {
				logger.Warn().
					Str("event", "statelock.stale_removed").
					Str("path", l.path).
					Int("holder_pid", holderPid).
					Msg("removing lock held by dead process")
				_ = os.Remove(l.path)
				staleCleared = true
				deadObservations = 0
				continue
			}
		} else {
			deadObservations = 0
		}

		if time.Now().After(deadline) {
			typed := errcode.New(errcode.StateLockTimeout, "state lock not acquired within %s", timeout).
				WithContext("lockPath", l.path).
				WithContext("lockAgeMs", strconv.FormatInt(l.lockAge().Milliseconds(), 10))
			if pidKnown {
				typed = typed.WithContext("holderPidIfKnown", strconv.Itoa(holderPid))
			}
			return nil, typed
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return nil, errcode.Wrap(errcode.StateLockTimeout, ctx.Err(), "state lock wait cancelled").
				WithContext("lockPath", l.path)
		case <-time.After(sleep):
		}
		if backoff < lockBackoffMax {
			backoff *= 2
		}
	}
}

// Release drops the lock. Locks are never released by force while held; the
// critical section always completes first (callers defer Release).
func (h *LockHandle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	if err := h.impl.release(); err != nil {
		lg := log.WithComponent("statelock")
		lg.Debug().
			Err(err).
			Str("path", h.lock.path).
			Msg("lock release")
	}
}

// holderPid reads the pid the current holder recorded in the sidecar.
func (l *FileLock) holderPid() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *FileLock) lockAge() time.Duration {
	info, err := os.Stat(l.path)
	if err != nil {
		return 0
	}
	return time.Since(info.ModTime())
}

// writeHolderPid stamps the sidecar with the holder's pid for waiters.
func writeHolderPid(f *os.File) {
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
	_ = f.Sync()
}
