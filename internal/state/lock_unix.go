// SPDX-License-Identifier: MIT

//go:build unix

package state

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// lockImpl is the platform half of a held lock.
type lockImpl interface {
	release() error
}

type flockImpl struct {
	file *os.File
}

// tryLock attempts a non-blocking exclusive flock on the sidecar file. The
// file is created on demand with owner-only permissions.
func tryLock(path string) (lockImpl, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, err
	}
	writeHolderPid(f)
	return &flockImpl{file: f}, true, nil
}

func (i *flockImpl) release() error {
	unlockErr := unix.Flock(int(i.file.Fd()), unix.LOCK_UN)
	closeErr := i.file.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// pidAlive reports whether pid refers to a live process owned by anyone.
// EPERM means the process exists but belongs to another user.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
