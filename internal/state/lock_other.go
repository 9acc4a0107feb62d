// SPDX-License-Identifier: MIT

//go:build !unix

package state

import (
	"os"
)

// lockImpl is the platform half of a held lock.
type lockImpl interface {
	release() error
}

type exclusiveCreateImpl struct {
	path string
	file *os.File
}

// tryLock falls back to exclusive-create semantics on platforms without
// advisory locks: whoever creates the sidecar owns the lock, pid-in-file
// plus the liveness check in Acquire handle crashed holders.
func tryLock(path string) (lockImpl, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	writeHolderPid(f)
	return &exclusiveCreateImpl{path: path, file: f}, true, nil
}

func (i *exclusiveCreateImpl) release() error {
	closeErr := i.file.Close()
	removeErr := os.Remove(i.path)
	if removeErr != nil {
		return removeErr
	}
	return closeErr
}

// pidAlive uses FindProcess semantics; on these platforms a found process is
// assumed alive.
func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p
	return true
}
