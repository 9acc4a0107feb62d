// SPDX-License-Identifier: MIT

//go:build unix

package browser

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// detachedBrowserAttr puts the browser in its own session so it outlives the
// launching CLI.
func detachedBrowserAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// terminateProcess signals the whole process group: the browser is a session
// leader (Setsid above), so -pid reaches its renderer and helper children too.
// Falls back to the single pid when the group is already gone.
func terminateProcess(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGTERM); err == nil {
		return nil
	}
	return proc.Signal(syscall.SIGTERM)
}

// killHard is the escalation step after SIGTERM went unanswered.
func killHard(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err == nil {
		return nil
	}
	return proc.Kill()
}

// processAlive reports liveness via signal 0; EPERM still means alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
