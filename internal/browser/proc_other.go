// SPDX-License-Identifier: MIT

//go:build !unix

package browser

import (
	"os"
	"syscall"
)

func detachedBrowserAttr() *syscall.SysProcAttr {
	return nil
}

func terminateProcess(proc *os.Process) error {
	return proc.Kill()
}

func killHard(proc *os.Process) error {
	return proc.Kill()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
