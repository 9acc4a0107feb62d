// SPDX-License-Identifier: MIT

//go:build unix

package daemon

import "syscall"

// detachedSysProcAttr puts the worker in its own session so it survives the
// spawning CLI's exit and never inherits its controlling terminal.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
