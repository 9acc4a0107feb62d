// SPDX-License-Identifier: MIT

//go:build !unix

package daemon

import "syscall"

func detachedSysProcAttr() *syscall.SysProcAttr {
	return nil
}
