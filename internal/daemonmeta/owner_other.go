// SPDX-License-Identifier: MIT

//go:build !unix

package daemonmeta

import (
	"io/fs"
	"os"
)

// permsRestrictive is best-effort where POSIX modes do not apply.
func permsRestrictive(info fs.FileInfo) bool {
	return info.Mode().IsRegular()
}

func pidOwnedByCurrentUser(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p
	return true
}
