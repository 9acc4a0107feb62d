// SPDX-License-Identifier: MIT

//go:build unix

package daemonmeta

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"
)

// permsRestrictive requires the file mode to exclude all group/other bits and
// the file to be owned by the current user.
func permsRestrictive(info fs.FileInfo) bool {
	if info.Mode().Perm()&0o077 != 0 {
		return false
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(stat.Uid) == unix.Getuid()
	}
	return false
}

// pidOwnedByCurrentUser reports whether pid is alive and signalable by this
// user. EPERM means the process belongs to someone else, which counts as
// stale for ownership purposes.
func pidOwnedByCurrentUser(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
