// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

//go:build linux || darwin || freebsd || netbsd || openbsd

package vault

import "golang.org/x/sys/unix"

// pin keeps key bytes out of swap. Failure (typically RLIMIT_MEMLOCK) is
// tolerated: the key is still wiped on lock.
func pin(b []byte) {
	if len(b) > 0 {
		_ = unix.Mlock(b)
	}
}

func unpin(b []byte) {
	if len(b) > 0 {
		_ = unix.Munlock(b)
	}
}
