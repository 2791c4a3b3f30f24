// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package vault

func pin(_ []byte)   {}
func unpin(_ []byte) {}
