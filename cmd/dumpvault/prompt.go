// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"golang.org/x/term"
)

var stdin = bufio.NewReader(os.Stdin)

// readPassword reads a password without echo from a terminal, or one line
// from a piped stdin.
func readPassword(label string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, label)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return pw, err
	}
	line, err := stdin.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
