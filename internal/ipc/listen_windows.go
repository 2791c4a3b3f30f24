// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/tomtom215/dumpvault/internal/config"
)

// pipeSDDL grants full access to LocalSystem and the pipe owner only.
const pipeSDDL = "D:P(A;;GA;;;SY)(A;;GA;;;OW)"

// DefaultAddress returns the pipe name from the daemon configuration.
func DefaultAddress(cfg config.DaemonConfig) string {
	return cfg.PipeName
}

func listen(name string) (net.Listener, error) {
	ln, err := winio.ListenPipe(name, &winio.PipeConfig{
		SecurityDescriptor: pipeSDDL,
		InputBufferSize:    64 << 10,
		OutputBufferSize:   64 << 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", name, err)
	}
	return ln, nil
}

func dial(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, name)
}
