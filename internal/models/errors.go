// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a missing or invalid destination or job configuration.
	// Fatal to the single operation; the daemon keeps running.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuthentication marks a failed authentication tag check on an artifact.
	ErrAuthentication = errors.New("authentication failed")

	// ErrIntegrity marks a content hash mismatch on an artifact.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrTransientIO marks a network, connect or timeout failure against one destination.
	ErrTransientIO = errors.New("transient I/O error")

	// ErrVaultLocked is returned when an operation needs the session key and none is held.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrVaultNotConfigured is returned when no vault file exists yet.
	ErrVaultNotConfigured = errors.New("vault is not configured")

	// ErrAlreadyConfigured is returned by vault generation when a vault file exists.
	ErrAlreadyConfigured = errors.New("vault already configured")

	// ErrDaemonNotRunning is returned by the control-channel client when no daemon answers.
	ErrDaemonNotRunning = errors.New("daemon is not running, start the service first")

	// ErrNotFound is returned when a record or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrJobInFlight is returned when a job is triggered while a previous run is still active.
	ErrJobInFlight = errors.New("job already running")
)

// DestinationError attributes a failure to one destination and, when known, one object key.
type DestinationError struct {
	Destination string
	Key         string
	Err         error
}

func (e *DestinationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("destination %s: %v", e.Destination, e.Err)
	}
	return fmt.Sprintf("destination %s: %s: %v", e.Destination, e.Key, e.Err)
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}

// NewDestinationError wraps err for the given destination and key.
func NewDestinationError(destination, key string, err error) *DestinationError {
	return &DestinationError{Destination: destination, Key: key, Err: err}
}

// Configurationf returns an error wrapping ErrConfiguration.
func Configurationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Transient wraps err as ErrTransientIO unless it already is one.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}
