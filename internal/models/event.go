// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package models

import "time"

// EventName identifies an event delivered to sinks.
type EventName string

const (
	EventBackupSuccess EventName = "backup_success"
	EventBackupFailed  EventName = "backup_failed"
	EventBackupDelete  EventName = "backup_delete"
	EventJobRunSuccess EventName = "job_run_success"
	EventJobRunFailed  EventName = "job_run_failed"
)

// Event is a typed notification. Fields not relevant to Name are left empty.
type Event struct {
	Name        EventName      `json:"name"`
	Time        time.Time      `json:"time"`
	JobName     string         `json:"job_name,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	Destination string         `json:"destination,omitempty"`
	SizeBytes   int64          `json:"size_bytes,omitempty"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}
