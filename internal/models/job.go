// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package models

import "time"

// ScheduleType selects how a job's next run is computed.
type ScheduleType string

const (
	// ScheduleInterval runs every N seconds measured from the previous completion.
	ScheduleInterval ScheduleType = "interval"

	// ScheduleCron runs at times matched by a five-field cron expression.
	ScheduleCron ScheduleType = "cron"
)

// Job is a scheduled backup of one database. Identity is Name.
type Job struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Source        string       `json:"source"`
	Destinations  []string     `json:"destinations"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	Encrypted     bool         `json:"encrypted"`
	Enabled       bool         `json:"enabled"`
	NextRunAt     time.Time    `json:"next_run_at"`
	LastRunAt     *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// IsDue reports whether an enabled job should run at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.Enabled && !j.NextRunAt.After(now)
}

// RunStatus is the state of a JobRun.
type RunStatus string

const (
	RunStarted RunStatus = "started"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// JobRun is the audit record of one execution attempt.
type JobRun struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	JobName      string     `json:"job_name"`
	StartAt      time.Time  `json:"start_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	Uploaded     int        `json:"uploaded"`
	Skipped      int        `json:"skipped"`
	Failed       int        `json:"failed"`
}
