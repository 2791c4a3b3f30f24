// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package schedule computes job run times for interval and cron schedules.
//
// The package is pure: it holds no state and performs no I/O, so both the
// configuration validator and the polling scheduler depend on it.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/dumpvault/internal/models"
)

// MinInterval is the smallest accepted interval schedule. The scheduler polls
// on a fixed tick, so shorter intervals would silently run at tick resolution.
const MinInterval = time.Minute

// Validate checks a schedule definition. Jobs are rejected at creation time
// when this fails, never at run time.
func Validate(kind models.ScheduleType, value string) error {
	switch kind {
	case models.ScheduleInterval:
		_, err := ParseInterval(value)
		return err
	case models.ScheduleCron:
		_, err := ParseCron(value)
		return err
	default:
		return fmt.Errorf("unknown schedule type %q", kind)
	}
}

// ParseInterval parses an interval schedule value. Plain integers are
// seconds; Go duration strings ("1h30m") are also accepted.
func ParseInterval(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	var d time.Duration
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		d = time.Duration(secs) * time.Second
	} else {
		parsed, perr := time.ParseDuration(value)
		if perr != nil {
			return 0, fmt.Errorf("invalid interval %q: expected seconds or a duration", value)
		}
		d = parsed
	}
	if d < MinInterval {
		return 0, fmt.Errorf("interval %s is shorter than the minimum %s", d, MinInterval)
	}
	return d, nil
}

// ComputeNextRun returns the next run time for job after a run completed at
// completedAt. Interval jobs run completedAt+interval; cron jobs run at the
// next matching minute strictly after completedAt. The result is always
// strictly later than the job's current NextRunAt.
func ComputeNextRun(job *models.Job, completedAt time.Time, loc *time.Location) (time.Time, error) {
	var next time.Time
	switch job.ScheduleType {
	case models.ScheduleInterval:
		d, err := ParseInterval(job.ScheduleValue)
		if err != nil {
			return time.Time{}, err
		}
		next = completedAt.Add(d)
		for !next.After(job.NextRunAt) {
			next = next.Add(d)
		}
	case models.ScheduleCron:
		expr, err := ParseCron(job.ScheduleValue)
		if err != nil {
			return time.Time{}, err
		}
		from := completedAt
		if job.NextRunAt.After(from) {
			from = job.NextRunAt
		}
		next = expr.NextRun(from, loc)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q never matches", job.ScheduleValue)
		}
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", job.ScheduleType)
	}
	return next, nil
}

// FirstRun returns the initial NextRunAt for a newly created job: interval
// jobs are due immediately, cron jobs at their first match after now.
func FirstRun(kind models.ScheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	switch kind {
	case models.ScheduleInterval:
		if _, err := ParseInterval(value); err != nil {
			return time.Time{}, err
		}
		return now, nil
	case models.ScheduleCron:
		expr, err := ParseCron(value)
		if err != nil {
			return time.Time{}, err
		}
		return expr.NextRun(now, loc), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", kind)
	}
}
