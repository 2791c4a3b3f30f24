// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package schedule

import (
	"testing"
	"time"

	"github.com/tomtom215/dumpvault/internal/models"
)

func TestComputeNextRunInterval(t *testing.T) {
	ran := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	job := &models.Job{
		ScheduleType:  models.ScheduleInterval,
		ScheduleValue: "3600",
		NextRunAt:     ran,
	}

	next, err := ComputeNextRun(job, ran, nil)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	if want := ran.Add(3600 * time.Second); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestComputeNextRunCron(t *testing.T) {
	ran := time.Date(2026, 3, 10, 12, 0, 5, 0, time.UTC)
	job := &models.Job{
		ScheduleType:  models.ScheduleCron,
		ScheduleValue: "0 * * * *",
		NextRunAt:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	next, err := ComputeNextRun(job, ran, nil)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	if want := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestComputeNextRunStrictlyIncreasing(t *testing.T) {
	// A clock that went backwards must not move nextRunAt backwards.
	prev := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	completed := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

	for _, job := range []*models.Job{
		{ScheduleType: models.ScheduleInterval, ScheduleValue: "3600", NextRunAt: prev},
		{ScheduleType: models.ScheduleCron, ScheduleValue: "0 * * * *", NextRunAt: prev},
	} {
		next, err := ComputeNextRun(job, completed, nil)
		if err != nil {
			t.Fatalf("ComputeNextRun(%s): %v", job.ScheduleType, err)
		}
		if !next.After(prev) {
			t.Errorf("%s: next %s is not after previous %s", job.ScheduleType, next, prev)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		kind    models.ScheduleType
		value   string
		wantErr bool
	}{
		{models.ScheduleInterval, "3600", false},
		{models.ScheduleInterval, "6h", false},
		{models.ScheduleInterval, "10", true},
		{models.ScheduleInterval, "soon", true},
		{models.ScheduleCron, "0 * * * *", false},
		{models.ScheduleCron, "0 * * *", true},
		{"weekly", "1", true},
	}
	for _, tt := range tests {
		err := Validate(tt.kind, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%s, %q) error = %v, wantErr %v", tt.kind, tt.value, err, tt.wantErr)
		}
	}
}

func TestFirstRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 5, 0, time.UTC)

	got, err := FirstRun(models.ScheduleInterval, "60", now, nil)
	if err != nil || !got.Equal(now) {
		t.Errorf("interval first run = %s, %v; want now", got, err)
	}
	got, err = FirstRun(models.ScheduleCron, "0 * * * *", now, nil)
	if err != nil || !got.Equal(time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("cron first run = %s, %v", got, err)
	}
}
