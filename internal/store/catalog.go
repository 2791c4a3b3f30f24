// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/dumpvault/internal/models"
)

// Collection names.
const (
	CollectionJobs    = "jobs"
	CollectionJobRuns = "job_runs"
	CollectionBackups = "backups"
)

// Catalog groups the three collections the daemon uses.
type Catalog struct {
	Jobs    *Collection[models.Job]
	Runs    *Collection[models.JobRun]
	Backups *Collection[models.BackupRecord]
}

// NewCatalog binds the collections to s.
func NewCatalog(s *Store) *Catalog {
	return &Catalog{
		Jobs:    NewCollection(s, CollectionJobs, func(j *models.Job) string { return j.ID }),
		Runs:    NewCollection(s, CollectionJobRuns, func(r *models.JobRun) string { return r.ID }),
		Backups: NewCollection(s, CollectionBackups, func(b *models.BackupRecord) string { return b.ID }),
	}
}

// JobByName returns the job identified by name.
func (c *Catalog) JobByName(ctx context.Context, name string) (*models.Job, error) {
	job, ok, err := FindOne(ctx, c.Jobs, func(j *models.Job) bool { return j.Name == name })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %q: %w", name, models.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns every job sorted by name.
func (c *Catalog) ListJobs(ctx context.Context) ([]models.Job, error) {
	jobs, err := c.Jobs.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	return jobs, nil
}

// DueJobs returns enabled jobs with NextRunAt at or before now, earliest first.
func (c *Catalog) DueJobs(ctx context.Context, now time.Time) ([]models.Job, error) {
	jobs, err := c.Jobs.Find(ctx, func(j *models.Job) bool { return j.IsDue(now) })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].NextRunAt.Before(jobs[k].NextRunAt) })
	return jobs, nil
}

// UpsertJob inserts job, or refreshes the definition of the existing job
// with the same name while keeping its ID and schedule bookkeeping.
// It reports whether the job was newly created.
func (c *Catalog) UpsertJob(ctx context.Context, job models.Job) (bool, error) {
	now := time.Now().UTC()
	n, err := c.Jobs.Update(ctx,
		func(j *models.Job) bool { return j.Name == job.Name },
		func(j *models.Job) {
			scheduleChanged := j.ScheduleType != job.ScheduleType || j.ScheduleValue != job.ScheduleValue
			j.Source = job.Source
			j.Destinations = job.Destinations
			j.ScheduleType = job.ScheduleType
			j.ScheduleValue = job.ScheduleValue
			j.Encrypted = job.Encrypted
			j.Enabled = job.Enabled
			if scheduleChanged && !job.NextRunAt.IsZero() {
				j.NextRunAt = job.NextRunAt
			}
			j.UpdatedAt = now
		})
	if err != nil || n > 0 {
		return false, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt, job.UpdatedAt = now, now
	return true, c.Jobs.Insert(ctx, &job)
}

// RunsForJob returns the newest runs of a job first, at most limit when
// limit is positive.
func (c *Catalog) RunsForJob(ctx context.Context, jobID string, limit int) ([]models.JobRun, error) {
	runs, err := c.Runs.Find(ctx, func(r *models.JobRun) bool { return r.JobID == jobID })
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, k int) bool { return runs[i].StartAt.After(runs[k].StartAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// BackupsAt returns the catalogued backups at destination, oldest first.
// An empty destination returns every backup.
func (c *Catalog) BackupsAt(ctx context.Context, destination string) ([]models.BackupRecord, error) {
	backups, err := c.Backups.Find(ctx, func(b *models.BackupRecord) bool {
		return destination == "" || b.Destination == destination
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(backups, func(i, k int) bool {
		return backups[i].ModifiedAt.Before(backups[k].ModifiedAt)
	})
	return backups, nil
}

// UsageBytes sums the catalogued size at destination.
func (c *Catalog) UsageBytes(ctx context.Context, destination string) (int64, error) {
	backups, err := c.BackupsAt(ctx, destination)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range backups {
		total += b.SizeBytes
	}
	return total, nil
}

// DeleteBackup removes one catalog record by ID.
func (c *Catalog) DeleteBackup(ctx context.Context, id string) error {
	n, err := c.Backups.Delete(ctx, func(b *models.BackupRecord) bool { return b.ID == id })
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("backup %s: %w", id, models.ErrNotFound)
	}
	return nil
}
