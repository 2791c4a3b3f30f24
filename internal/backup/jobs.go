// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package backup

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/schedule"
	"github.com/tomtom215/dumpvault/internal/store"
)

// SyncSummary counts what SyncJobs changed.
type SyncSummary struct {
	Created  int
	Updated  int
	Disabled int
}

// SyncJobs upserts the configured jobs into the catalog by name. A new job
// gets its first NextRunAt; an existing job keeps its NextRunAt unless its
// schedule changed. Catalogued jobs missing from jobs are disabled, never
// deleted, so their run history and backups stay reachable.
func SyncJobs(ctx context.Context, catalog *store.Catalog, jobs []config.JobConfig, loc *time.Location) (SyncSummary, error) {
	var sum SyncSummary
	now := time.Now().UTC()
	configured := make(map[string]bool, len(jobs))

	var errs []error
	for i := range jobs {
		jc := &jobs[i]
		configured[jc.Name] = true
		next, err := schedule.FirstRun(jc.ScheduleType, jc.ScheduleValue, now, loc)
		if err != nil {
			errs = append(errs, models.Configurationf("job %q: %v", jc.Name, err))
			continue
		}
		created, err := catalog.UpsertJob(ctx, models.Job{
			Name:          jc.Name,
			Source:        jc.Source,
			Destinations:  append([]string(nil), jc.Destinations...),
			ScheduleType:  jc.ScheduleType,
			ScheduleValue: jc.ScheduleValue,
			Encrypted:     jc.Encrypted,
			Enabled:       jc.IsEnabled(),
			NextRunAt:     next,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if created {
			sum.Created++
		} else {
			sum.Updated++
		}
	}

	stale := func(j *models.Job) bool { return j.Enabled && !configured[j.Name] }
	gone, err := catalog.Jobs.Find(ctx, stale)
	if err != nil {
		return sum, errors.Join(append(errs, err)...)
	}
	for _, j := range gone {
		logging.Warn().Str("job", j.Name).Msg("Job no longer configured, disabling")
	}
	n, err := catalog.Jobs.Update(ctx, stale, func(j *models.Job) {
		j.Enabled = false
		j.UpdatedAt = now
	})
	if err != nil {
		errs = append(errs, err)
	}
	sum.Disabled = n
	return sum, errors.Join(errs...)
}
