// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package retention keeps each destination under its configured quota by
// evicting the oldest catalogued backups first.
//
// A backup is only forgotten once every one of its objects is gone from
// the destination. If any object deletion fails the catalog record is kept
// so the next reclaim retries it, and eviction at that destination stops.
package retention

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/events"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/storage"
	"github.com/tomtom215/dumpvault/internal/store"
)

// BackendOpener opens a destination by name. storage.Registry implements it.
type BackendOpener interface {
	Get(ctx context.Context, name string) (storage.Backend, error)
}

// Report describes one reclaim pass.
type Report struct {
	Destination string `json:"destination"`
	Quota       int64  `json:"quota"`
	Incoming    int64  `json:"incoming"`
	UsageBefore int64  `json:"usage_before"`
	UsageAfter  int64  `json:"usage_after"`

	Evicted []models.BackupRecord `json:"evicted,omitempty"`

	// OverQuota is set when usage plus incoming still exceeds the quota
	// after every evictable backup was removed.
	OverQuota bool `json:"over_quota"`
}

// Evictor reclaims space per destination.
type Evictor struct {
	catalog  *store.Catalog
	backends BackendOpener
	emitter  events.Emitter
}

// NewEvictor returns an Evictor. A nil emitter discards events.
func NewEvictor(catalog *store.Catalog, backends BackendOpener, emitter events.Emitter) *Evictor {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Evictor{catalog: catalog, backends: backends, emitter: emitter}
}

// Reclaim evicts the oldest backups at dest until catalogued usage plus
// incoming fits under dest.MaxDiskUsage. Without a quota it does nothing.
// The returned error names the backup whose objects could not all be
// deleted; the Report is valid either way.
func (e *Evictor) Reclaim(ctx context.Context, dest *config.DestinationConfig, incoming int64) (*Report, error) {
	rep := &Report{Destination: dest.Name, Quota: dest.MaxDiskUsage, Incoming: incoming}
	if !dest.HasQuota() {
		return rep, nil
	}
	logger := logging.WithDestination(dest.Name, string(dest.Type))

	backups, err := e.catalog.BackupsAt(ctx, dest.Name)
	if err != nil {
		return rep, fmt.Errorf("failed to read catalog for %s: %w", dest.Name, err)
	}
	for _, b := range backups {
		rep.UsageBefore += b.SizeBytes
	}
	rep.UsageAfter = rep.UsageBefore
	defer func() {
		metrics.DestinationUsageBytes.WithLabelValues(dest.Name).Set(float64(rep.UsageAfter))
	}()

	if rep.UsageAfter+incoming <= dest.MaxDiskUsage {
		return rep, nil
	}

	backend, err := e.backends.Get(ctx, dest.Name)
	if err != nil {
		return rep, fmt.Errorf("failed to open %s for eviction: %w", dest.Name, err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("Ignoring close error")
		}
	}()

	for i := range backups {
		if rep.UsageAfter+incoming <= dest.MaxDiskUsage {
			break
		}
		rec := &backups[i]
		if err := e.evict(ctx, backend, rec); err != nil {
			logger.Error().Err(err).Str("backup_id", rec.ID).Msg("Eviction stopped; backup kept for retry")
			return rep, models.NewDestinationError(dest.Name, "", err)
		}
		rep.UsageAfter -= rec.SizeBytes
		rep.Evicted = append(rep.Evicted, *rec)
		metrics.RecordEviction(dest.Name, rec.SizeBytes)
		logger.Info().
			Str("backup_id", rec.ID).
			Str("job_id", rec.JobID).
			Int64("size_bytes", rec.SizeBytes).
			Time("modified_at", rec.ModifiedAt).
			Msg("Evicted backup")
		e.emitter.Emit(ctx, models.Event{
			Name:        models.EventBackupDelete,
			RunID:       rec.RunID,
			Destination: dest.Name,
			SizeBytes:   rec.SizeBytes,
			Details:     map[string]any{"backup_id": rec.ID, "prefix": rec.Prefix},
		})
	}

	if rep.UsageAfter+incoming > dest.MaxDiskUsage {
		rep.OverQuota = true
		logger.Warn().
			Int64("usage", rep.UsageAfter).
			Int64("incoming", incoming).
			Int64("quota", dest.MaxDiskUsage).
			Msg("Quota still exceeded after evicting every catalogued backup")
	}
	return rep, nil
}

// evict deletes every object of rec, then its catalog record. An object
// that is already absent counts as deleted.
func (e *Evictor) evict(ctx context.Context, backend storage.Backend, rec *models.BackupRecord) error {
	var errs []error
	for _, obj := range rec.Objects {
		if _, err := backend.Delete(ctx, obj.Key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", obj.Key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("backup %s: %w", rec.ID, err)
	}
	if err := e.catalog.DeleteBackup(ctx, rec.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("backup %s: objects removed but catalog record kept: %w", rec.ID, err)
	}
	return nil
}
