// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dumpvault/internal/codec"
	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/dump"
	"github.com/tomtom215/dumpvault/internal/events"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/replication"
	"github.com/tomtom215/dumpvault/internal/retention"
	"github.com/tomtom215/dumpvault/internal/store"
)

// Encrypter turns a plain artifact into an encrypted directory.
// codec.Service implements it.
type Encrypter interface {
	Encrypt(ctx context.Context, sourcePath, outDir string) (*codec.Result, error)
}

// Replicator pushes a local artifact to destinations.
// replication.Engine implements it.
type Replicator interface {
	PushArtifact(ctx context.Context, artifactPath, destPrefix string, destinations []string, observer replication.Observer) (*replication.Result, error)
}

// Reclaimer frees quota space before an upload.
// retention.Evictor implements it.
type Reclaimer interface {
	Reclaim(ctx context.Context, dest *config.DestinationConfig, incoming int64) (*retention.Report, error)
}

// DestinationLookup finds destination configuration by name.
// storage.Registry implements it.
type DestinationLookup interface {
	Config(name string) (*config.DestinationConfig, bool)
}

var (
	_ Encrypter  = (*codec.Service)(nil)
	_ Replicator = (*replication.Engine)(nil)
	_ Reclaimer  = (*retention.Evictor)(nil)
)

// Deps are the collaborators of a Runner. Encrypter may be nil when no job
// is encrypted; Emitter defaults to events.Discard.
type Deps struct {
	Catalog      *store.Catalog
	Producer     dump.Producer
	Encrypter    Encrypter
	Replicator   Replicator
	Reclaimer    Reclaimer
	Destinations DestinationLookup
	Emitter      events.Emitter
}

// Runner executes backup jobs. It is safe for concurrent use by jobs with
// distinct names.
type Runner struct {
	deps    Deps
	workDir string
	now     func() time.Time
}

// NewRunner returns a Runner that stages artifacts under workDir.
func NewRunner(deps Deps, workDir string) *Runner {
	if deps.Emitter == nil {
		deps.Emitter = events.Discard
	}
	return &Runner{deps: deps, workDir: workDir, now: time.Now}
}

// Run executes job once. The returned error describes why the run failed;
// the JobRun record carries the same message.
func (r *Runner) Run(ctx context.Context, job *models.Job) error {
	run := &models.JobRun{
		ID:      logging.GenerateRunID(),
		JobID:   job.ID,
		JobName: job.Name,
		StartAt: r.now().UTC(),
		Status:  models.RunStarted,
	}
	if err := r.deps.Catalog.Runs.Insert(ctx, run); err != nil {
		return fmt.Errorf("failed to record run of %s: %w", job.Name, err)
	}

	ctx = logging.ContextWithJob(logging.ContextWithRunID(ctx, run.ID), job.Name)
	logger := logging.Ctx(ctx)
	logger.Info().
		Str("source", job.Source).
		Strs("destinations", job.Destinations).
		Bool("encrypted", job.Encrypted).
		Msg("Backup run started")

	runDir := filepath.Join(r.workDir, job.Name, run.ID)
	defer func() {
		if err := os.RemoveAll(runDir); err != nil {
			logger.Warn().Err(err).Str("dir", runDir).Msg("Failed to remove run directory")
		}
	}()

	runErr := r.execute(ctx, job, run, runDir)
	r.finish(ctx, job, run, runErr)
	return runErr
}

// execute performs the pipeline and fills the counters on run.
func (r *Runner) execute(ctx context.Context, job *models.Job, run *models.JobRun, runDir string) error {
	logger := logging.Ctx(ctx)

	artifact, err := r.deps.Producer.Dump(ctx, job.Source, runDir)
	if err != nil {
		return fmt.Errorf("dump failed: %w", err)
	}
	run.SizeBytes = artifact.SizeBytes
	logger.Info().
		Str("artifact", artifact.LogicalName).
		Int64("size_bytes", artifact.SizeBytes).
		Msg("Dump complete")

	if job.Encrypted {
		if r.deps.Encrypter == nil {
			return models.Configurationf("job %s is encrypted but no encrypter is configured", job.Name)
		}
		res, err := r.deps.Encrypter.Encrypt(ctx, artifact.PayloadRef, runDir)
		if err != nil {
			return fmt.Errorf("encryption failed: %w", err)
		}
		artifact.Encrypted = true
		artifact.EncryptedDirRef = res.Dir
		artifact.SizeBytes = res.SizeBytes
		run.SizeBytes = res.SizeBytes
	}

	r.reclaim(ctx, job, artifact.SizeBytes)

	prefix := path.Join(job.Name, run.ID)
	res, err := r.deps.Replicator.PushArtifact(ctx, artifact.ReplicationRoot(), prefix, job.Destinations, func(p models.SyncProgress) {
		logger.Debug().
			Int("processed", p.Processed).
			Int("total", p.Total).
			Float64("percent", p.Percent).
			Msg("Replication progress")
	})
	if err != nil {
		return fmt.Errorf("replication failed: %w", err)
	}
	run.Uploaded = res.Uploaded
	run.Skipped = res.Skipped
	run.Failed = res.Failed

	stored := r.catalogue(ctx, job, run, artifact, prefix, res)
	for _, name := range res.Dropped {
		r.deps.Emitter.Emit(ctx, models.Event{
			Name:        models.EventBackupFailed,
			JobName:     job.Name,
			RunID:       run.ID,
			Destination: name,
			Error:       "destination could not be resolved",
		})
	}

	switch {
	case res.Stopped:
		return fmt.Errorf("run interrupted after %d of %d objects: %w", res.Processed, res.Total, ctx.Err())
	case stored == 0:
		if err := res.Err(); err != nil {
			return fmt.Errorf("no destination stored the backup: %w", err)
		}
		return errors.New("no destination stored the backup")
	}
	if err := res.Err(); err != nil {
		logger.Warn().Err(err).Int("stored", stored).Msg("Backup stored with destination failures")
	}
	return nil
}

// reclaim makes room at every quota-bound destination. Eviction failures
// are logged; the upload is still attempted.
func (r *Runner) reclaim(ctx context.Context, job *models.Job, incoming int64) {
	if r.deps.Reclaimer == nil || r.deps.Destinations == nil {
		return
	}
	for _, name := range job.Destinations {
		dest, ok := r.deps.Destinations.Config(name)
		if !ok {
			continue
		}
		report, err := r.deps.Reclaimer.Reclaim(ctx, dest, incoming)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("destination", name).Msg("Eviction incomplete")
			continue
		}
		if len(report.Evicted) > 0 {
			logging.Ctx(ctx).Info().
				Str("destination", name).
				Int("evicted", len(report.Evicted)).
				Int64("usage_bytes", report.UsageAfter).
				Msg("Reclaimed destination space")
		}
	}
}

// catalogue records the objects each destination stored and emits the
// per-destination events. It returns the number of destinations that
// stored the complete artifact.
func (r *Runner) catalogue(ctx context.Context, job *models.Job, run *models.JobRun, artifact *models.Artifact, prefix string, res *replication.Result) int {
	names := make([]string, 0, len(res.Destinations))
	for name := range res.Destinations {
		names = append(names, name)
	}
	sort.Strings(names)

	stored := 0
	for _, name := range names {
		rep := res.Destinations[name]
		ev := models.Event{
			Name:        models.EventBackupSuccess,
			JobName:     job.Name,
			RunID:       run.ID,
			Destination: name,
		}

		if len(rep.Uploaded) > 0 {
			rec := models.BackupRecord{
				ID:          uuid.NewString(),
				JobID:       job.ID,
				RunID:       run.ID,
				Destination: name,
				LogicalName: artifact.LogicalName,
				Prefix:      prefix,
				Objects:     rep.Uploaded,
				Encrypted:   artifact.Encrypted,
				ModifiedAt:  r.now().UTC(),
			}
			for _, obj := range rep.Uploaded {
				rec.SizeBytes += obj.Size
			}
			ev.SizeBytes = rec.SizeBytes
			if err := r.deps.Catalog.Backups.Insert(context.WithoutCancel(ctx), &rec); err != nil {
				logging.Ctx(ctx).Error().Err(err).Str("destination", name).Msg("Failed to catalog backup")
				ev.Name = models.EventBackupFailed
				ev.Error = "catalog: " + err.Error()
				r.deps.Emitter.Emit(ctx, ev)
				continue
			}
		}

		if msg := failureMessage(rep); msg != "" {
			ev.Name = models.EventBackupFailed
			ev.Error = msg
		} else if len(rep.Uploaded) == 0 {
			ev.Name = models.EventBackupFailed
			ev.Error = "no objects stored"
		} else {
			stored++
		}
		r.deps.Emitter.Emit(ctx, ev)
	}
	return stored
}

func failureMessage(rep *replication.DestinationReport) string {
	if !rep.Reachable {
		return "unreachable: " + rep.Error
	}
	if len(rep.Failed) == 0 {
		return ""
	}
	msgs := make([]string, len(rep.Failed))
	for i, f := range rep.Failed {
		msgs[i] = f.Error()
	}
	return strings.Join(msgs, "; ")
}

// finish closes the JobRun record, records metrics and emits the run event.
// It runs even when ctx was canceled so an interrupted run is still closed.
func (r *Runner) finish(ctx context.Context, job *models.Job, run *models.JobRun, runErr error) {
	finished := r.now().UTC()
	run.FinishedAt = &finished
	run.Status = models.RunSuccess
	evName := models.EventJobRunSuccess
	level := zerolog.InfoLevel
	if runErr != nil {
		run.Status = models.RunFailed
		run.ErrorMessage = runErr.Error()
		evName = models.EventJobRunFailed
		level = zerolog.ErrorLevel
	}

	final := *run
	_, err := r.deps.Catalog.Runs.Update(context.WithoutCancel(ctx),
		func(jr *models.JobRun) bool { return jr.ID == final.ID },
		func(jr *models.JobRun) { *jr = final },
	)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to close run record")
	}

	duration := finished.Sub(run.StartAt)
	metrics.RecordJobRun(job.Name, string(run.Status), duration)

	logging.Ctx(ctx).WithLevel(level).
		Err(runErr).
		Str("status", string(run.Status)).
		Int("uploaded", run.Uploaded).
		Int("skipped", run.Skipped).
		Int("failed", run.Failed).
		Dur("duration", duration).
		Msg("Backup run finished")

	r.deps.Emitter.Emit(context.WithoutCancel(ctx), models.Event{
		Name:      evName,
		JobName:   job.Name,
		RunID:     run.ID,
		SizeBytes: run.SizeBytes,
		Error:     run.ErrorMessage,
		Details: map[string]any{
			"uploaded": run.Uploaded,
			"skipped":  run.Skipped,
			"failed":   run.Failed,
		},
	})
}
