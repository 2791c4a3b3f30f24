// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package scheduler runs due backup jobs.
//
// It polls the record store on a fixed tick instead of keeping a timer per
// job, so a job starts at most CheckInterval after it becomes due. Each due
// job runs in its own goroutine bounded by MaxConcurrentJobs; a tick never
// waits for runs already in flight, and a job that is still running is not
// started again. After every run, successful or not, the job is
// rescheduled with schedule.ComputeNextRun.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/schedule"
	"github.com/tomtom215/dumpvault/internal/store"
)

// JobRunner executes one run of a job. backup.Runner implements it.
type JobRunner interface {
	Run(ctx context.Context, job *models.Job) error
}

// Config holds scheduler settings.
type Config struct {
	// CheckInterval is how often due jobs are polled (default: 1 minute).
	CheckInterval time.Duration

	// MaxConcurrentJobs bounds simultaneous runs.
	MaxConcurrentJobs int

	// ExecutionTimeout bounds a single run.
	ExecutionTimeout time.Duration

	// Enabled controls whether the polling loop does anything.
	Enabled bool

	// Location evaluates cron expressions. Defaults to UTC.
	Location *time.Location
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     time.Minute,
		MaxConcurrentJobs: 4,
		ExecutionTimeout:  6 * time.Hour,
		Enabled:           true,
		Location:          time.UTC,
	}
}

// Scheduler polls for due jobs and runs them.
type Scheduler struct {
	catalog *store.Catalog
	runner  JobRunner
	logger  zerolog.Logger
	config  Config
	now     func() time.Time

	slots chan struct{}

	mu        sync.Mutex
	inFlight  map[string]struct{}
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup
}

// New returns a Scheduler. Zero config fields take defaults.
func New(catalog *store.Catalog, runner JobRunner, config Config) *Scheduler {
	def := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = def.ExecutionTimeout
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Scheduler{
		catalog:  catalog,
		runner:   runner,
		logger:   logging.WithComponent("scheduler"),
		config:   config,
		now:      time.Now,
		slots:    make(chan struct{}, config.MaxConcurrentJobs),
		inFlight: make(map[string]struct{}),
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	// Runs are not tied to the caller's context; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx, s.runCancel = runCtx, cancel
	s.mu.Unlock()

	if !s.config.Enabled {
		s.logger.Info().Msg("Scheduler disabled")
		go func() {
			defer close(s.doneCh)
			<-s.stopCh
		}()
		return nil
	}

	s.logger.Info().
		Dur("check_interval", s.config.CheckInterval).
		Int("max_concurrent", s.config.MaxConcurrentJobs).
		Msg("Starting scheduler")

	go s.run(ctx, runCtx)
	return nil
}

// Stop ends the polling loop, asks in-flight runs to stop at their next
// object boundary, and waits for them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping scheduler...")
	close(s.stopCh)
	<-s.doneCh
	s.runCancel()
	s.runs.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// Serve runs the scheduler until ctx ends. It satisfies suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

func (s *Scheduler) run(ctx, runCtx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.checkAndExecute(ctx, runCtx)

	for {
		select {
		case <-ticker.C:
			s.checkAndExecute(ctx, runCtx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkAndExecute starts every due job that is not already running and
// fits in a free slot. Jobs that do not fit stay due for the next tick.
func (s *Scheduler) checkAndExecute(ctx, runCtx context.Context) {
	metrics.SchedulerTicks.Inc()

	jobs, err := s.catalog.DueJobs(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to get due jobs")
		return
	}
	if len(jobs) == 0 {
		s.logger.Debug().Msg("No jobs due")
		return
	}

	for i := range jobs {
		job := jobs[i]
		if err := s.launch(ctx, runCtx, &job, false); err != nil {
			s.logger.Debug().Err(err).Str("job", job.Name).Msg("Due job not started this tick")
		}
	}
}

var errNoSlot = errors.New("no free run slot")

// launch claims the job's in-flight marker and a slot, then runs it in
// the background under runCtx. wait makes it block for a slot instead of
// giving up; the wait ends early when either ctx or runCtx is done.
func (s *Scheduler) launch(ctx, runCtx context.Context, job *models.Job, wait bool) error {
	if err := runCtx.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, busy := s.inFlight[job.ID]; busy {
		s.mu.Unlock()
		return models.ErrJobInFlight
	}
	s.inFlight[job.ID] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.inFlight, job.ID)
		s.mu.Unlock()
	}

	if wait {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			release()
			return ctx.Err()
		case <-runCtx.Done():
			release()
			return runCtx.Err()
		}
	} else {
		select {
		case s.slots <- struct{}{}:
		default:
			release()
			return errNoSlot
		}
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer func() { <-s.slots }()
		defer release()
		s.execute(runCtx, job)
	}()
	return nil
}

// execute runs one job and reschedules it whatever the outcome.
func (s *Scheduler) execute(ctx context.Context, job *models.Job) {
	logger := s.logger.With().Str("job", job.Name).Str("job_id", job.ID).Logger()
	logger.Info().Msg("Executing job")

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	execCtx, cancel := context.WithTimeout(ctx, s.config.ExecutionTimeout)
	defer cancel()

	if err := s.safeRun(execCtx, job); err != nil {
		logger.Error().Err(err).Msg("Job run failed")
	}

	completedAt := s.now()
	if err := s.reschedule(context.WithoutCancel(ctx), job, completedAt); err != nil {
		logger.Error().Err(err).Msg("Failed to reschedule job")
	}
}

func (s *Scheduler) safeRun(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job run panicked: %v", r)
		}
	}()
	return s.runner.Run(ctx, job)
}

// reschedule records completion and moves NextRunAt forward. It re-reads
// the stored job so a schedule edited during the run is honored.
func (s *Scheduler) reschedule(ctx context.Context, job *models.Job, completedAt time.Time) error {
	var computeErr error
	n, err := s.catalog.Jobs.Update(ctx,
		func(j *models.Job) bool { return j.ID == job.ID },
		func(j *models.Job) {
			next, err := schedule.ComputeNextRun(j, completedAt, s.config.Location)
			if err != nil {
				computeErr = err
				return
			}
			at := completedAt.UTC()
			j.LastRunAt = &at
			j.NextRunAt = next.UTC()
			j.UpdatedAt = at
		})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job.Name, models.ErrNotFound)
	}
	if computeErr != nil {
		return computeErr
	}
	return nil
}

// Trigger runs the named job now, outside its schedule. It returns
// ErrJobInFlight if the job is already running, and waits only for a free
// slot, never for the run. If ctx ends before a slot frees up the job is not
// started and ctx's error is returned.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	job, err := s.catalog.JobByName(ctx, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	running, runCtx := s.running, s.runCtx
	s.mu.Unlock()
	if !running {
		return errors.New("scheduler is not running")
	}
	return s.launch(ctx, runCtx, job, true)
}

// InFlight reports whether a run of the job with the given ID is active.
func (s *Scheduler) InFlight(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[jobID]
	return ok
}

// Enable marks the job runnable. Its NextRunAt is left as is.
func (s *Scheduler) Enable(ctx context.Context, name string) error {
	return s.setEnabled(ctx, name, true)
}

// Disable stops future runs of the job. A run in flight is not interrupted.
func (s *Scheduler) Disable(ctx context.Context, name string) error {
	return s.setEnabled(ctx, name, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, name string, enabled bool) error {
	n, err := s.catalog.Jobs.Update(ctx,
		func(j *models.Job) bool { return j.Name == name },
		func(j *models.Job) {
			j.Enabled = enabled
			j.UpdatedAt = s.now().UTC()
		})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %q: %w", name, models.ErrNotFound)
	}
	s.logger.Info().Str("job", name).Bool("enabled", enabled).Msg("Job state changed")
	return nil
}
