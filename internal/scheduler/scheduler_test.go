// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/store"
)

// fakeRunner records runs. When block is set, each run waits for it to close.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	err     error
	panics  bool
	block   chan struct{}
	started chan string
}

func (f *fakeRunner) Run(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	f.calls = append(f.calls, job.Name)
	block, started := f.block, f.started
	f.mu.Unlock()
	if started != nil {
		started <- job.Name
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panics {
		panic("dump exploded")
	}
	return f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var noon = time.Date(2026, 4, 1, 12, 0, 5, 0, time.UTC)

func setup(t *testing.T, runner JobRunner, cfg Config, jobs ...models.Job) (*Scheduler, *store.Catalog) {
	t.Helper()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	cat := store.NewCatalog(s)
	for i := range jobs {
		if err := cat.Jobs.Insert(context.Background(), &jobs[i]); err != nil {
			t.Fatal(err)
		}
	}
	sched := New(cat, runner, cfg)
	sched.now = func() time.Time { return noon }
	return sched, cat
}

func intervalJob(id, name string, next time.Time) models.Job {
	return models.Job{
		ID: id, Name: name, Enabled: true,
		ScheduleType: models.ScheduleInterval, ScheduleValue: "3600",
		NextRunAt: next,
	}
}

// tick runs one poll with a live run context and waits for the runs it started.
func tick(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx := context.Background()
	s.checkAndExecute(ctx, ctx)
	s.runs.Wait()
}

func TestScheduler_RunsDueJobAndReschedulesInterval(t *testing.T) {
	runner := &fakeRunner{}
	s, cat := setup(t, runner, Config{}, intervalJob("1", "shop", noon.Add(-time.Minute)))

	tick(t, s)

	if runner.count() != 1 {
		t.Fatalf("runner called %d times, want 1", runner.count())
	}
	job, _ := cat.JobByName(context.Background(), "shop")
	if want := noon.Add(time.Hour); !job.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", job.NextRunAt, want)
	}
	if job.LastRunAt == nil || !job.LastRunAt.Equal(noon) {
		t.Errorf("LastRunAt = %v, want %v", job.LastRunAt, noon)
	}

	// Not due any more.
	tick(t, s)
	if runner.count() != 1 {
		t.Errorf("job ran again before its next run time")
	}
}

func TestScheduler_ReschedulesCron(t *testing.T) {
	runner := &fakeRunner{}
	job := models.Job{
		ID: "1", Name: "hourly", Enabled: true,
		ScheduleType: models.ScheduleCron, ScheduleValue: "0 * * * *",
		NextRunAt: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	s, cat := setup(t, runner, Config{}, job)

	tick(t, s)

	got, _ := cat.JobByName(context.Background(), "hourly")
	if want := time.Date(2026, 4, 1, 13, 0, 0, 0, time.UTC); !got.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, want)
	}
}

func TestScheduler_FailedRunKeepsJob(t *testing.T) {
	for _, runner := range []*fakeRunner{
		{err: errors.New("all destinations failed")},
		{panics: true},
	} {
		s, cat := setup(t, runner, Config{}, intervalJob("1", "crm", noon))
		tick(t, s)

		job, err := cat.JobByName(context.Background(), "crm")
		if err != nil {
			t.Fatalf("job removed after failed run: %v", err)
		}
		if !job.Enabled {
			t.Error("failed run must not disable the job")
		}
		if !job.NextRunAt.After(noon) {
			t.Errorf("failed run not rescheduled: %v", job.NextRunAt)
		}
	}
}

func TestScheduler_SkipsJobInFlight(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan string, 4)}
	s, _ := setup(t, runner, Config{}, intervalJob("1", "slow", noon))
	ctx := context.Background()

	s.checkAndExecute(ctx, ctx)
	<-runner.started
	if !s.InFlight("1") {
		t.Fatal("job should be in flight")
	}
	s.checkAndExecute(ctx, ctx)
	if err := s.launch(ctx, ctx, &models.Job{ID: "1", Name: "slow"}, false); !errors.Is(err, models.ErrJobInFlight) {
		t.Errorf("launch of running job = %v, want ErrJobInFlight", err)
	}

	close(runner.block)
	s.runs.Wait()
	if runner.count() != 1 {
		t.Errorf("runner called %d times, want 1", runner.count())
	}
	if s.InFlight("1") {
		t.Error("in-flight marker not released")
	}
}

func TestScheduler_TickDoesNotWaitForRuns(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan string, 4)}
	s, _ := setup(t, runner, Config{MaxConcurrentJobs: 1},
		intervalJob("1", "first", noon.Add(-time.Hour)),
		intervalJob("2", "second", noon.Add(-time.Minute)),
	)
	ctx := context.Background()

	returned := make(chan struct{})
	go func() {
		s.checkAndExecute(ctx, ctx)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("tick blocked on an in-flight run")
	}
	if name := <-runner.started; name != "first" {
		t.Errorf("started %s first, want the earliest due job", name)
	}
	if runner.count() != 1 {
		t.Errorf("second job should wait for a free slot, runner called %d times", runner.count())
	}

	close(runner.block)
	s.runs.Wait()
	tick(t, s)
	if runner.count() != 2 {
		t.Errorf("second job not picked up on the next tick")
	}
}

func TestScheduler_EnableDisable(t *testing.T) {
	runner := &fakeRunner{}
	s, cat := setup(t, runner, Config{}, intervalJob("1", "shop", noon))
	ctx := context.Background()

	if err := s.Disable(ctx, "shop"); err != nil {
		t.Fatal(err)
	}
	tick(t, s)
	if runner.count() != 0 {
		t.Error("disabled job ran")
	}

	if err := s.Enable(ctx, "shop"); err != nil {
		t.Fatal(err)
	}
	job, _ := cat.JobByName(ctx, "shop")
	if !job.NextRunAt.Equal(noon) {
		t.Error("enable must not touch NextRunAt")
	}
	tick(t, s)
	if runner.count() != 1 {
		t.Error("enabled job did not run")
	}

	if err := s.Disable(ctx, "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Disable(ghost) = %v, want ErrNotFound", err)
	}
}

func TestScheduler_StartStopAndTrigger(t *testing.T) {
	runner := &fakeRunner{started: make(chan string, 4)}
	s, _ := setup(t, runner, Config{CheckInterval: 10 * time.Millisecond, Enabled: true},
		intervalJob("1", "due", noon),
		intervalJob("2", "later", noon.Add(24*time.Hour)),
	)
	ctx := context.Background()

	if err := s.Trigger(ctx, "later"); err == nil {
		t.Error("Trigger before Start should fail")
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	select {
	case name := <-runner.started:
		if name != "due" {
			t.Errorf("started %s, want due", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("due job never ran")
	}

	if err := s.Trigger(ctx, "later"); err != nil {
		t.Fatalf("Trigger() = %v", err)
	}
	select {
	case name := <-runner.started:
		if name != "later" {
			t.Errorf("triggered %s, want later", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("triggered job never ran")
	}
	if err := s.Trigger(ctx, "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Trigger(ghost) = %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestScheduler_StopCancelsInFlightRuns(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan string, 1)}
	s, _ := setup(t, runner, Config{CheckInterval: time.Hour, Enabled: true}, intervalJob("1", "slow", noon))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not cancel the in-flight run")
	}
}

func TestScheduler_TriggerGivesUpWithRequestContext(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan string, 2)}
	s, _ := setup(t, runner, Config{CheckInterval: time.Hour, MaxConcurrentJobs: 1, Enabled: true},
		intervalJob("1", "a", noon),
		intervalJob("2", "b", noon.Add(24*time.Hour)),
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop() }()
	if name := <-runner.started; name != "a" {
		t.Fatalf("started %s, want a", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Trigger(ctx, "b") }()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Trigger() = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger did not return when its context expired")
	}
	if s.InFlight("2") {
		t.Error("abandoned trigger left the job marked in flight")
	}

	close(runner.block)
	s.runs.Wait()
	if got := runner.count(); got != 1 {
		t.Errorf("runs = %d, want only the one holding the slot", got)
	}
}
