// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

// fakeService fails its first failures runs and then blocks until cancelled.
type fakeService struct {
	name     string
	failures int32
	err      error
	starts   atomic.Int32
	running  atomic.Bool
}

func (f *fakeService) Serve(ctx context.Context) error {
	n := f.starts.Add(1)
	if n <= f.failures {
		return errors.New("simulated failure")
	}
	if f.err != nil {
		return f.err
	}
	f.running.Store(true)
	defer f.running.Store(false)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeService) String() string { return f.name }

var _ suture.Service = (*fakeService)(nil)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewTree_Defaults(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{FailureBackoff: time.Second})
	if tree.Root() == nil {
		t.Fatal("nil root supervisor")
	}
	def := DefaultTreeConfig()
	if tree.config.FailureThreshold != def.FailureThreshold || tree.config.FailureDecay != def.FailureDecay {
		t.Errorf("threshold/decay = %v/%v", tree.config.FailureThreshold, tree.config.FailureDecay)
	}
	if tree.config.FailureBackoff != time.Second {
		t.Errorf("explicit backoff overwritten: %v", tree.config.FailureBackoff)
	}
	if tree.config.ShutdownTimeout != def.ShutdownTimeout {
		t.Errorf("shutdown timeout = %v", tree.config.ShutdownTimeout)
	}
}

func TestTree_StartsEveryLayer(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})
	control := &fakeService{name: "ipc"}
	sched := &fakeService{name: "scheduler"}
	api := &fakeService{name: "http"}
	tree.AddControlService(control)
	tree.AddSchedulingService(sched)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	waitFor(t, "all services running", func() bool {
		return control.running.Load() && sched.running.Load() && api.running.Load()
	})

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tree returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
	if control.running.Load() || sched.running.Load() || api.running.Load() {
		t.Error("a service was still running after shutdown")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		t.Errorf("unstopped services: %v", report)
	}
}

func TestTree_FailingLayerIsIsolated(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	control := &fakeService{name: "ipc"}
	flaky := &fakeService{name: "scheduler", failures: 3}
	tree.AddControlService(control)
	tree.AddSchedulingService(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	waitFor(t, "flaky service recovery", flaky.running.Load)
	if got := flaky.starts.Load(); got < 4 {
		t.Errorf("flaky service started %d times, want at least 4", got)
	}
	if got := control.starts.Load(); got != 1 {
		t.Errorf("control service restarted: %d starts", got)
	}
}

func TestTree_DoNotRestart(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	once := &fakeService{name: "one-shot", err: suture.ErrDoNotRestart}
	steady := &fakeService{name: "steady"}
	tree.AddAPIService(once)
	tree.AddAPIService(steady)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	waitFor(t, "steady service", steady.running.Load)
	time.Sleep(50 * time.Millisecond)
	if got := once.starts.Load(); got != 1 {
		t.Errorf("one-shot service started %d times", got)
	}
}
