// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package events

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/testinfra"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Emit(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDispatcher_IsolatesSinkFailures(t *testing.T) {
	d := NewDispatcher()
	rec := &recordingSink{}
	d.Register("panics", SinkFunc(func(context.Context, models.Event) error { panic("boom") }))
	d.Register("fails", SinkFunc(func(context.Context, models.Event) error { return errors.New("down") }))
	d.Register("records", rec)

	d.Emit(context.Background(), models.Event{Name: models.EventBackupSuccess, JobName: "shop"})

	if rec.count() != 1 {
		t.Fatalf("recording sink got %d events, want 1", rec.count())
	}
	if rec.events[0].Time.IsZero() {
		t.Error("Dispatcher should stamp the event time")
	}
}

func TestDispatcher_KeepsExplicitTime(t *testing.T) {
	d := NewDispatcher()
	rec := &recordingSink{}
	d.Register("records", rec)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d.Emit(context.Background(), models.Event{Name: models.EventBackupDelete, Time: at})
	if !rec.events[0].Time.Equal(at) {
		t.Errorf("Time = %v, want %v", rec.events[0].Time, at)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSinkWithLogger(logging.NewTestLogger(&buf))
	err := sink.Emit(context.Background(), models.Event{
		Name:        models.EventBackupFailed,
		JobName:     "crm",
		Destination: "nas",
		Error:       "disk full",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"event":"backup_failed"`, `"job":"crm"`, `"destination":"nas"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}
}

func TestWebhookSink(t *testing.T) {
	srv := testinfra.NewMockWebhookServer(t)
	sink, err := NewWebhookSink(srv.URL()+"/hooks/backup", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	ev := models.Event{Name: models.EventJobRunSuccess, JobName: "shop", SizeBytes: 42}
	if err := sink.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	caps := srv.Captures()
	if len(caps) != 1 {
		t.Fatalf("captured %d requests", len(caps))
	}
	if caps[0].Method != http.MethodPost || caps[0].Path != "/hooks/backup" {
		t.Errorf("request = %s %s", caps[0].Method, caps[0].Path)
	}
	if caps[0].Headers.Get("X-Dumpvault-Event") != "job_run_success" {
		t.Errorf("event header = %q", caps[0].Headers.Get("X-Dumpvault-Event"))
	}
	var payload WebhookPayload
	if err := caps[0].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Data.JobName != "shop" || payload.Data.SizeBytes != 42 {
		t.Errorf("payload = %+v", payload)
	}

	srv.SetStatus(http.StatusServiceUnavailable)
	if err := sink.Emit(context.Background(), ev); !errors.Is(err, models.ErrTransientIO) {
		t.Errorf("503 error = %v, want transient", err)
	}
	srv.SetStatus(http.StatusBadRequest)
	err = sink.Emit(context.Background(), ev)
	if err == nil || errors.Is(err, models.ErrTransientIO) {
		t.Errorf("400 error = %v, want permanent", err)
	}
}

func TestNewWebhookSink_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "://nope"} {
		if _, err := NewWebhookSink(raw, 0); err == nil {
			t.Errorf("NewWebhookSink(%q) should fail", raw)
		}
	}
}

func TestBus_DeliversToSubscribers(t *testing.T) {
	srv := testinfra.NewMockWebhookServer(t)
	webhook, err := NewWebhookSink(srv.URL(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	bus, err := NewBus(BusConfig{RetryInitialInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recordingSink{}
	bus.Subscribe("webhook", webhook)
	bus.Subscribe("records", rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Serve(ctx) }()
	select {
	case <-bus.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not start")
	}

	d := NewDispatcher()
	d.Register("bus", bus.Sink())
	d.Emit(context.Background(), models.Event{Name: models.EventBackupSuccess, Destination: "s3"})
	d.Emit(context.Background(), models.Event{Name: models.EventBackupDelete, Destination: "nas"})

	if !srv.WaitForCaptures(2, 5*time.Second) {
		t.Fatalf("webhook received %d events, want 2", len(srv.Captures()))
	}
	deadline := time.Now().Add(5 * time.Second)
	for rec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.count() != 2 {
		t.Errorf("recording subscriber got %d events, want 2", rec.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("bus did not stop")
	}
}

func TestBus_RetriesTransientFailures(t *testing.T) {
	bus, err := NewBus(BusConfig{RetryMaxRetries: 3, RetryInitialInterval: 5 * time.Millisecond, RetryMaxInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		calls int
	)
	bus.Subscribe("flaky", SinkFunc(func(context.Context, models.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return models.Transient("flaky", errors.New("try again"))
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Serve(ctx) }()
	<-bus.Running()

	if err := bus.Sink().Emit(context.Background(), models.Event{Name: models.EventJobRunFailed}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Errorf("flaky sink called %d times, want 3", calls)
}
