// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/storage"
	"github.com/tomtom215/dumpvault/internal/testinfra"
)

// staticResolver resolves names from a fixed set of backends.
type staticResolver map[string]storage.Backend

func (s staticResolver) Resolve(_ context.Context, names []string) (map[string]storage.Backend, []string) {
	out := make(map[string]storage.Backend)
	var dropped []string
	for _, n := range names {
		if b, ok := s[n]; ok {
			out[n] = b
		} else {
			dropped = append(dropped, n)
		}
	}
	return out, dropped
}

func newSource(keys ...string) *testinfra.MemoryBackend {
	src := testinfra.NewMemoryBackend("source")
	for _, k := range keys {
		src.Put(k, []byte("data:"+k))
	}
	return src
}

func assertInvariant(t *testing.T, p models.SyncProgress) {
	t.Helper()
	if p.Processed != p.Uploaded+p.Skipped {
		t.Errorf("processed %d != uploaded %d + skipped %d", p.Processed, p.Uploaded, p.Skipped)
	}
}

func TestSync_Idempotent(t *testing.T) {
	ctx := context.Background()
	src := newSource("db/a", "db/b", "db/c")
	dest := testinfra.NewMemoryBackend("dest")
	engine := NewEngine(Config{}, staticResolver{"dest": dest})
	req := Request{Source: src, SourcePrefix: "db/", Destinations: []string{"dest"}}

	first, err := engine.Sync(ctx, req)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	assertInvariant(t, first.SyncProgress)
	if first.Uploaded != 3 || first.Skipped != 0 || first.Percent != 100 {
		t.Errorf("first run = %+v", first.SyncProgress)
	}

	second, err := engine.Sync(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	assertInvariant(t, second.SyncProgress)
	if second.Uploaded != 0 || second.Skipped != 3 {
		t.Errorf("second run = %+v, want all skipped", second.SyncProgress)
	}
	if src.Lists() != 2 {
		t.Errorf("source listed %d times over two runs, want 2", src.Lists())
	}
	if dest.Uploads() != 3 {
		t.Errorf("destination received %d uploads, want 3", dest.Uploads())
	}
	if err := second.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func TestSync_FanOutUploadsOnlyMissing(t *testing.T) {
	ctx := context.Background()
	src := newSource("a", "b", "c")
	d1 := testinfra.NewMemoryBackend("d1")
	d2 := testinfra.NewMemoryBackend("d2")
	d1.Put("a", []byte("data:a"))
	d2.Put("b", []byte("data:b"))

	engine := NewEngine(Config{SpoolMemoryThreshold: 1 << 20}, staticResolver{"d1": d1, "d2": d2})
	res, err := engine.Sync(ctx, Request{Source: src, Destinations: []string{"d1", "d2"}})
	if err != nil {
		t.Fatal(err)
	}

	for _, d := range []*testinfra.MemoryBackend{d1, d2} {
		keys := d.Keys()
		if fmt.Sprint(keys) != "[a b c]" {
			t.Errorf("%s keys = %v, want [a b c]", d.Name(), keys)
		}
		if d.Uploads() != 2 {
			t.Errorf("%s uploads = %d, want 2", d.Name(), d.Uploads())
		}
	}
	if src.Lists() != 1 {
		t.Errorf("source enumerated %d times, want 1", src.Lists())
	}
	// a and b stream directly, c is spooled once for both destinations.
	if src.Downloads() != 3 {
		t.Errorf("source downloads = %d, want 3", src.Downloads())
	}
	if res.Uploaded != 3 || res.Skipped != 0 {
		t.Errorf("result = %+v", res.SyncProgress)
	}
	assertInvariant(t, res.SyncProgress)
}

func TestSync_DestinationFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	src := newSource("a", "b")
	d1 := testinfra.NewMemoryBackend("d1")
	d2 := testinfra.NewMemoryBackend("d2")
	d2.FailUpload("b", errors.New("disk full"))

	engine := NewEngine(Config{}, staticResolver{"d1": d1, "d2": d2})
	res, err := engine.Sync(ctx, Request{Source: src, Destinations: []string{"d1", "d2"}})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(d1.Keys()) != "[a b]" {
		t.Errorf("d1 keys = %v", d1.Keys())
	}
	if res.Uploaded != 2 {
		t.Errorf("uploaded = %d, want 2 (b accepted by d1)", res.Uploaded)
	}
	rep := res.Destinations["d2"]
	if len(rep.Failed) != 1 || rep.Failed[0].Key != "b" {
		t.Errorf("d2 failures = %+v", rep.Failed)
	}
	var derr *models.DestinationError
	if err := res.Err(); !errors.As(err, &derr) || derr.Destination != "d2" {
		t.Errorf("Err() = %v, want DestinationError for d2", err)
	}
	if fmt.Sprint(res.Accepted()) != "[d1 d2]" {
		t.Errorf("Accepted() = %v", res.Accepted())
	}
}

func TestSync_AllDestinationsFail(t *testing.T) {
	src := newSource("a")
	d1 := testinfra.NewMemoryBackend("d1")
	d1.FailUpload("a", errors.New("boom"))

	engine := NewEngine(Config{}, staticResolver{"d1": d1})
	res, err := engine.Sync(context.Background(), Request{Source: src, Destinations: []string{"d1"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Processed != 0 {
		t.Errorf("result = %+v, want one failed object", res.SyncProgress)
	}
	if res.Percent != 100 {
		t.Errorf("percent = %v, want 100 once every object is finished", res.Percent)
	}
	assertInvariant(t, res.SyncProgress)
}

func TestSync_PercentCountsFailedObjects(t *testing.T) {
	src := newSource("a", "b")
	dest := testinfra.NewMemoryBackend("dest")
	dest.FailUpload("a", errors.New("disk full"))

	var last models.SyncProgress
	engine := NewEngine(Config{MaxConcurrentObjects: 1}, staticResolver{"dest": dest})
	res, err := engine.Sync(context.Background(), Request{
		Source:       src,
		Destinations: []string{"dest"},
		Observer:     func(p models.SyncProgress) { last = p },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 || res.Failed != 1 || res.Processed != 1 {
		t.Errorf("result = %+v", res.SyncProgress)
	}
	if last.Percent != 100 || res.Percent != 100 {
		t.Errorf("final percent = %v (observer %v), want 100", res.Percent, last.Percent)
	}
	assertInvariant(t, res.SyncProgress)
}

func TestSync_UnreachableAndUnknownDestinations(t *testing.T) {
	src := newSource("a")
	up := testinfra.NewMemoryBackend("up")
	down := testinfra.NewMemoryBackend("down")
	down.SetConnectError(errors.New("dial tcp: connection refused"))

	engine := NewEngine(Config{}, staticResolver{"up": up, "down": down})
	res, err := engine.Sync(context.Background(), Request{Source: src, Destinations: []string{"up", "down", "ghost"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != "ghost" {
		t.Errorf("Dropped = %v", res.Dropped)
	}
	if res.Destinations["down"].Reachable {
		t.Error("down should be reported unreachable")
	}
	if len(res.Destinations["down"].Failed) != 0 {
		t.Error("unreachable destination should not be tried per object")
	}
	if res.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", res.Uploaded)
	}
	if !errors.Is(res.Err(), models.ErrTransientIO) {
		t.Errorf("Err() = %v, want ErrTransientIO", res.Err())
	}
	if up.Closes() != 1 || down.Closes() != 1 {
		t.Errorf("closes = %d/%d, want every destination closed once", up.Closes(), down.Closes())
	}
}

func TestSync_ProgressObserver(t *testing.T) {
	src := newSource("a", "b", "c", "d")
	dest := testinfra.NewMemoryBackend("dest")
	dest.Put("b", []byte("data:b"))

	var (
		mu      sync.Mutex
		updates []models.SyncProgress
	)
	engine := NewEngine(Config{MaxConcurrentObjects: 2}, staticResolver{"dest": dest})
	_, err := engine.Sync(context.Background(), Request{
		Source:       src,
		Destinations: []string{"dest"},
		Observer: func(p models.SyncProgress) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 4 {
		t.Fatalf("got %d progress updates, want 4", len(updates))
	}
	for i, u := range updates {
		assertInvariant(t, u)
		if u.Total != 4 || u.Processed != i+1 {
			t.Errorf("update %d = %+v", i, u)
		}
	}
	last := updates[len(updates)-1]
	if last.Percent != 100 || last.Skipped != 1 || last.Uploaded != 3 {
		t.Errorf("last update = %+v", last)
	}
}

func TestSync_EmptySourceIsComplete(t *testing.T) {
	var got []models.SyncProgress
	engine := NewEngine(Config{}, staticResolver{"dest": testinfra.NewMemoryBackend("dest")})
	res, err := engine.Sync(context.Background(), Request{
		Source:       testinfra.NewMemoryBackend("empty"),
		Destinations: []string{"dest"},
		Observer:     func(p models.SyncProgress) { got = append(got, p) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Percent != 100 || len(got) != 1 || got[0].Percent != 100 {
		t.Errorf("empty source should report 100%%: %+v %+v", res.SyncProgress, got)
	}
}

func TestSync_StopsAtObjectBoundary(t *testing.T) {
	src := newSource("a", "b", "c", "d", "e")
	dest := testinfra.NewMemoryBackend("dest")
	dest.SetUploadDelay(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(Config{MaxConcurrentObjects: 1}, staticResolver{"dest": dest})
	res, err := engine.Sync(ctx, Request{
		Source:       src,
		Destinations: []string{"dest"},
		Observer:     func(models.SyncProgress) { cancel() },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped {
		t.Error("run should report Stopped")
	}
	if res.Processed < 1 || res.Processed >= 5 {
		t.Errorf("processed = %d, want the in-flight object only", res.Processed)
	}
	if dest.Uploads() != res.Uploaded {
		t.Errorf("uploads %d != uploaded %d; an object was left half-done", dest.Uploads(), res.Uploaded)
	}
}

func TestSync_SourceListFailure(t *testing.T) {
	src := testinfra.NewMemoryBackend("source")
	src.SetConnectError(errors.New("bucket gone"))
	engine := NewEngine(Config{}, staticResolver{})
	if _, err := engine.Sync(context.Background(), Request{Source: src}); err == nil {
		t.Fatal("expected enumeration error")
	}
}

func TestPushArtifact(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()

	dir := filepath.Join(work, "shop.dvenc")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"payload.enc", "payload.iv", "payload.tag", "sidecar.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	d1 := testinfra.NewMemoryBackend("d1")
	d2 := testinfra.NewMemoryBackend("d2")
	engine := NewEngine(Config{SpoolDir: filepath.Join(work, "spool")}, staticResolver{"d1": d1, "d2": d2})

	res, err := engine.PushArtifact(ctx, dir, "shop/run-1", []string{"d1", "d2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 4 {
		t.Errorf("uploaded = %d, want 4", res.Uploaded)
	}
	want := "[shop/run-1/payload.enc shop/run-1/payload.iv shop/run-1/payload.tag shop/run-1/sidecar.json]"
	if fmt.Sprint(d1.Keys()) != want || fmt.Sprint(d2.Keys()) != want {
		t.Errorf("keys = %v / %v", d1.Keys(), d2.Keys())
	}

	file := filepath.Join(work, "crm.archive.gz")
	if err := os.WriteFile(file, []byte("archive"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file+".old", []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}
	res, err = engine.PushArtifact(ctx, file, "crm/run-1", []string{"d1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 {
		t.Errorf("single-file artifact enumerated %d objects, want 1", res.Total)
	}
	if _, ok := d1.Get("crm/run-1/crm.archive.gz"); !ok {
		t.Error("file artifact missing at destination")
	}
}
