// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package replication copies the objects under a source prefix to a set of
// heterogeneous destinations, uploading to each only what it is missing.
//
// A run enumerates the source once, then for every object asks each
// reachable destination whether it already has the key. An object needed
// by one destination streams straight from the source; an object needed by
// several is spooled once (memory or temp file) and read independently per
// destination. Per-destination failures are logged and recorded but never
// cancel sibling uploads. Destinations that fail their connection check at
// the start are excluded for the whole run.
//
// Canceling the context stops the run at an object boundary: objects
// already in flight finish, no new object starts.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/storage"
)

// Config controls fan-out bounds and spooling.
type Config struct {
	MaxConcurrentObjects int
	SpoolDir             string
	SpoolMemoryThreshold int64
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentObjects: 4,
		SpoolMemoryThreshold: 32 << 20,
	}
}

// Resolver turns destination names into backends. storage.Registry
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, names []string) (map[string]storage.Backend, []string)
}

// Observer receives progress after every object. Calls are serialized.
type Observer func(models.SyncProgress)

// Request describes one replication run.
type Request struct {
	Source storage.Backend

	// SourcePrefix selects the source objects to replicate.
	SourcePrefix string

	// DestPrefix is prepended to each source key at the destinations.
	DestPrefix string

	Destinations []string
	Observer     Observer

	// Filter, when set, keeps only the enumerated objects it accepts.
	Filter func(models.ObjectRef) bool
}

// DestinationReport is the outcome at one destination.
type DestinationReport struct {
	Name      string               `json:"name"`
	Kind      string               `json:"kind"`
	Reachable bool                 `json:"reachable"`
	Error     string               `json:"error,omitempty"`
	Uploaded  []models.ObjectRef   `json:"uploaded"`
	Failed    []models.ObjectError `json:"-"`
}

// Result summarizes a run.
type Result struct {
	models.SyncProgress

	// Stopped is set when cancellation ended the run before every object
	// was attempted.
	Stopped bool `json:"stopped"`

	// Dropped lists requested destinations that could not be resolved.
	Dropped []string `json:"dropped,omitempty"`

	Destinations map[string]*DestinationReport `json:"destinations"`
	Duration     time.Duration                 `json:"duration"`
}

// Accepted returns the destinations that stored at least one object.
func (r *Result) Accepted() []string {
	var names []string
	for name, rep := range r.Destinations {
		if len(rep.Uploaded) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Engine runs replication.
type Engine struct {
	cfg      Config
	resolver Resolver
}

// NewEngine returns an Engine. Zero fields in cfg take DefaultConfig values.
func NewEngine(cfg Config, resolver Resolver) *Engine {
	def := DefaultConfig()
	if cfg.MaxConcurrentObjects <= 0 {
		cfg.MaxConcurrentObjects = def.MaxConcurrentObjects
	}
	if cfg.SpoolMemoryThreshold <= 0 {
		cfg.SpoolMemoryThreshold = def.SpoolMemoryThreshold
	}
	return &Engine{cfg: cfg, resolver: resolver}
}

// run is the mutable state of one Sync.
type run struct {
	engine   *Engine
	req      Request
	dests    []storage.Backend
	logger   zerolog.Logger
	mu       sync.Mutex
	progress models.SyncProgress
	reports  map[string]*DestinationReport
}

// Sync replicates req.Source to req.Destinations. It returns an error only
// when the run cannot start (source enumeration failed); per-destination
// and per-object failures are reported in the Result.
func (e *Engine) Sync(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	logger := logging.Ctx(ctx).With().Str("component", "replication").Logger()

	backends, dropped := e.resolver.Resolve(ctx, req.Destinations)
	defer storage.CloseAll(backends)
	for _, name := range dropped {
		logger.Warn().Str("destination", name).Msg("Unknown or unusable destination dropped from run")
	}

	r := &run{
		engine:  e,
		req:     req,
		logger:  logger,
		reports: make(map[string]*DestinationReport, len(backends)),
	}
	r.checkReachability(ctx, backends)

	objects, err := req.Source.List(ctx, req.SourcePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate source %s: %w", req.Source.Name(), err)
	}
	if req.Filter != nil {
		kept := objects[:0]
		for _, obj := range objects {
			if req.Filter(obj) {
				kept = append(kept, obj)
			}
		}
		objects = kept
	}
	r.progress.Total = len(objects)
	logger.Info().
		Int("objects", len(objects)).
		Int("destinations", len(r.dests)).
		Msg("Replication started")

	stopped := r.fanOut(ctx, objects)
	if len(objects) == 0 {
		r.notify()
	}

	res := &Result{
		SyncProgress: r.snapshot(),
		Stopped:      stopped,
		Dropped:      dropped,
		Destinations: r.reports,
		Duration:     time.Since(start),
	}
	metrics.SyncDuration.Observe(res.Duration.Seconds())
	logger.Info().
		Int("processed", res.Processed).
		Int("uploaded", res.Uploaded).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Bool("stopped", stopped).
		Dur("duration", res.Duration).
		Msg("Replication finished")
	return res, nil
}

// checkReachability tests every destination concurrently and keeps the
// reachable ones, in name order.
func (r *run) checkReachability(ctx context.Context, backends map[string]storage.Backend) {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]error, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			errs[i] = backends[name].TestConnection(ctx)
			return nil
		})
	}
	_ = g.Wait()

	for i, name := range names {
		b := backends[name]
		rep := &DestinationReport{Name: name, Kind: b.Kind(), Reachable: errs[i] == nil}
		r.reports[name] = rep
		if errs[i] != nil {
			rep.Error = errs[i].Error()
			metrics.DestinationsUnreachable.WithLabelValues(name).Inc()
			dl := logging.WithDestination(name, b.Kind())
			dl.Error().Err(errs[i]).Msg("Destination unreachable, excluded from this run")
			continue
		}
		r.dests = append(r.dests, b)
	}
}

// fanOut processes objects with bounded concurrency. It reports whether
// cancellation stopped it early.
func (r *run) fanOut(ctx context.Context, objects []models.ObjectRef) bool {
	sem := semaphore.NewWeighted(int64(r.engine.cfg.MaxConcurrentObjects))
	// In-flight objects finish even after ctx is canceled; per-operation
	// timeouts still bound them.
	objCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	stopped := false
	for _, obj := range objects {
		if ctx.Err() != nil || sem.Acquire(ctx, 1) != nil {
			stopped = true
			break
		}
		wg.Add(1)
		go func(obj models.ObjectRef) {
			defer wg.Done()
			defer sem.Release(1)
			r.replicateObject(objCtx, obj)
		}(obj)
	}
	wg.Wait()
	return stopped
}

// outcome of one object at one destination.
type outcome struct {
	dest storage.Backend
	ref  models.ObjectRef
	err  error
}

func (r *run) replicateObject(ctx context.Context, obj models.ObjectRef) {
	destKey := storage.JoinKey(r.req.DestPrefix, obj.Key)

	var needing []storage.Backend
	var results []outcome
	for _, d := range r.dests {
		exists, err := d.Exists(ctx, destKey)
		switch {
		case err != nil:
			results = append(results, outcome{dest: d, err: fmt.Errorf("exists check: %w", err)})
		case !exists:
			needing = append(needing, d)
		}
	}

	switch len(needing) {
	case 0:
	case 1:
		results = append(results, r.streamDirect(ctx, obj, destKey, needing[0]))
	default:
		results = append(results, r.streamSpooled(ctx, obj, destKey, needing)...)
	}

	r.record(obj, results)
}

// streamDirect pipes the source object into a single destination.
func (r *run) streamDirect(ctx context.Context, obj models.ObjectRef, destKey string, d storage.Backend) outcome {
	rc, err := r.req.Source.Download(ctx, obj.Key)
	if err != nil {
		return outcome{dest: d, err: fmt.Errorf("source read: %w", err)}
	}
	defer rc.Close()
	ref, err := d.Upload(ctx, rc, destKey, obj.Size)
	return outcome{dest: d, ref: ref, err: err}
}

// streamSpooled reads the source once into a spool and uploads to every
// destination in parallel from independent readers.
func (r *run) streamSpooled(ctx context.Context, obj models.ObjectRef, destKey string, dests []storage.Backend) []outcome {
	out := make([]outcome, len(dests))
	fail := func(err error) []outcome {
		for i, d := range dests {
			out[i] = outcome{dest: d, err: err}
		}
		return out
	}

	rc, err := r.req.Source.Download(ctx, obj.Key)
	if err != nil {
		return fail(fmt.Errorf("source read: %w", err))
	}
	cfg := r.engine.cfg
	spool, err := NewSpool(ctx, rc, obj.Size, cfg.SpoolMemoryThreshold, cfg.SpoolDir)
	_ = rc.Close()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := spool.Close(); err != nil {
			r.logger.Warn().Err(err).Str("key", obj.Key).Msg("Failed to remove spool file")
		}
	}()

	// No cancel-on-error: one destination failing must not abort the others.
	var g errgroup.Group
	for i, d := range dests {
		g.Go(func() error {
			body, err := spool.Open()
			if err != nil {
				out[i] = outcome{dest: d, err: err}
				return nil
			}
			defer body.Close()
			ref, err := d.Upload(ctx, body, destKey, spool.Size())
			out[i] = outcome{dest: d, ref: ref, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// record folds one object's outcomes into the run and notifies the observer.
func (r *run) record(obj models.ObjectRef, results []outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accepted := 0
	for _, res := range results {
		name := res.dest.Name()
		rep := r.reports[name]
		metrics.RecordUpload(name, res.ref.Size, res.err)
		if res.err != nil {
			rep.Failed = append(rep.Failed, models.ObjectError{Key: obj.Key, Err: res.err})
			dl := logging.WithDestination(name, res.dest.Kind())
			dl.Error().Err(res.err).Str("key", obj.Key).Msg("Object replication failed")
			continue
		}
		accepted++
		rep.Uploaded = append(rep.Uploaded, res.ref)
	}

	switch {
	case len(results) == 0:
		r.progress.Skipped++
		metrics.ObjectsSkipped.Inc()
	case accepted > 0:
		r.progress.Uploaded++
	default:
		r.progress.Failed++
	}
	r.progress.Processed = r.progress.Uploaded + r.progress.Skipped
	r.notifyLocked()
}

func (r *run) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyLocked()
}

func (r *run) notifyLocked() {
	r.progress.Percent = r.progress.Completion()
	if r.req.Observer != nil {
		r.req.Observer(r.progress)
	}
}

func (r *run) snapshot() models.SyncProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress
	p.Percent = p.Completion()
	return p
}

// Err summarizes per-destination failures as one error, or nil when every
// attempted upload succeeded.
func (r *Result) Err() error {
	var errs []error
	names := make([]string, 0, len(r.Destinations))
	for name := range r.Destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rep := r.Destinations[name]
		if !rep.Reachable {
			errs = append(errs, models.NewDestinationError(name, "", models.Transient("connect", errors.New(rep.Error))))
			continue
		}
		for _, f := range rep.Failed {
			errs = append(errs, models.NewDestinationError(name, f.Key, f.Err))
		}
	}
	return errors.Join(errs...)
}
