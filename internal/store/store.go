// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package store persists jobs, job runs and the backup catalog in BadgerDB.
//
// The rest of the daemon talks to it only through Collection[T] and its
// four verbs: Insert, Update, Find and Delete. Each verb is a single Badger
// transaction, so a logical update is atomic with respect to concurrent
// readers. Values are JSON documents keyed by "<collection>/<id>".
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/logging"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")

	// ErrExists is returned by Insert when the ID is already taken.
	ErrExists = errors.New("record already exists")

	// ErrMissingID is returned by Insert when a record has no ID.
	ErrMissingID = errors.New("record has no id")
)

// maxConflictRetries bounds retries of a write transaction that lost a
// conflict against a concurrent writer.
const maxConflictRetries = 5

// Store owns the Badger database.
type Store struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store described by cfg.
func Open(cfg config.StoreConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("store path is required")
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts.Logger = newBadgerLogger()

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}
	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Record store opened")
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(config.StoreConfig{InMemory: true})
}

// Close flushes and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("write transaction kept conflicting: %w", err)
}

// RunGC reclaims value log space. badger.ErrNoRewrite means there was
// nothing to collect and is not reported.
func (s *Store) RunGC(discardRatio float64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.db.Opts().InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// GCService runs value log garbage collection on an interval until its
// context ends. It satisfies suture.Service.
type GCService struct {
	store        *Store
	interval     time.Duration
	discardRatio float64
}

// NewGCService returns a GC loop for s.
func NewGCService(s *Store, interval time.Duration) *GCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &GCService{store: s, interval: interval, discardRatio: 0.5}
}

// Serve runs until ctx is canceled.
func (g *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.store.RunGC(g.discardRatio); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				logging.Warn().Err(err).Msg("Record store GC failed")
			}
		}
	}
}

func (g *GCService) String() string { return "store-gc" }
