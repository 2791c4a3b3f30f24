// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/time/rate"

	"github.com/tomtom215/dumpvault/internal/backup"
	"github.com/tomtom215/dumpvault/internal/codec"
	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/dump"
	"github.com/tomtom215/dumpvault/internal/events"
	"github.com/tomtom215/dumpvault/internal/httpapi"
	"github.com/tomtom215/dumpvault/internal/ipc"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/replication"
	"github.com/tomtom215/dumpvault/internal/retention"
	"github.com/tomtom215/dumpvault/internal/scheduler"
	"github.com/tomtom215/dumpvault/internal/storage"
	"github.com/tomtom215/dumpvault/internal/store"
	"github.com/tomtom215/dumpvault/internal/supervisor"
	"github.com/tomtom215/dumpvault/internal/vault"
)

// run wires every component and blocks until ctx ends or the control
// channel requests shutdown.
//
//nolint:gocyclo // sequential wiring
func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.Daemon.DataDir, cfg.Daemon.WorkDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing record store")
		}
	}()
	catalog := store.NewCatalog(st)

	sum, err := backup.SyncJobs(ctx, catalog, cfg.Jobs, loc)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	logging.Info().
		Int("created", sum.Created).
		Int("updated", sum.Updated).
		Int("disabled", sum.Disabled).
		Msg("Jobs synchronized from configuration")

	registry := storage.NewRegistry(cfg.Destinations, storage.OptionsFromConfig(cfg.Replication))
	for _, name := range registry.Names() {
		d, _ := registry.Config(name)
		logging.Info().Str("destination", name).Str("type", string(d.Type)).
			Int64("max_disk_usage", d.MaxDiskUsage).Msg("Destination configured")
	}

	tree := supervisor.NewTree(logging.NewComponentSlogLogger("supervisor"), supervisor.DefaultTreeConfig())

	dispatcher := events.NewDispatcher()
	dispatcher.Register("log", events.NewLogSink())
	if cfg.Notify.WebhookURL != "" {
		webhook, err := events.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
		if err != nil {
			return err
		}
		bus, err := events.NewBus(events.BusConfig{BufferSize: cfg.Notify.BufferSize})
		if err != nil {
			return err
		}
		bus.Subscribe("webhook", webhook)
		dispatcher.Register("bus", bus.Sink())
		tree.AddSchedulingService(bus)
		logging.Info().Str("url", logging.RedactURL(cfg.Notify.WebhookURL)).Msg("Webhook notifications enabled")
	}

	vaultMgr := vault.NewManager(vaultConfig(cfg.Vault))
	defer vaultMgr.Shutdown()
	if vaultMgr.Configured() {
		logging.Info().Str("path", cfg.Vault.Path).Msg("Vault found, waiting for unlock")
	} else {
		logging.Warn().Msg("No vault configured yet, run 'dumpvault setup'")
	}
	codecSvc := codec.NewService(vaultMgr)

	mongo := dump.NewMongo(cfg.Dump)
	runner := backup.NewRunner(backup.Deps{
		Catalog:   catalog,
		Producer:  mongo,
		Encrypter: codecSvc,
		Replicator: replication.NewEngine(replication.Config{
			MaxConcurrentObjects: cfg.Replication.MaxConcurrentObjects,
			SpoolDir:             cfg.Replication.SpoolDir,
			SpoolMemoryThreshold: cfg.Replication.SpoolMemoryThreshold,
		}, registry),
		Reclaimer:    retention.NewEvictor(catalog, registry, dispatcher),
		Destinations: registry,
		Emitter:      dispatcher,
	}, cfg.Daemon.WorkDir)

	sched := scheduler.New(catalog, runner, scheduler.Config{
		CheckInterval:     cfg.Scheduler.CheckInterval,
		MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
		ExecutionTimeout:  cfg.Scheduler.ExecutionTimeout,
		Enabled:           cfg.Scheduler.Enabled,
		Location:          loc,
	})

	ipcServer := ipc.NewServer(ipc.Config{
		Address:        ipc.DefaultAddress(cfg.Daemon),
		RequestTimeout: cfg.Daemon.RequestTimeout,
		CryptoTimeout:  cfg.Daemon.CryptoTimeout,
		Version:        version,
	}, ipc.Handlers{
		Vault:    vaultMgr,
		Codec:    codecSvc,
		Jobs:     sched,
		Shutdown: cancel,
	})

	tree.AddControlService(ipcServer)
	tree.AddSchedulingService(sched)
	tree.AddSchedulingService(store.NewGCService(st, 0))
	if cfg.HTTP.Enabled {
		tree.AddAPIService(httpapi.NewServer(cfg.HTTP, httpapi.Deps{
			Catalog:   catalog,
			Vault:     vaultMgr,
			Scheduler: sched,
			Version:   version,
		}))
	}

	logging.Info().Str("version", version).Str("control", ipc.DefaultAddress(cfg.Daemon)).Msg("Starting dumpvaultd")
	runErr := <-tree.ServeBackground(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
	return runErr
}

func vaultConfig(c config.VaultConfig) vault.Config {
	kdf := vault.DefaultKDFParams()
	if c.ArgonTime > 0 {
		kdf.Time = c.ArgonTime
	}
	if c.ArgonMemoryKiB > 0 {
		kdf.MemoryKiB = c.ArgonMemoryKiB
	}
	if c.ArgonThreads > 0 {
		kdf.Threads = c.ArgonThreads
	}
	return vault.Config{
		Path:        c.Path,
		SessionTTL:  c.SessionTTL,
		KDF:         kdf,
		UnlockRate:  rate.Limit(c.UnlockRatePerMinute / 60),
		UnlockBurst: c.UnlockBurst,
	}
}
