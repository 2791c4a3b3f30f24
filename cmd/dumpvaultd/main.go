// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Command dumpvaultd is the long-running backup daemon.
//
// It owns the vault session, runs scheduled jobs, and serves the local
// control channel used by the dumpvault CLI. Components start in this
// order:
//
//  1. Configuration (koanf: defaults, YAML file, DUMPVAULT_* environment)
//  2. Record store (Badger) and the job definitions from configuration
//  3. Destinations, replication engine and retention evictor
//  4. Event sinks (log, optional webhook via the watermill bus)
//  5. Vault, codec and job runner
//  6. Supervisor tree: control channel, scheduler, store GC, status API
//
// SIGINT, SIGTERM and the control channel's shutdown action all stop the
// tree; the session key is wiped before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/logging"
)

var (
	version = "dev"
	commit  = "unset"
	date    = "unset"
)

var cli struct {
	Config   string           `short:"c" type:"path" env:"DUMPVAULT_CONFIG" help:"Path to the YAML configuration file."`
	LogLevel string           `help:"Override logging.level (trace, debug, info, warn, error)."`
	Version  kong.VersionFlag `short:"v" help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("dumpvaultd"),
		kong.Description("Encrypted database backup daemon."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Daemon stopped with error")
		stop()
		os.Exit(1)
	}
	logging.Info().Msg("Daemon stopped")
}
