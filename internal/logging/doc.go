// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package logging provides centralized zerolog-based structured logging for Dumpvault.
//
// Both binaries (the dumpvaultd daemon and the dumpvault CLI) log through the
// global logger configured here. JSON output is the default for the daemon;
// the CLI switches to console output so operators get readable progress lines.
//
// # Quick Start
//
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	logging.Info().Str("job", job.Name).Msg("Job started")
//	logging.Ctx(ctx).Error().Err(err).Str("destination", name).Msg("Upload failed")
//
// # Context Fields
//
// Job runs carry a run ID through their context.Context. Every log line
// produced with Ctx(ctx) during the run includes "run_id" and, once known,
// "job". Destination adapters add "destination" via WithDestination.
//
// # Secrets
//
// Vault passwords, session keys, and destination credentials must never be
// logged. Use RedactURL and MaskSecret when describing a destination, and
// VaultAuditLogger for vault state transitions.
//
// # slog Bridge
//
// suture (via sutureslog) and watermill accept a *slog.Logger. NewSlogLogger
// returns one backed by the global zerolog logger so all output shares a
// single format and level.
package logging
