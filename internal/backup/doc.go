// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package backup executes backup jobs end to end and fetches stored
// backups back for restore.
//
// # Run Pipeline
//
// Runner.Run takes one job through these stages, recording a JobRun as it
// goes:
//
//  1. Dump      - the Producer writes a plain artifact into the run's work dir
//  2. Encrypt   - for encrypted jobs, the artifact becomes an encrypted dir
//     (fails with models.ErrVaultLocked when no session key is held)
//  3. Reclaim   - each destination with a quota evicts its oldest backups
//  4. Replicate - the artifact is pushed to every destination under <job>/<run-id>
//  5. Catalog   - one BackupRecord per destination that stored objects
//
// The work dir is removed once every upload has been attempted. A run
// succeeds when at least one destination stored the complete artifact.
// Failures never disable or delete the job; rescheduling belongs to the
// scheduler.
//
// # Events
//
// Each destination yields backup_success or backup_failed, and the run
// yields job_run_success or job_run_failed.
//
// # Restore
//
// Fetch downloads the objects of a stored backup into a local directory.
// When the result is an encrypted directory the caller decrypts it through
// the daemon before handing the payload to a dump.Restorer.
package backup
