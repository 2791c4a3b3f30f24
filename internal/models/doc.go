// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

/*
Package models defines the records and error taxonomy shared across Dumpvault.

Records:

  - Job: a scheduled backup of one database to one or more destinations
  - JobRun: append-only audit entry, one per execution attempt
  - BackupRecord: catalog entry for a backup stored at one destination
  - ObjectRef: receipt for a single stored object
  - Artifact: output of the dump (and optional encrypt) step
  - SyncProgress: transient replication counters delivered to observers
  - Event: typed notification emitted to event sinks

Errors are sentinel values classified with errors.Is. Destination-scoped
failures are wrapped in DestinationError so callers can attribute them
without string matching.
*/
package models
