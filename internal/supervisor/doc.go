// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package supervisor runs the daemon's long-lived services under a suture
// supervision tree.
//
// Every service implements suture.Service:
//
//	type Service interface {
//	    Serve(ctx context.Context) error
//	}
//
// and, for readable supervisor logs, fmt.Stringer. A service that returns
// before its context is cancelled is restarted with backoff; one that
// returns suture.ErrDoNotRestart is removed. Services must return promptly
// once ctx is done or they are reported by UnstoppedServiceReport.
//
// Supervisor events (restarts, backoff, timeouts) are logged through
// sutureslog into the zerolog pipeline:
//
//	tree := supervisor.NewTree(logging.NewComponentSlogLogger("supervisor"), supervisor.DefaultTreeConfig())
//	tree.AddControlService(ipcServer)
//	tree.AddSchedulingService(sched)
//	tree.AddAPIService(httpServer)
//	err := tree.Serve(ctx)
package supervisor
