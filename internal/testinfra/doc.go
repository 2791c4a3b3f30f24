// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package testinfra provides shared test infrastructure.
//
// Always built:
//
//   - MemoryBackend, an in-memory storage.Backend with call counters and
//     failure injection for replication, retention and runner tests.
//   - MockWebhookServer, an httptest server that captures webhook deliveries.
//
// Behind the integration build tag, testcontainers-go starts real
// destinations so the SFTP and S3 adapters run against actual servers:
//
//	func TestSFTPRoundTrip(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    srv, err := testinfra.NewSFTPContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, srv)
//
//	    backend, err := storage.NewSFTPBackend("box", srv.Config(), storage.SFTPOptions{})
//	    // ...
//	}
//
// Integration tests are skipped gracefully when Docker is unavailable.
package testinfra
