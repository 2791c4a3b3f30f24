// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package replication

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/storage"
)

// PushArtifact replicates a local artifact (a dump file, dump directory or
// encrypted directory) under destPrefix at each destination. A directory
// keeps its relative layout; a file lands as destPrefix/<file name>.
func (e *Engine) PushArtifact(ctx context.Context, artifactPath, destPrefix string, destinations []string, observer Observer) (*Result, error) {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	root, prefix := artifactPath, ""
	if !info.IsDir() {
		root, prefix = filepath.Dir(artifactPath), filepath.Base(artifactPath)
	}
	source, err := storage.NewLocalBackend("artifact", root)
	if err != nil {
		return nil, err
	}

	req := Request{
		Source:       source,
		SourcePrefix: prefix,
		DestPrefix:   destPrefix,
		Destinations: destinations,
		Observer:     observer,
	}
	if !info.IsDir() {
		req.Filter = func(obj models.ObjectRef) bool { return obj.Key == prefix }
	}
	return e.Sync(ctx, req)
}
