// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomtom215/dumpvault/internal/codec"
	"github.com/tomtom215/dumpvault/internal/dump"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/storage"
)

// Fetch downloads every object stored under prefix into outDir, keeping
// the layout relative to prefix. It returns the local payload path: the
// file itself for a single-file backup, otherwise outDir.
func Fetch(ctx context.Context, src storage.Backend, prefix, outDir string) (string, error) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	objects, err := src.List(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("failed to list %s at %s: %w", prefix, src.Name(), err)
	}
	if len(objects) == 0 {
		return "", fmt.Errorf("%w: no objects under %s at %s", models.ErrNotFound, prefix, src.Name())
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create fetch directory: %w", err)
	}

	var last string
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		target, err := localPath(outDir, rel)
		if err != nil {
			return "", err
		}
		if err := download(ctx, src, obj.Key, target); err != nil {
			return "", models.NewDestinationError(src.Name(), obj.Key, err)
		}
		last = rel
	}
	logging.Ctx(ctx).Info().
		Str("destination", src.Name()).
		Str("prefix", prefix).
		Int("objects", len(objects)).
		Msg("Backup fetched")

	if len(objects) == 1 && !strings.Contains(last, "/") && !codec.IsEncryptedDir(outDir) {
		return filepath.Join(outDir, last), nil
	}
	return outDir, nil
}

// localPath maps an object key suffix into root, rejecting escapes.
func localPath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("object key has no name below the prefix")
	}
	root = filepath.Clean(root)
	target := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("object key %q escapes the fetch directory", rel)
	}
	return target, nil
}

func download(ctx context.Context, src storage.Backend, key, target string) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	rc, err := src.Download(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	//nolint:gosec // G304: target is confined to the fetch directory by localPath
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(target)
		}
	}()
	_, err = io.Copy(f, rc)
	return err
}

// DecryptFunc decrypts an encrypted directory and returns the plaintext
// path. The CLI routes it through the daemon's import action.
type DecryptFunc func(ctx context.Context, dir string) (string, error)

// RestoreRequest describes one restore of a stored backup.
type RestoreRequest struct {
	Source   storage.Backend
	Prefix   string
	Database string
	WorkDir  string
	Decrypt  DecryptFunc
	Restorer dump.Restorer
}

// Restore fetches the backup under req.Prefix, decrypts it when it is an
// encrypted directory, and loads it into req.Database. Everything written
// under req.WorkDir is removed afterwards.
func Restore(ctx context.Context, req RestoreRequest) error {
	if req.Database == "" {
		return models.Configurationf("restore: database name is required")
	}
	if err := os.MkdirAll(req.WorkDir, 0o700); err != nil {
		return fmt.Errorf("failed to create restore directory: %w", err)
	}
	stage, err := os.MkdirTemp(req.WorkDir, "restore-")
	if err != nil {
		return fmt.Errorf("failed to create restore directory: %w", err)
	}
	defer os.RemoveAll(stage)

	payload, err := Fetch(ctx, req.Source, req.Prefix, filepath.Join(stage, "fetched"))
	if err != nil {
		return err
	}

	if codec.IsEncryptedDir(payload) {
		if req.Decrypt == nil {
			return models.Configurationf("restore: backup %s is encrypted and no decrypter is available", req.Prefix)
		}
		payload, err = req.Decrypt(ctx, payload)
		if err != nil {
			return fmt.Errorf("decryption failed: %w", err)
		}
	}

	if err := req.Restorer.Restore(ctx, req.Database, payload); err != nil {
		return fmt.Errorf("restore of %s failed: %w", req.Database, err)
	}
	logging.Ctx(ctx).Info().
		Str("database", req.Database).
		Str("prefix", req.Prefix).
		Msg("Restore complete")
	return nil
}
