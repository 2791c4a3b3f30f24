// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package storage defines the destination backend contract and its three
// adapters: S3 (and S3-compatible stores), SFTP over SSH, and a local
// directory.
//
// Every adapter speaks in slash-separated object keys relative to its own
// root (bucket prefix, SFTP base path, or local directory). Batch calls
// report per-object failures instead of aborting:
//
//	refs, failures := backend.UploadDirectory(ctx, "/work/shop.dvenc", "shop/2026-10-17T0300Z")
//
// Guard wraps a backend with a per-destination circuit breaker and
// per-operation timeouts; Resolve turns configured destination names into
// guarded backends once per run.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tomtom215/dumpvault/internal/models"
)

// Backend is the capability set every destination implements.
type Backend interface {
	// Name is the configured destination name.
	Name() string

	// Kind is the destination type: "s3", "ssh" or "local".
	Kind() string

	Exists(ctx context.Context, key string) (bool, error)

	// Upload streams r to key. size is advisory and may be -1 when unknown.
	Upload(ctx context.Context, r io.Reader, key string, size int64) (models.ObjectRef, error)

	// UploadDirectory uploads every regular file under dir as one object
	// per file, keyed prefix + relative path. A failed file does not stop
	// the rest.
	UploadDirectory(ctx context.Context, dir, prefix string) ([]models.ObjectRef, []models.ObjectError)

	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]models.ObjectRef, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	TestConnection(ctx context.Context) error

	// Close releases any connection held for the run. It is safe to call
	// more than once.
	Close() error
}

// UsageReporter is implemented by backends that can total their stored bytes.
type UsageReporter interface {
	UsageBytes(ctx context.Context, prefix string) (int64, error)
}

var errInvalidKey = errors.New("invalid object key")

// JoinKey joins key segments with '/' and strips leading slashes.
func JoinKey(parts ...string) string {
	return strings.TrimLeft(path.Join(parts...), "/")
}

// cleanKey validates key and returns its canonical form.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty", errInvalidKey)
	}
	k := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))[1:]
	if k == "" || k != strings.TrimLeft(key, "/") {
		return "", fmt.Errorf("%w: %q", errInvalidKey, key)
	}
	return k, nil
}

// uploadDirectory walks dir and uploads each regular file through b.
func uploadDirectory(ctx context.Context, b Backend, dir, prefix string) ([]models.ObjectRef, []models.ObjectError) {
	var (
		refs     []models.ObjectRef
		failures []models.ObjectError
	)
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			failures = append(failures, models.ObjectError{Key: p, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			failures = append(failures, models.ObjectError{Key: p, Err: err})
			return nil
		}
		key := JoinKey(prefix, filepath.ToSlash(rel))
		ref, err := uploadFile(ctx, b, p, key)
		if err != nil {
			failures = append(failures, models.ObjectError{Key: key, Err: err})
			return nil
		}
		refs = append(refs, ref)
		return nil
	})
	if walkErr != nil {
		failures = append(failures, models.ObjectError{Key: dir, Err: walkErr})
	}
	return refs, failures
}

func uploadFile(ctx context.Context, b Backend, p, key string) (models.ObjectRef, error) {
	f, err := os.Open(p)
	if err != nil {
		return models.ObjectRef{}, err
	}
	defer f.Close()
	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return b.Upload(ctx, f, key, size)
}

// sumSizes totals the sizes of refs.
func sumSizes(refs []models.ObjectRef) int64 {
	var total int64
	for _, r := range refs {
		total += r.Size
	}
	return total
}

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
