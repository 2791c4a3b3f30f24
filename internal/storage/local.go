// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomtom215/dumpvault/internal/models"
)

const localTempPrefix = ".upload-"

// LocalBackend stores objects as files under a root directory.
type LocalBackend struct {
	name string
	root string
}

// NewLocalBackend returns a backend rooted at root, creating it if needed.
func NewLocalBackend(name, root string) (*LocalBackend, error) {
	if root == "" {
		return nil, models.Configurationf("destination %s: local path is empty", name)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", abs, err)
	}
	return &LocalBackend{name: name, root: abs}, nil
}

func (l *LocalBackend) Name() string { return l.name }
func (l *LocalBackend) Kind() string { return "local" }

// Root returns the backing directory.
func (l *LocalBackend) Root() string { return l.root }

func (l *LocalBackend) path(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(k)), nil
}

func (l *LocalBackend) Exists(_ context.Context, key string) (bool, error) {
	p, err := l.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Upload writes to a temporary file in the target directory, syncs it and
// renames it into place so readers never see a partial object.
func (l *LocalBackend) Upload(ctx context.Context, r io.Reader, key string, _ int64) (models.ObjectRef, error) {
	p, err := l.path(key)
	if err != nil {
		return models.ObjectRef{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return models.ObjectRef{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), localTempPrefix+"*")
	if err != nil {
		return models.ObjectRef{}, err
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, p)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return models.ObjectRef{}, fmt.Errorf("failed to write %s: %w", key, err)
	}

	info, err := os.Stat(p)
	if err != nil {
		return models.ObjectRef{}, err
	}
	return l.ref(key, info), nil
}

func (l *LocalBackend) UploadDirectory(ctx context.Context, dir, prefix string) ([]models.ObjectRef, []models.ObjectError) {
	return uploadDirectory(ctx, l, dir, prefix)
}

func (l *LocalBackend) Download(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrNotFound)
	}
	return f, err
}

// List walks the root in lexical order. In-progress uploads are hidden.
func (l *LocalBackend) List(ctx context.Context, prefix string) ([]models.ObjectRef, error) {
	var refs []models.ObjectRef
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), localTempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		refs = append(refs, l.ref(key, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", l.root, err)
	}
	return refs, nil
}

// Delete removes the file and prunes directories it leaves empty.
func (l *LocalBackend) Delete(_ context.Context, key string) (bool, error) {
	p, err := l.path(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for dir := filepath.Dir(p); dir != l.root && strings.HasPrefix(dir, l.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return true, nil
}

func (l *LocalBackend) TestConnection(_ context.Context) error {
	info, err := os.Stat(l.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", l.root)
	}
	return nil
}

func (l *LocalBackend) Close() error { return nil }

// UsageBytes totals the files under prefix.
func (l *LocalBackend) UsageBytes(ctx context.Context, prefix string) (int64, error) {
	refs, err := l.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return sumSizes(refs), nil
}

func (l *LocalBackend) ref(key string, info fs.FileInfo) models.ObjectRef {
	return models.ObjectRef{
		Key:         key,
		Size:        info.Size(),
		ModifiedAt:  info.ModTime().UTC(),
		Destination: l.name,
	}
}
