// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package testinfra

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/dumpvault/internal/models"
)

type memObject struct {
	data       []byte
	modifiedAt time.Time
}

// MemoryBackend is an in-memory storage.Backend.
type MemoryBackend struct {
	name string

	mu          sync.Mutex
	objects     map[string]memObject
	uploadErrs  map[string]error
	deleteErrs  map[string]error
	connectErr  error
	uploadDelay time.Duration
	clock       func() time.Time

	uploads   int
	downloads int
	lists     int
	closes    int
}

// NewMemoryBackend returns an empty backend named name.
func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		name:       name,
		objects:    make(map[string]memObject),
		uploadErrs: make(map[string]error),
		deleteErrs: make(map[string]error),
		clock:      time.Now,
	}
}

// Put stores data under key without counting as an upload.
func (m *MemoryBackend) Put(key string, data []byte) {
	m.PutAt(key, data, m.clock())
}

// PutAt stores data with an explicit modification time.
func (m *MemoryBackend) PutAt(key string, data []byte, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: append([]byte(nil), data...), modifiedAt: at}
}

// Get returns a copy of the object under key.
func (m *MemoryBackend) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Keys returns the stored keys, sorted.
func (m *MemoryBackend) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FailUpload makes uploads of key fail with err.
func (m *MemoryBackend) FailUpload(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrs[key] = err
}

// FailDelete makes deletes of key fail with err.
func (m *MemoryBackend) FailDelete(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErrs[key] = err
}

// SetConnectError makes every operation fail with err, as an unreachable
// destination would.
func (m *MemoryBackend) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetUploadDelay slows every upload by d or until the context ends.
func (m *MemoryBackend) SetUploadDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadDelay = d
}

// Uploads returns the number of successful uploads.
func (m *MemoryBackend) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Downloads returns the number of successful Download calls.
func (m *MemoryBackend) Downloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads
}

// Lists returns the number of List calls.
func (m *MemoryBackend) Lists() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

// Closes returns the number of Close calls.
func (m *MemoryBackend) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *MemoryBackend) Name() string { return m.name }
func (m *MemoryBackend) Kind() string { return "memory" }

func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return false, m.connectErr
	}
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryBackend) Upload(ctx context.Context, r io.Reader, key string, _ int64) (models.ObjectRef, error) {
	m.mu.Lock()
	delay := m.uploadDelay
	connectErr := m.connectErr
	uploadErr := m.uploadErrs[key]
	m.mu.Unlock()

	if connectErr != nil {
		return models.ObjectRef{}, connectErr
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.ObjectRef{}, ctx.Err()
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return models.ObjectRef{}, err
	}
	if uploadErr != nil {
		return models.ObjectRef{}, uploadErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	m.objects[key] = memObject{data: data, modifiedAt: now}
	m.uploads++
	return models.ObjectRef{Key: key, Size: int64(len(data)), ModifiedAt: now, Destination: m.name}, nil
}

func (m *MemoryBackend) UploadDirectory(ctx context.Context, dir, prefix string) ([]models.ObjectRef, []models.ObjectError) {
	var (
		refs     []models.ObjectRef
		failures []models.ObjectError
	)
	_ = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		key := strings.TrimLeft(prefix+"/"+filepath.ToSlash(rel), "/")
		data, err := os.ReadFile(p)
		if err == nil {
			var ref models.ObjectRef
			ref, err = m.Upload(ctx, bytes.NewReader(data), key, int64(len(data)))
			if err == nil {
				refs = append(refs, ref)
				return nil
			}
		}
		failures = append(failures, models.ObjectError{Key: key, Err: err})
		return nil
	})
	return refs, failures
}

func (m *MemoryBackend) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, models.ErrNotFound)
	}
	m.downloads++
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryBackend) List(_ context.Context, prefix string) ([]models.ObjectRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	var refs []models.ObjectRef
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			refs = append(refs, models.ObjectRef{Key: k, Size: int64(len(obj.data)), ModifiedAt: obj.modifiedAt, Destination: m.name})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return false, m.connectErr
	}
	if err := m.deleteErrs[key]; err != nil {
		return false, err
	}
	if _, ok := m.objects[key]; !ok {
		return false, nil
	}
	delete(m.objects, key)
	return true, nil
}

func (m *MemoryBackend) TestConnection(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectErr
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// UsageBytes totals the objects under prefix.
func (m *MemoryBackend) UsageBytes(ctx context.Context, prefix string) (int64, error) {
	refs, err := m.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range refs {
		total += r.Size
	}
	return total, nil
}
