// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// Spool materializes a one-shot source stream once so several uploads can
// each read it from the start. Small objects stay in memory; anything over
// the threshold, or of unknown size that outgrows it, goes to a temp file.
type Spool struct {
	mem  []byte
	file string
	size int64
}

// NewSpool drains r into a spool. sizeHint may be -1.
func NewSpool(ctx context.Context, r io.Reader, sizeHint, memThreshold int64, dir string) (*Spool, error) {
	src := readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})

	var head []byte
	if sizeHint <= memThreshold {
		buf, err := io.ReadAll(io.LimitReader(src, memThreshold+1))
		if err != nil {
			return nil, fmt.Errorf("failed to spool object: %w", err)
		}
		if int64(len(buf)) <= memThreshold {
			return &Spool{mem: buf, size: int64(len(buf))}, nil
		}
		head = buf
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	f, err := os.CreateTemp(dir, "spool-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	n, err := io.Copy(f, io.MultiReader(bytes.NewReader(head), src))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("failed to spool object: %w", err)
	}
	return &Spool{file: f.Name(), size: n}, nil
}

// Size returns the spooled byte count.
func (s *Spool) Size() int64 { return s.size }

// OnDisk reports whether the spool spilled to a temp file.
func (s *Spool) OnDisk() bool { return s.file != "" }

// Open returns an independent reader positioned at the start.
func (s *Spool) Open() (io.ReadCloser, error) {
	if s.file == "" {
		return io.NopCloser(bytes.NewReader(s.mem)), nil
	}
	return os.Open(s.file)
}

// Close releases the spool's memory or temp file.
func (s *Spool) Close() error {
	s.mem = nil
	if s.file == "" {
		return nil
	}
	err := os.Remove(s.file)
	s.file = ""
	return err
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
