// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/models"
)

func TestRegistry_Resolve(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry([]config.DestinationConfig{
		{Name: "disk-a", Type: config.DestinationLocal, Local: &config.LocalConfig{Path: filepath.Join(dir, "a")}},
		{Name: "disk-b", Type: config.DestinationLocal, Local: &config.LocalConfig{Path: filepath.Join(dir, "b")}},
		{Name: "broken", Type: config.DestinationLocal},
	}, Options{OperationTimeout: time.Minute})

	backends, dropped := reg.Resolve(context.Background(), []string{"disk-a", "ghost", "disk-b", "broken", "disk-a"})
	if len(backends) != 2 {
		t.Fatalf("resolved %d backends, want 2", len(backends))
	}
	if len(dropped) != 2 || dropped[0] != "ghost" || dropped[1] != "broken" {
		t.Errorf("dropped = %v, want [ghost broken]", dropped)
	}
	if _, ok := backends["disk-a"].(*Guarded); !ok {
		t.Error("resolved backends should be guarded")
	}
	CloseAll(backends)

	if names := reg.Names(); len(names) != 3 || names[0] != "broken" {
		t.Errorf("Names() = %v", names)
	}
}

func TestRegistry_SharesBreakerAcrossRuns(t *testing.T) {
	reg := NewRegistry([]config.DestinationConfig{
		{Name: "disk", Type: config.DestinationLocal, Local: &config.LocalConfig{Path: t.TempDir()}},
	}, Options{})

	a, err := reg.Get(context.Background(), "disk")
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.Get(context.Background(), "disk")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("each Get should open a fresh adapter")
	}
	if a.(*Guarded).cb != b.(*Guarded).cb {
		t.Error("breaker should be shared per destination")
	}
}

func TestOpen_UnknownType(t *testing.T) {
	_, err := Open(context.Background(), &config.DestinationConfig{Name: "x", Type: "ftp"}, Options{})
	if !errors.Is(err, models.ErrConfiguration) {
		t.Fatalf("Open() error = %v, want ErrConfiguration", err)
	}
}
