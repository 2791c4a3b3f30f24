// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

//go:build integration

package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tomtom215/dumpvault/internal/testinfra"
)

// exerciseBackend runs the contract every adapter must satisfy.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := b.TestConnection(ctx); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if _, err := b.Upload(ctx, strings.NewReader("one"), "shop/run/a", 3); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if ok, err := b.Exists(ctx, "shop/run/a"); err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}
	rc, err := b.Download(ctx, "shop/run/a")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "one" {
		t.Errorf("Download() = %q", data)
	}
	refs, err := b.List(ctx, "shop/")
	if err != nil || len(refs) != 1 {
		t.Fatalf("List() = %v, %v", refs, err)
	}
	if ur, ok := b.(UsageReporter); ok {
		if n, err := ur.UsageBytes(ctx, "shop/"); err != nil || n != 3 {
			t.Errorf("UsageBytes() = %d, %v", n, err)
		}
	}
	if deleted, err := b.Delete(ctx, "shop/run/a"); err != nil || !deleted {
		t.Errorf("Delete() = %v, %v", deleted, err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestIntegration_SFTP(t *testing.T) {
	testinfra.SkipIfNoDocker(t)
	ctx := context.Background()
	srv, err := testinfra.NewSFTPContainer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer testinfra.CleanupContainer(t, ctx, srv)

	b, err := NewSFTPBackend("sftp", srv.Config(), SFTPOptions{ConnectTimeout: 10 * time.Second, ConnectRetries: 3})
	if err != nil {
		t.Fatal(err)
	}
	exerciseBackend(t, b)
}

func TestIntegration_S3(t *testing.T) {
	testinfra.SkipIfNoDocker(t)
	ctx := context.Background()
	srv, err := testinfra.NewMinIOContainer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer testinfra.CleanupContainer(t, ctx, srv)

	b, err := NewS3Backend(ctx, "minio", srv.Config("dumpvault"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.client.(*s3.Client).CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("dumpvault")}); err != nil {
		t.Fatalf("CreateBucket() error = %v", err)
	}
	exerciseBackend(t, b)
}
