// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

//go:build integration

package testinfra

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tomtom215/dumpvault/internal/config"
)

const (
	// DefaultSFTPImage serves SFTP for a single user with a writable upload dir.
	DefaultSFTPImage = "atmoz/sftp:alpine"

	// DefaultMinIOImage is an S3-compatible object store.
	DefaultMinIOImage = "minio/minio:latest"

	sftpUser     = "dumpvault"
	sftpPassword = "dumpvault-test"
	minioUser    = "dumpvault"
	minioSecret  = "dumpvault-secret"
)

// SkipIfNoDocker skips the test if Docker is not available.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if !IsDockerAvailable() {
		t.Skip("Skipping test: Docker not available")
	}
}

// IsDockerAvailable checks if the Docker daemon answers.
func IsDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// CleanupContainer terminates container and logs failures.
func CleanupContainer(t *testing.T, ctx context.Context, container testcontainers.Container) {
	t.Helper()
	if container != nil {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	}
}

// SFTPContainer is a running SFTP server.
type SFTPContainer struct {
	testcontainers.Container
	Host string
	Port int
}

// NewSFTPContainer starts an SFTP server with password authentication.
func NewSFTPContainer(ctx context.Context) (*SFTPContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        DefaultSFTPImage,
		ExposedPorts: []string{"22/tcp"},
		Cmd:          []string{fmt.Sprintf("%s:%s:::upload", sftpUser, sftpPassword)},
		WaitingFor:   wait.ForListeningPort("22/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp container: %w", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, err
	}
	port, err := c.MappedPort(ctx, "22/tcp")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, err
	}
	return &SFTPContainer{Container: c, Host: host, Port: port.Int()}, nil
}

// Config returns an SSH destination pointing at the container.
func (c *SFTPContainer) Config() *config.SSHConfig {
	return &config.SSHConfig{
		Host:                  c.Host,
		Port:                  c.Port,
		User:                  sftpUser,
		Password:              sftpPassword,
		InsecureIgnoreHostKey: true,
		BasePath:              "/upload",
	}
}

// MinIOContainer is a running S3-compatible store.
type MinIOContainer struct {
	testcontainers.Container
	Endpoint string
}

// NewMinIOContainer starts MinIO with static credentials.
func NewMinIOContainer(ctx context.Context) (*MinIOContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        DefaultMinIOImage,
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     minioUser,
			"MINIO_ROOT_PASSWORD": minioSecret,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start minio container: %w", err)
	}
	endpoint, err := c.PortEndpoint(ctx, "9000/tcp", "http")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, err
	}
	return &MinIOContainer{Container: c, Endpoint: endpoint}, nil
}

// Config returns an S3 destination for bucket on the container. The bucket
// must be created by the test.
func (c *MinIOContainer) Config(bucket string) *config.S3Config {
	return &config.S3Config{
		Bucket:          bucket,
		Region:          "us-east-1",
		Endpoint:        c.Endpoint,
		AccessKeyID:     minioUser,
		SecretAccessKey: minioSecret,
		UsePathStyle:    true,
	}
}
