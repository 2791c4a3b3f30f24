// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package config

import (
	"time"

	"github.com/tomtom215/dumpvault/internal/models"
)

// Config is the complete daemon and CLI configuration.
type Config struct {
	Daemon       DaemonConfig        `koanf:"daemon"`
	Vault        VaultConfig         `koanf:"vault"`
	Scheduler    SchedulerConfig     `koanf:"scheduler"`
	Replication  ReplicationConfig   `koanf:"replication"`
	Store        StoreConfig         `koanf:"store"`
	Dump         DumpConfig          `koanf:"dump"`
	HTTP         HTTPConfig          `koanf:"http"`
	Notify       NotifyConfig        `koanf:"notify"`
	Logging      LoggingConfig       `koanf:"logging"`
	Destinations []DestinationConfig `koanf:"destinations" validate:"dive"`
	Jobs         []JobConfig         `koanf:"jobs" validate:"dive"`
}

// DaemonConfig controls the control channel and working directories.
type DaemonConfig struct {
	// DataDir holds the vault file and the record store unless overridden.
	DataDir string `koanf:"data_dir" validate:"required"`

	// WorkDir receives dump artifacts and encrypted directories while a job runs.
	WorkDir string `koanf:"work_dir"`

	// SocketPath is the Unix domain socket for the control channel.
	SocketPath string `koanf:"socket_path"`

	// PipeName is the Windows named pipe for the control channel.
	PipeName string `koanf:"pipe_name"`

	// RequestTimeout bounds a single control-channel request/response exchange.
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`

	// CryptoTimeout bounds export/import requests, which stream whole artifacts.
	CryptoTimeout time.Duration `koanf:"crypto_timeout" validate:"gt=0"`
}

// VaultConfig controls the master-key vault and session lifetime.
type VaultConfig struct {
	Path string `koanf:"path"`

	// SessionTTL is the sliding idle window after which the session key is wiped.
	SessionTTL time.Duration `koanf:"session_ttl" validate:"gte=1s"`

	// Argon2id parameters used when generating a new vault.
	ArgonTime      uint32 `koanf:"argon_time" validate:"gte=1,lte=32"`
	ArgonMemoryKiB uint32 `koanf:"argon_memory_kib" validate:"gte=8192,lte=4194304"`
	ArgonThreads   uint8  `koanf:"argon_threads" validate:"gte=1"`

	// UnlockRatePerMinute and UnlockBurst throttle unlock attempts in the daemon.
	UnlockRatePerMinute float64 `koanf:"unlock_rate_per_minute" validate:"gt=0"`
	UnlockBurst         int     `koanf:"unlock_burst" validate:"gte=1"`

	// MaxUnlockAttempts is how many passwords the CLI accepts before giving up.
	MaxUnlockAttempts int `koanf:"max_unlock_attempts" validate:"gte=1,lte=10"`
}

// SchedulerConfig controls the polling scheduler.
type SchedulerConfig struct {
	Enabled           bool          `koanf:"enabled"`
	CheckInterval     time.Duration `koanf:"check_interval" validate:"gte=1s"`
	MaxConcurrentJobs int           `koanf:"max_concurrent_jobs" validate:"gte=1"`
	ExecutionTimeout  time.Duration `koanf:"execution_timeout" validate:"gt=0"`
	Timezone          string        `koanf:"timezone"`
}

// ReplicationConfig controls the fan-out engine and per-destination guards.
type ReplicationConfig struct {
	MaxConcurrentObjects int           `koanf:"max_concurrent_objects" validate:"gte=1,lte=64"`
	SpoolDir             string        `koanf:"spool_dir"`
	SpoolMemoryThreshold int64         `koanf:"spool_memory_threshold" validate:"gte=0"`
	OperationTimeout     time.Duration `koanf:"operation_timeout" validate:"gt=0"`
	ConnectTimeout       time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectRetries       int           `koanf:"connect_retries" validate:"gte=0,lte=10"`

	// BreakerFailures consecutive failures open a destination's circuit breaker
	// for BreakerOpenTimeout.
	BreakerFailures    uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout" validate:"gt=0"`
}

// StoreConfig controls the Badger record store.
type StoreConfig struct {
	Path       string `koanf:"path"`
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// DumpConfig controls the external dump producer.
type DumpConfig struct {
	Command        string        `koanf:"command" validate:"required"`
	RestoreCommand string        `koanf:"restore_command" validate:"required"`
	URI            string        `koanf:"uri"`
	Gzip           bool          `koanf:"gzip"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
}

// HTTPConfig controls the local status and metrics endpoint.
type HTTPConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Listen          string        `koanf:"listen" validate:"required_if=Enabled true"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// NotifyConfig controls event delivery beyond the log sink.
type NotifyConfig struct {
	WebhookURL string        `koanf:"webhook_url" validate:"omitempty,url"`
	Timeout    time.Duration `koanf:"timeout" validate:"gt=0"`
	BufferSize int64         `koanf:"buffer_size" validate:"gte=1"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DestinationType discriminates the DestinationConfig union.
type DestinationType string

const (
	DestinationS3    DestinationType = "s3"
	DestinationSSH   DestinationType = "ssh"
	DestinationLocal DestinationType = "local"
)

// DestinationConfig is a named storage target. Exactly one of S3, SSH and
// Local is set, matching Type.
type DestinationConfig struct {
	Name         string          `koanf:"name" validate:"required,resname"`
	Type         DestinationType `koanf:"type" validate:"oneof=s3 ssh local"`
	MaxDiskUsage int64           `koanf:"max_disk_usage" validate:"gte=0"`

	S3    *S3Config    `koanf:"s3" validate:"omitempty"`
	SSH   *SSHConfig   `koanf:"ssh" validate:"omitempty"`
	Local *LocalConfig `koanf:"local" validate:"omitempty"`
}

// HasQuota reports whether eviction applies to this destination.
func (d *DestinationConfig) HasQuota() bool {
	return d.MaxDiskUsage > 0
}

// S3Config describes an S3 or S3-compatible bucket.
type S3Config struct {
	Bucket          string `koanf:"bucket" validate:"required"`
	Region          string `koanf:"region" validate:"required"`
	Prefix          string `koanf:"prefix"`
	Endpoint        string `koanf:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	UsePathStyle    bool   `koanf:"use_path_style"`
	PartSizeMiB     int64  `koanf:"part_size_mib" validate:"omitempty,gte=5"`
	Concurrency     int    `koanf:"concurrency" validate:"omitempty,gte=1"`
}

// SSHConfig describes an SFTP host.
type SSHConfig struct {
	Host                  string `koanf:"host" validate:"required"`
	Port                  int    `koanf:"port" validate:"omitempty,gte=1,lte=65535"`
	User                  string `koanf:"user" validate:"required"`
	Password              string `koanf:"password"`
	PrivateKeyPath        string `koanf:"private_key_path"`
	Passphrase            string `koanf:"passphrase"`
	KnownHostsPath        string `koanf:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `koanf:"insecure_ignore_host_key"`
	BasePath              string `koanf:"base_path" validate:"required"`
}

// LocalConfig describes a directory on the daemon host.
type LocalConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// JobConfig declares a scheduled backup. Jobs are upserted into the record
// store by name at daemon start.
type JobConfig struct {
	Name          string              `koanf:"name" validate:"required,resname"`
	Source        string              `koanf:"source" validate:"required"`
	Destinations  []string            `koanf:"destinations" validate:"min=1,dive,required"`
	ScheduleType  models.ScheduleType `koanf:"schedule_type" validate:"oneof=interval cron"`
	ScheduleValue string              `koanf:"schedule_value" validate:"required"`
	Encrypted     bool                `koanf:"encrypted"`
	Enabled       *bool               `koanf:"enabled"`
}

// IsEnabled reports whether the job is enabled; jobs default to enabled.
func (j *JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// DestinationByName returns the destination with the given name.
func (c *Config) DestinationByName(name string) (DestinationConfig, bool) {
	for _, d := range c.Destinations {
		if d.Name == name {
			return d, true
		}
	}
	return DestinationConfig{}, false
}
