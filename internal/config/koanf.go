// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"dumpvault.yaml",
	"dumpvault.yml",
	"/etc/dumpvault/config.yaml",
	"/etc/dumpvault/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "DUMPVAULT_CONFIG"

// defaultConfig returns a Config populated with defaults. Paths left empty
// here are derived from DataDir by applyDerivedPaths after all layers load.
func defaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			DataDir:        "/var/lib/dumpvault",
			RequestTimeout: 30 * time.Second,
			CryptoTimeout:  2 * time.Hour,
			PipeName:       `\\.\pipe\dumpvaultd`,
		},
		Vault: VaultConfig{
			SessionTTL:          10 * time.Minute,
			ArgonTime:           3,
			ArgonMemoryKiB:      64 * 1024,
			ArgonThreads:        4,
			UnlockRatePerMinute: 6,
			UnlockBurst:         5,
			MaxUnlockAttempts:   5,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			CheckInterval:     time.Minute,
			MaxConcurrentJobs: 4,
			ExecutionTimeout:  6 * time.Hour,
			Timezone:          "UTC",
		},
		Replication: ReplicationConfig{
			MaxConcurrentObjects: 4,
			SpoolMemoryThreshold: 32 << 20,
			OperationTimeout:     30 * time.Minute,
			ConnectTimeout:       30 * time.Second,
			ConnectRetries:       2,
			BreakerFailures:      5,
			BreakerOpenTimeout:   2 * time.Minute,
		},
		Dump: DumpConfig{
			Command:        "mongodump",
			RestoreCommand: "mongorestore",
			Gzip:           true,
			Timeout:        2 * time.Hour,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Listen:          "127.0.0.1:9477",
			ShutdownTimeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout:    10 * time.Second,
			BufferSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from defaults, the YAML file at path (or the
// first discovered file when path is empty) and the environment, then
// validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.applyDerivedPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// applyDerivedPaths fills paths that default relative to DataDir.
func (c *Config) applyDerivedPaths() {
	if c.Vault.Path == "" {
		c.Vault.Path = filepath.Join(c.Daemon.DataDir, "vault.json")
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Daemon.DataDir, "catalog")
	}
	if c.Daemon.WorkDir == "" {
		c.Daemon.WorkDir = filepath.Join(c.Daemon.DataDir, "work")
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = filepath.Join(c.Daemon.DataDir, "run", "dumpvaultd.sock")
	}
	if c.Replication.SpoolDir == "" {
		c.Replication.SpoolDir = filepath.Join(c.Daemon.WorkDir, "spool")
	}
}

// envMappings maps DUMPVAULT_* environment variables to koanf paths.
// Unmapped variables are ignored so unrelated environment does not leak in.
var envMappings = map[string]string{
	"dumpvault_data_dir":        "daemon.data_dir",
	"dumpvault_work_dir":        "daemon.work_dir",
	"dumpvault_socket_path":     "daemon.socket_path",
	"dumpvault_pipe_name":       "daemon.pipe_name",
	"dumpvault_request_timeout": "daemon.request_timeout",
	"dumpvault_crypto_timeout":  "daemon.crypto_timeout",

	"dumpvault_vault_path":          "vault.path",
	"dumpvault_session_ttl":         "vault.session_ttl",
	"dumpvault_argon_time":          "vault.argon_time",
	"dumpvault_argon_memory_kib":    "vault.argon_memory_kib",
	"dumpvault_argon_threads":       "vault.argon_threads",
	"dumpvault_unlock_rate":         "vault.unlock_rate_per_minute",
	"dumpvault_unlock_burst":        "vault.unlock_burst",
	"dumpvault_max_unlock_attempts": "vault.max_unlock_attempts",

	"dumpvault_scheduler_enabled":        "scheduler.enabled",
	"dumpvault_scheduler_check_interval": "scheduler.check_interval",
	"dumpvault_scheduler_max_concurrent": "scheduler.max_concurrent_jobs",
	"dumpvault_scheduler_exec_timeout":   "scheduler.execution_timeout",
	"dumpvault_scheduler_timezone":       "scheduler.timezone",

	"dumpvault_replication_concurrency": "replication.max_concurrent_objects",
	"dumpvault_spool_dir":               "replication.spool_dir",
	"dumpvault_spool_memory_threshold":  "replication.spool_memory_threshold",
	"dumpvault_operation_timeout":       "replication.operation_timeout",
	"dumpvault_connect_timeout":         "replication.connect_timeout",
	"dumpvault_connect_retries":         "replication.connect_retries",
	"dumpvault_breaker_failures":        "replication.breaker_failures",
	"dumpvault_breaker_open_timeout":    "replication.breaker_open_timeout",

	"dumpvault_store_path":        "store.path",
	"dumpvault_store_in_memory":   "store.in_memory",
	"dumpvault_store_sync_writes": "store.sync_writes",

	"dumpvault_dump_command":    "dump.command",
	"dumpvault_restore_command": "dump.restore_command",
	"dumpvault_dump_uri":        "dump.uri",
	"dumpvault_dump_gzip":       "dump.gzip",
	"dumpvault_dump_timeout":    "dump.timeout",

	"dumpvault_http_enabled": "http.enabled",
	"dumpvault_http_listen":  "http.listen",

	"dumpvault_webhook_url":     "notify.webhook_url",
	"dumpvault_webhook_timeout": "notify.timeout",

	"dumpvault_log_level":  "logging.level",
	"dumpvault_log_format": "logging.format",
	"dumpvault_log_caller": "logging.caller",

	// Conventional names honored for parity with other tools.
	"log_level":  "logging.level",
	"log_format": "logging.format",
}

// envTransformFunc maps an environment variable name to a koanf path, or ""
// to skip it.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
