// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package metrics exposes Prometheus instrumentation for Dumpvault:
// vault state, replication throughput per destination, job runs,
// evictions, and circuit breaker transitions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Vault Metrics
	VaultUnlocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dumpvault_vault_unlocked",
			Help: "1 while the session key is held in memory, 0 otherwise",
		},
	)

	VaultUnlockAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_vault_unlock_attempts_total",
			Help: "Unlock attempts by result",
		},
		[]string{"result"}, // "success", "rejected", "throttled", "error"
	)

	VaultLocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_vault_locks_total",
			Help: "Session key wipes by reason",
		},
		[]string{"reason"}, // "explicit", "expired", "shutdown"
	)

	CodecOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_codec_operations_total",
			Help: "Encrypt and decrypt operations by result",
		},
		[]string{"operation", "result"},
	)

	// Replication Metrics
	ObjectsUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_objects_uploaded_total",
			Help: "Objects accepted by a destination",
		},
		[]string{"destination"},
	)

	ObjectsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dumpvault_objects_skipped_total",
			Help: "Source objects no destination needed",
		},
	)

	ObjectUploadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_object_upload_failures_total",
			Help: "Per-destination object upload failures",
		},
		[]string{"destination"},
	)

	BytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_bytes_uploaded_total",
			Help: "Bytes accepted by a destination",
		},
		[]string{"destination"},
	)

	DestinationsUnreachable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_destination_unreachable_total",
			Help: "Replication runs that excluded a destination because it could not be reached",
		},
		[]string{"destination"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dumpvault_sync_duration_seconds",
			Help:    "Duration of replication runs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dumpvault_destination_breaker_state",
			Help: "Circuit breaker state per destination (0=closed, 1=half-open, 2=open)",
		},
		[]string{"destination"},
	)

	// Job Metrics
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_job_runs_total",
			Help: "Job runs by job and status",
		},
		[]string{"job", "status"},
	)

	JobRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dumpvault_job_run_duration_seconds",
			Help:    "Duration of job runs",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200, 21600},
		},
		[]string{"job"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dumpvault_jobs_in_flight",
			Help: "Jobs currently executing",
		},
	)

	SchedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dumpvault_scheduler_ticks_total",
			Help: "Scheduler polling ticks",
		},
	)

	// Retention Metrics
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_evictions_total",
			Help: "Backups evicted to stay under quota",
		},
		[]string{"destination"},
	)

	EvictedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_evicted_bytes_total",
			Help: "Bytes reclaimed by eviction",
		},
		[]string{"destination"},
	)

	DestinationUsageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dumpvault_destination_usage_bytes",
			Help: "Catalogued bytes stored per destination",
		},
		[]string{"destination"},
	)

	// Control Channel Metrics
	IPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_ipc_requests_total",
			Help: "Control-channel requests by action and result",
		},
		[]string{"action", "result"},
	)

	// Event Metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_events_emitted_total",
			Help: "Events emitted by name",
		},
		[]string{"event"},
	)

	EventSinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpvault_event_sink_failures_total",
			Help: "Event sink failures (never propagated to the emitter)",
		},
		[]string{"sink"},
	)
)

// SetVaultUnlocked records the session state.
func SetVaultUnlocked(unlocked bool) {
	if unlocked {
		VaultUnlocked.Set(1)
		return
	}
	VaultUnlocked.Set(0)
}

// RecordUnlockAttempt records one unlock attempt outcome.
func RecordUnlockAttempt(result string) {
	VaultUnlockAttempts.WithLabelValues(result).Inc()
}

// RecordCodec records one encrypt or decrypt.
func RecordCodec(operation string, err error) {
	CodecOperations.WithLabelValues(operation, resultLabel(err)).Inc()
}

// RecordUpload records an upload attempt to one destination.
func RecordUpload(destination string, size int64, err error) {
	if err != nil {
		ObjectUploadFailures.WithLabelValues(destination).Inc()
		return
	}
	ObjectsUploaded.WithLabelValues(destination).Inc()
	BytesUploaded.WithLabelValues(destination).Add(float64(size))
}

// RecordJobRun records a finished job run.
func RecordJobRun(job, status string, duration time.Duration) {
	JobRuns.WithLabelValues(job, status).Inc()
	JobRunDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordEviction records one evicted backup.
func RecordEviction(destination string, size int64) {
	Evictions.WithLabelValues(destination).Inc()
	EvictedBytes.WithLabelValues(destination).Add(float64(size))
}

// RecordIPCRequest records one control-channel request.
func RecordIPCRequest(action string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	IPCRequests.WithLabelValues(action, result).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
