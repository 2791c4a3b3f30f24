// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package models

import "time"

// ObjectRef is the receipt for one object stored at one destination.
type ObjectRef struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
	Destination string    `json:"destination"`
}

// ObjectError reports a failed operation on a single object.
type ObjectError struct {
	Key string `json:"key"`
	Err error  `json:"-"`
}

func (e ObjectError) Error() string {
	return e.Key + ": " + e.Err.Error()
}

// Artifact is the output of the dump step, optionally encrypted.
// PayloadRef is a file or directory. EncryptedDirRef, when set, holds the
// ciphertext, tag, IV and sidecar and replaces PayloadRef for replication.
type Artifact struct {
	LogicalName     string `json:"logical_name"`
	SizeBytes       int64  `json:"size_bytes"`
	PayloadRef      string `json:"payload_ref"`
	Encrypted       bool   `json:"encrypted"`
	EncryptedDirRef string `json:"encrypted_dir_ref,omitempty"`
}

// ReplicationRoot returns the path the replication step should push.
func (a *Artifact) ReplicationRoot() string {
	if a.Encrypted && a.EncryptedDirRef != "" {
		return a.EncryptedDirRef
	}
	return a.PayloadRef
}

// BackupRecord is the catalog entry for a backup stored at one destination.
// Objects lists every constituent object; eviction removes them all before
// the record itself.
type BackupRecord struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	RunID       string      `json:"run_id"`
	Destination string      `json:"destination"`
	LogicalName string      `json:"logical_name"`
	Prefix      string      `json:"prefix"`
	Objects     []ObjectRef `json:"objects"`
	SizeBytes   int64       `json:"size_bytes"`
	Encrypted   bool        `json:"encrypted"`
	ModifiedAt  time.Time   `json:"modified_at"`
}

// SyncProgress is delivered to replication observers after each object.
// Processed is always Uploaded + Skipped. Failed counts objects that every
// destination needing them rejected; they are not processed, but they are
// finished, so Percent covers them.
type SyncProgress struct {
	Processed int     `json:"processed"`
	Uploaded  int     `json:"uploaded"`
	Skipped   int     `json:"skipped"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// Completion is the share of Total that is finished, failed objects
// included, so a run that ends with failures still reports 100.
func (p SyncProgress) Completion() float64 {
	return ComputePercent(p.Processed+p.Failed, p.Total)
}

// ComputePercent returns min(100, processed/total*100); an empty source is complete.
func ComputePercent(processed, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(processed) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
