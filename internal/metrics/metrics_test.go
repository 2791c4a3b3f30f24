// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordUpload(t *testing.T) {
	before := testutil.ToFloat64(ObjectsUploaded.WithLabelValues("metrics-test"))
	RecordUpload("metrics-test", 512, nil)
	RecordUpload("metrics-test", 512, errors.New("boom"))

	if got := testutil.ToFloat64(ObjectsUploaded.WithLabelValues("metrics-test")); got != before+1 {
		t.Errorf("uploaded = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(ObjectUploadFailures.WithLabelValues("metrics-test")); got < 1 {
		t.Errorf("failures = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(BytesUploaded.WithLabelValues("metrics-test")); got < 512 {
		t.Errorf("bytes = %v, want >= 512", got)
	}
}

func TestSetVaultUnlocked(t *testing.T) {
	SetVaultUnlocked(true)
	if testutil.ToFloat64(VaultUnlocked) != 1 {
		t.Error("expected gauge 1 after unlock")
	}
	SetVaultUnlocked(false)
	if testutil.ToFloat64(VaultUnlocked) != 0 {
		t.Error("expected gauge 0 after lock")
	}
}

func TestRecordJobRun(t *testing.T) {
	RecordJobRun("metrics-job", "success", 3*time.Second)
	if got := testutil.ToFloat64(JobRuns.WithLabelValues("metrics-job", "success")); got != 1 {
		t.Errorf("job runs = %v, want 1", got)
	}
}
