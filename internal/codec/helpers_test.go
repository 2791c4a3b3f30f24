// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package codec

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeEvilTar(t *testing.T, w io.Writer) {
	t.Helper()
	tw := tar.NewWriter(w)
	body := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Name: "../../escape.txt", Mode: 0o600, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}
