// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package codec encrypts and decrypts backup payloads as streams.
//
// An encrypted payload is a directory:
//
//	<name>.dvenc/
//	  payload.enc    AES-256-CTR ciphertext
//	  payload.iv     16-byte CTR IV
//	  payload.tag    HMAC-SHA256 over header, IV and ciphertext
//	  sidecar.json   content hash, salt and cipher parameters
//
// Encryption and MAC keys are derived per payload from the master key with
// HKDF-SHA256 and a random salt (encrypt-then-MAC). The ciphertext passes
// through the file writer, the MAC and a SHA-256 content hash in a single
// pass, so integrity metadata costs no second read.
//
// Decryption verifies before it decrypts. One pass over the ciphertext feeds
// both the tag and the content hash. A tag mismatch means the ciphertext (or
// its iv or salt) was altered and yields models.ErrAuthentication; a valid
// tag with a differing hash means the sidecar itself is corrupt and yields
// models.ErrIntegrity. Only then is plaintext produced, into a temporary path
// that is renamed into place on success and removed on any failure.
//
// Directory payloads (mongodump --out trees) are tar-streamed into the
// cipher and restored as a directory.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

const (
	// EncryptedDirSuffix marks an encrypted payload directory.
	EncryptedDirSuffix = ".dvenc"

	CiphertextFile = "payload.enc"
	IVFile         = "payload.iv"
	TagFile        = "payload.tag"
	SidecarFile    = "sidecar.json"

	sidecarVersion = 1
	cipherSuite    = "aes-256-ctr+hmac-sha256"
	kdfName        = "hkdf-sha256"
	hkdfInfo       = "dumpvault/codec/v1"
	saltSize       = 32
)

// PayloadKind records how the plaintext was framed before encryption.
type PayloadKind string

const (
	PayloadFile PayloadKind = "file"
	PayloadTar  PayloadKind = "tar"
)

// Sidecar is the metadata persisted next to the ciphertext.
type Sidecar struct {
	Version        int         `json:"version"`
	Cipher         string      `json:"cipher"`
	KDF            string      `json:"kdf"`
	KDFInfo        string      `json:"kdf_info"`
	Salt           string      `json:"salt"`
	IV             string      `json:"iv"`
	AuthTag        string      `json:"auth_tag"`
	ContentHash    string      `json:"content_hash"`
	HashAlgorithm  string      `json:"hash_algorithm"`
	OriginalName   string      `json:"original_name"`
	Kind           PayloadKind `json:"kind"`
	CiphertextSize int64       `json:"ciphertext_size"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Result describes a finished encryption.
type Result struct {
	Dir            string  `json:"dir"`
	CiphertextPath string  `json:"ciphertext_path"`
	IV             string  `json:"iv"`
	AuthTag        string  `json:"auth_tag"`
	ContentHash    string  `json:"content_hash"`
	SizeBytes      int64   `json:"size_bytes"`
	Sidecar        Sidecar `json:"sidecar"`
}

func writeSidecar(dir string, sc *Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sidecar: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, SidecarFile), data, 0o600)
}

// ReadSidecar loads and checks the sidecar of an encrypted directory.
func ReadSidecar(dir string) (*Sidecar, error) {
	data, err := os.ReadFile(filepath.Join(dir, SidecarFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("sidecar is corrupt: %w", err)
	}
	if sc.Version != sidecarVersion || sc.Cipher != cipherSuite || sc.KDF != kdfName {
		return nil, fmt.Errorf("unsupported sidecar: version %d cipher %q kdf %q", sc.Version, sc.Cipher, sc.KDF)
	}
	if sc.Kind != PayloadFile && sc.Kind != PayloadTar {
		return nil, fmt.Errorf("sidecar has unknown payload kind %q", sc.Kind)
	}
	return &sc, nil
}

// IsEncryptedDir reports whether dir looks like an encrypted payload.
func IsEncryptedDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SidecarFile))
	return err == nil
}

func decodeHex(field, s string, wantLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("sidecar field %s is not hex: %w", field, err)
	}
	if wantLen > 0 && len(b) != wantLen {
		return nil, fmt.Errorf("sidecar field %s has length %d, want %d", field, len(b), wantLen)
	}
	return b, nil
}

var errEmptyKey = errors.New("codec: empty key")
