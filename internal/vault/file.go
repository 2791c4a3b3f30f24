// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/models"
)

const (
	fileVersion  = 1
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// WrappedKey is the master key sealed with AES-256-GCM under the password key.
type WrappedKey struct {
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
	Ciphertext []byte `json:"ciphertext"`
}

// File is the persisted vault record.
type File struct {
	Version          int        `json:"version"`
	KDF              KDFParams  `json:"kdf"`
	Salt             []byte     `json:"salt"`
	WrappedMasterKey WrappedKey `json:"wrapped_master_key"`
	CreatedAt        time.Time  `json:"created_at"`
}

// additionalData binds the wrapped key to the file format version.
var additionalData = []byte("dumpvault-vault-v1")

// seal wraps masterKey under passwordKey.
func seal(passwordKey, masterKey []byte) (WrappedKey, error) {
	gcm, err := newGCM(passwordKey)
	if err != nil {
		return WrappedKey{}, err
	}
	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return WrappedKey{}, fmt.Errorf("failed to generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, masterKey, additionalData)
	split := len(sealed) - gcmTagSize
	return WrappedKey{
		IV:         iv,
		Ciphertext: sealed[:split],
		AuthTag:    sealed[split:],
	}, nil
}

// open unwraps the master key. ok is false when the tag does not verify,
// which for a well-formed file means the password was wrong.
func open(passwordKey []byte, w WrappedKey) (key []byte, ok bool, err error) {
	if len(w.IV) != gcmNonceSize || len(w.AuthTag) != gcmTagSize || len(w.Ciphertext) != KeySize {
		return nil, false, fmt.Errorf("wrapped key has unexpected layout")
	}
	gcm, err := newGCM(passwordKey)
	if err != nil {
		return nil, false, err
	}
	sealed := make([]byte, 0, len(w.Ciphertext)+len(w.AuthTag))
	sealed = append(sealed, w.Ciphertext...)
	sealed = append(sealed, w.AuthTag...)
	key, err = gcm.Open(nil, w.IV, sealed, additionalData)
	if err != nil {
		return nil, false, nil
	}
	return key, true, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// readFile loads and sanity-checks the vault file.
func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ErrVaultNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("vault file is corrupt: %w", err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported vault file version %d", f.Version)
	}
	if err := f.KDF.validate(); err != nil {
		return nil, fmt.Errorf("vault file is corrupt: %w", err)
	}
	if len(f.Salt) != SaltSize {
		return nil, fmt.Errorf("vault file is corrupt: salt length %d", len(f.Salt))
	}
	return &f, nil
}

// writeFileExclusive persists f at path with 0600 permissions. It fails
// with ErrAlreadyConfigured if path exists, including when another process
// wins a concurrent race: the final step is a hard link, which never
// replaces an existing file.
func writeFileExclusive(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode vault file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return models.ErrAlreadyConfigured
	}

	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp vault file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set vault file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write vault file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close vault file: %w", err)
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return models.ErrAlreadyConfigured
		}
		return fmt.Errorf("failed to install vault file: %w", err)
	}
	return nil
}
