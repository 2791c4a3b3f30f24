// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package codec

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Encrypt encrypts the file or directory at sourcePath into a new encrypted
// directory under outDir and deletes the plaintext on success. On failure
// the partial encrypted directory is removed and the plaintext is kept.
func Encrypt(ctx context.Context, masterKey []byte, sourcePath, outDir string) (res *Result, err error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat payload: %w", err)
	}
	kind := PayloadFile
	if info.IsDir() {
		kind = PayloadTar
	} else if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("payload %s is not a regular file or directory", sourcePath)
	}

	name := filepath.Base(filepath.Clean(sourcePath))
	dir := filepath.Join(outDir, name+EncryptedDirSuffix)
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create encrypted directory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	salt := make([]byte, saltSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	keys, err := deriveKeys(masterKey, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive payload keys: %w", err)
	}
	defer keys.wipe()

	stream, err := keys.stream(iv)
	if err != nil {
		return nil, err
	}
	mac := keys.newMAC(salt, iv, kind)
	hasher := sha256.New()

	ctPath := filepath.Join(dir, CiphertextFile)
	out, err := os.OpenFile(ctPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create ciphertext file: %w", err)
	}
	counter := &countingWriter{w: io.MultiWriter(out, mac, hasher)}
	sw := cipher.StreamWriter{S: stream, W: counter}

	if kind == PayloadTar {
		err = writeTar(ctx, sourcePath, sw)
	} else {
		err = copyFile(ctx, sourcePath, sw)
	}
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	tag := mac.Sum(nil)
	sc := &Sidecar{
		Version:        sidecarVersion,
		Cipher:         cipherSuite,
		KDF:            kdfName,
		KDFInfo:        hkdfInfo,
		Salt:           hex.EncodeToString(salt),
		IV:             hex.EncodeToString(iv),
		AuthTag:        hex.EncodeToString(tag),
		ContentHash:    hex.EncodeToString(hasher.Sum(nil)),
		HashAlgorithm:  "sha256",
		OriginalName:   name,
		Kind:           kind,
		CiphertextSize: counter.n,
		CreatedAt:      time.Now().UTC(),
	}
	if err = os.WriteFile(filepath.Join(dir, IVFile), iv, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write iv: %w", err)
	}
	if err = os.WriteFile(filepath.Join(dir, TagFile), tag, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write tag: %w", err)
	}
	if err = writeSidecar(dir, sc); err != nil {
		return nil, err
	}

	if err = os.RemoveAll(sourcePath); err != nil {
		return nil, fmt.Errorf("failed to delete plaintext: %w", err)
	}

	return &Result{
		Dir:            dir,
		CiphertextPath: ctPath,
		IV:             sc.IV,
		AuthTag:        sc.AuthTag,
		ContentHash:    sc.ContentHash,
		SizeBytes:      counter.n,
		Sidecar:        *sc,
	}, nil
}

func copyFile(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, ctxReader{ctx: ctx, r: f})
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
