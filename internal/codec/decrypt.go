// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package codec

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/tomtom215/dumpvault/internal/models"
)

// DecryptOptions controls where plaintext lands and what happens to the
// encrypted directory afterwards.
type DecryptOptions struct {
	// OutPath is the plaintext destination. Empty means the original name
	// next to the encrypted directory.
	OutPath string

	// KeepCiphertext leaves the encrypted directory in place on success.
	KeepCiphertext bool
}

// envelope is the verified-shape metadata of an encrypted directory.
type envelope struct {
	sidecar  *Sidecar
	salt     []byte
	iv       []byte
	tag      []byte
	wantHash []byte
}

func loadEnvelope(dir string) (*envelope, error) {
	sc, err := ReadSidecar(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrIntegrity, err)
	}
	env := &envelope{sidecar: sc}
	if env.salt, err = decodeHex("salt", sc.Salt, saltSize); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrIntegrity, err)
	}
	if env.wantHash, err = decodeHex("content_hash", sc.ContentHash, sha256.Size); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrIntegrity, err)
	}
	if env.iv, err = os.ReadFile(filepath.Join(dir, IVFile)); err != nil {
		return nil, fmt.Errorf("%w: failed to read iv: %w", models.ErrIntegrity, err)
	}
	if env.tag, err = os.ReadFile(filepath.Join(dir, TagFile)); err != nil {
		return nil, fmt.Errorf("%w: failed to read tag: %w", models.ErrIntegrity, err)
	}
	if len(env.iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv has length %d", models.ErrAuthentication, len(env.iv))
	}
	if len(env.tag) != sha256.Size {
		return nil, fmt.Errorf("%w: tag has length %d", models.ErrAuthentication, len(env.tag))
	}
	return env, nil
}

// verify reads the ciphertext once into both the MAC and the content hash.
// The tag decides authenticity; the hash is only compared once the tag
// holds, so a mismatch there points at the sidecar.
func (e *envelope) verify(ctx context.Context, keys *payloadKeys, ctPath string) error {
	hasher := sha256.New()
	mac := keys.newMAC(e.salt, e.iv, e.sidecar.Kind)
	if err := digestFile(ctx, ctPath, io.MultiWriter(hasher, mac)); err != nil {
		return err
	}
	if !hmac.Equal(mac.Sum(nil), e.tag) {
		return fmt.Errorf("%w: tag mismatch for %s", models.ErrAuthentication, ctPath)
	}
	if subtle.ConstantTimeCompare(hasher.Sum(nil), e.wantHash) != 1 {
		return fmt.Errorf("%w: content hash in sidecar does not match %s", models.ErrIntegrity, ctPath)
	}
	return nil
}

// Decrypt verifies and decrypts the encrypted directory dir and returns the
// plaintext path. No plaintext exists at the output path unless both the
// tag and the content hash check out.
func Decrypt(ctx context.Context, masterKey []byte, dir string, opts DecryptOptions) (string, error) {
	env, err := loadEnvelope(dir)
	if err != nil {
		return "", err
	}

	outPath := opts.OutPath
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(filepath.Clean(dir)), env.sidecar.OriginalName)
	}
	if _, err := os.Lstat(outPath); err == nil {
		return "", fmt.Errorf("output path %s already exists", outPath)
	}

	keys, err := deriveKeys(masterKey, env.salt)
	if err != nil {
		return "", fmt.Errorf("failed to derive payload keys: %w", err)
	}
	defer keys.wipe()

	ctPath := filepath.Join(dir, CiphertextFile)
	if err := env.verify(ctx, keys, ctPath); err != nil {
		return "", err
	}

	// Recompute the tag while decrypting so a ciphertext swapped after
	// verification is still rejected.
	stream, err := keys.stream(env.iv)
	if err != nil {
		return "", err
	}
	mac := keys.newMAC(env.salt, env.iv, env.sidecar.Kind)
	tmp, err := decryptToTemp(ctx, ctPath, filepath.Dir(outPath), env.sidecar.Kind, stream, mac)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(mac.Sum(nil), env.tag) {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("%w: ciphertext changed during decryption of %s", models.ErrAuthentication, dir)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to move plaintext into place: %w", err)
	}

	if !opts.KeepCiphertext {
		if err := os.RemoveAll(dir); err != nil {
			return outPath, fmt.Errorf("decrypted, but failed to remove %s: %w", dir, err)
		}
	}
	return outPath, nil
}

func digestFile(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: failed to open ciphertext: %w", models.ErrIntegrity, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, ctxReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("failed to read ciphertext: %w", err)
	}
	return nil
}

// decryptToTemp writes plaintext to a temporary file or directory in parent
// and returns its path. The caller owns the returned path.
func decryptToTemp(ctx context.Context, ctPath, parent string, kind PayloadKind, stream cipher.Stream, mac hash.Hash) (path string, err error) {
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Open(ctPath)
	if err != nil {
		return "", fmt.Errorf("failed to open ciphertext: %w", err)
	}
	defer f.Close()

	plain := cipher.StreamReader{S: stream, R: io.TeeReader(ctxReader{ctx: ctx, r: f}, mac)}

	if kind == PayloadTar {
		path, err = os.MkdirTemp(parent, ".dvdec-*")
		if err != nil {
			return "", err
		}
		if err = extractTar(ctx, plain, path); err == nil {
			// Drain trailing tar padding so the tag covers every byte.
			_, err = io.Copy(io.Discard, plain)
		}
	} else {
		var out *os.File
		out, err = os.CreateTemp(parent, ".dvdec-*")
		if err != nil {
			return "", err
		}
		path = out.Name()
		_, err = io.Copy(out, plain)
		if err == nil {
			err = out.Sync()
		}
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
	}
	if err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return path, nil
}

// Verify runs the checks of Decrypt without producing plaintext.
func Verify(ctx context.Context, masterKey []byte, dir string) error {
	env, err := loadEnvelope(dir)
	if err != nil {
		return err
	}
	keys, err := deriveKeys(masterKey, env.salt)
	if err != nil {
		return err
	}
	defer keys.wipe()
	return env.verify(ctx, keys, filepath.Join(dir, CiphertextFile))
}
