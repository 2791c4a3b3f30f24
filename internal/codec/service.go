// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package codec

import (
	"context"
	"time"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
)

// KeyProvider lends the master key for the duration of fn.
// vault.Manager satisfies it.
type KeyProvider interface {
	WithUnlockedKey(fn func(key []byte) error) error
}

// Service runs codec operations with the session key. The key is never
// copied out of the provider's callback.
type Service struct {
	keys KeyProvider
}

// NewService returns a Service backed by keys.
func NewService(keys KeyProvider) *Service {
	return &Service{keys: keys}
}

// Encrypt encrypts sourcePath into outDir. It fails with
// models.ErrVaultLocked when no session key is held.
func (s *Service) Encrypt(ctx context.Context, sourcePath, outDir string) (*Result, error) {
	start := time.Now()
	var res *Result
	err := s.keys.WithUnlockedKey(func(key []byte) error {
		var err error
		res, err = Encrypt(ctx, key, sourcePath, outDir)
		return err
	})
	metrics.RecordCodec("encrypt", err)

	logger := logging.Ctx(ctx)
	if err != nil {
		logger.Error().Err(err).Str("source", sourcePath).Msg("Encryption failed")
		return nil, err
	}
	logger.Info().
		Str("dir", res.Dir).
		Int64("size_bytes", res.SizeBytes).
		Dur("duration", time.Since(start)).
		Msg("Payload encrypted")
	return res, nil
}

// Decrypt verifies and decrypts the encrypted directory dir.
func (s *Service) Decrypt(ctx context.Context, dir string, opts DecryptOptions) (string, error) {
	var out string
	err := s.keys.WithUnlockedKey(func(key []byte) error {
		var err error
		out, err = Decrypt(ctx, key, dir, opts)
		return err
	})
	metrics.RecordCodec("decrypt", err)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("dir", dir).Msg("Decryption failed")
		return "", err
	}
	logging.Ctx(ctx).Info().Str("output", out).Msg("Payload decrypted")
	return out, nil
}

// Verify checks an encrypted directory without decrypting it.
func (s *Service) Verify(ctx context.Context, dir string) error {
	err := s.keys.WithUnlockedKey(func(key []byte) error {
		return Verify(ctx, key, dir)
	})
	metrics.RecordCodec("verify", err)
	return err
}
