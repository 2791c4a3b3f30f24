// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package vault

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the master key and password key size in bytes.
	KeySize = 32

	// SaltSize is the Argon2id salt size in bytes.
	SaltSize = 32

	kdfArgon2id = "argon2id"

	// MaxKDFMemoryKiB and MaxKDFTime bound what a vault file may ask of
	// Argon2id, so an edited file cannot make Unlock exhaust the host.
	MaxKDFMemoryKiB = 4 * 1024 * 1024
	MaxKDFTime      = 32
)

// KDFParams are the Argon2id parameters persisted alongside the salt so a
// vault created with older defaults keeps unlocking after defaults change.
type KDFParams struct {
	Algorithm string `json:"algorithm"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
	KeyLen    uint32 `json:"key_len"`
}

// DefaultKDFParams follows the RFC 9106 second recommended option.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm: kdfArgon2id,
		Time:      3,
		MemoryKiB: 64 * 1024,
		Threads:   4,
		KeyLen:    KeySize,
	}
}

func (p KDFParams) validate() error {
	if p.Algorithm != kdfArgon2id {
		return fmt.Errorf("unsupported kdf %q", p.Algorithm)
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return fmt.Errorf("kdf parameters must be non-zero")
	}
	if p.MemoryKiB > MaxKDFMemoryKiB {
		return fmt.Errorf("kdf memory %d KiB exceeds limit of %d KiB", p.MemoryKiB, MaxKDFMemoryKiB)
	}
	if p.Time > MaxKDFTime {
		return fmt.Errorf("kdf time cost %d exceeds limit of %d", p.Time, MaxKDFTime)
	}
	if p.KeyLen != KeySize {
		return fmt.Errorf("kdf key length must be %d, got %d", KeySize, p.KeyLen)
	}
	return nil
}

// deriveKey runs Argon2id. The caller owns and must wipe the result.
func (p KDFParams) deriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
}

// wipe overwrites b with zeros.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
