// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package vault owns the master encryption key.
//
// The master key is a random 256-bit key generated once and persisted only
// in wrapped form: AES-256-GCM under a password key derived with Argon2id.
// The vault file stores the KDF parameters, the salt and the wrapped key
// {iv, authTag, ciphertext}. It is immutable once written; there is no
// password rotation because that would require re-keying every artifact.
//
// At runtime the unwrapped key lives only inside Session, a two-state
// machine:
//
//	Locked ──Unlock(password)──▶ Unlocked{key, expiresAt}
//	   ▲                              │
//	   └──── Lock() / TTL expiry ─────┘
//
// Every successful WithUnlockedKey call slides expiresAt forward by the TTL.
// A timer moves the session back to Locked when the TTL elapses with no
// access. On every transition to Locked the key bytes are overwritten with
// zeros and unpinned from memory.
//
// The raw key type never leaves this package: callers receive the key only
// as the argument of the function passed to WithUnlockedKey and must not
// retain it after that function returns.
package vault
