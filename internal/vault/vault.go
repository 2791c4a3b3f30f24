// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
)

// ErrThrottled is returned when unlock attempts arrive faster than allowed.
var ErrThrottled = errors.New("too many unlock attempts, wait before retrying")

// Config configures a Manager.
type Config struct {
	Path       string
	SessionTTL time.Duration
	KDF        KDFParams

	// UnlockRate and UnlockBurst throttle Unlock. A zero rate disables throttling.
	UnlockRate  rate.Limit
	UnlockBurst int
}

// Status is the externally visible vault state. It never contains key material.
type Status struct {
	Configured bool      `json:"configured"`
	Unlocked   bool      `json:"unlocked"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// Manager generates, unlocks and locks the vault and mediates all key use.
type Manager struct {
	path    string
	kdf     KDFParams
	session *Session
	limiter *rate.Limiter
	audit   *logging.VaultAuditLogger
}

// NewManager creates a Manager with a locked session.
func NewManager(cfg Config) *Manager {
	kdf := cfg.KDF
	if kdf.Algorithm == "" {
		kdf = DefaultKDFParams()
	}
	m := &Manager{
		path:  cfg.Path,
		kdf:   kdf,
		audit: logging.NewVaultAuditLogger(),
	}
	if cfg.UnlockRate > 0 {
		burst := cfg.UnlockBurst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(cfg.UnlockRate, burst)
	}
	m.session = NewSession(cfg.SessionTTL, func(reason string) {
		metrics.SetVaultUnlocked(false)
		metrics.VaultLocks.WithLabelValues(reason).Inc()
		m.audit.Locked(reason)
	})
	metrics.SetVaultUnlocked(false)
	return m
}

// Configured reports whether a vault file exists.
func (m *Manager) Configured() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Generate creates the vault file with a fresh random master key wrapped
// under password. It fails with models.ErrAlreadyConfigured if a vault
// file exists. The session is left locked.
func (m *Manager) Generate(password []byte) error {
	if len(password) == 0 {
		return fmt.Errorf("%w: password must not be empty", models.ErrConfiguration)
	}
	if m.Configured() {
		return models.ErrAlreadyConfigured
	}
	if err := m.kdf.validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	masterKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, masterKey); err != nil {
		return fmt.Errorf("failed to generate master key: %w", err)
	}
	defer wipe(masterKey)

	passwordKey := m.kdf.deriveKey(password, salt)
	defer wipe(passwordKey)

	wrapped, err := seal(passwordKey, masterKey)
	if err != nil {
		return err
	}

	f := &File{
		Version:          fileVersion,
		KDF:              m.kdf,
		Salt:             salt,
		WrappedMasterKey: wrapped,
		CreatedAt:        time.Now().UTC(),
	}
	if err := writeFileExclusive(m.path, f); err != nil {
		return err
	}
	m.audit.Generated(m.path)
	return nil
}

// Unlock derives the password key and unwraps the master key. A wrong
// password returns (false, nil) and leaves the session locked. Errors are
// reserved for a missing or corrupt vault file and throttling.
func (m *Manager) Unlock(password []byte, source string) (bool, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		metrics.RecordUnlockAttempt("throttled")
		m.audit.Throttled(source)
		return false, ErrThrottled
	}

	f, err := readFile(m.path)
	if err != nil {
		metrics.RecordUnlockAttempt("error")
		return false, err
	}

	passwordKey := f.KDF.deriveKey(password, f.Salt)
	defer wipe(passwordKey)

	masterKey, ok, err := open(passwordKey, f.WrappedMasterKey)
	if err != nil {
		metrics.RecordUnlockAttempt("error")
		return false, fmt.Errorf("vault file is corrupt: %w", err)
	}
	if !ok {
		metrics.RecordUnlockAttempt("rejected")
		m.audit.UnlockFailed(source)
		return false, nil
	}

	m.session.install(masterKey)
	metrics.RecordUnlockAttempt("success")
	metrics.SetVaultUnlocked(true)
	m.audit.Unlocked(source, int64(m.session.TTL().Seconds()))
	return true, nil
}

// GenerateAndUnlock creates the vault and immediately unlocks it with the
// same password.
func (m *Manager) GenerateAndUnlock(password []byte, source string) error {
	if err := m.Generate(password); err != nil {
		return err
	}
	ok, err := m.Unlock(password, source)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("freshly generated vault rejected its own password")
	}
	return nil
}

// Lock wipes the session key. It is idempotent.
func (m *Manager) Lock() {
	m.session.Lock(LockExplicit)
}

// Shutdown locks the session and waits until the key is wiped, including
// after any operation still using it has finished.
func (m *Manager) Shutdown() {
	m.session.Lock(LockShutdown)
	m.session.Drain()
}

// WithUnlockedKey runs fn with the master key and slides the session TTL.
// It returns models.ErrVaultLocked when the vault is locked.
func (m *Manager) WithUnlockedKey(fn func(key []byte) error) error {
	return m.session.With(fn)
}

// Status reports the vault state.
func (m *Manager) Status() Status {
	unlocked, expires := m.session.Snapshot()
	return Status{
		Configured: m.Configured(),
		Unlocked:   unlocked,
		ExpiresAt:  expires,
		TTLSeconds: int64(m.session.TTL().Seconds()),
	}
}
