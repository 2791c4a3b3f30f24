// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package logging

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// sensitiveKeys are field-name fragments whose values are always masked.
var sensitiveKeys = []string{
	"password", "passphrase", "secret", "token", "private_key", "privatekey", "key_material",
}

// IsSensitiveKey reports whether a field name looks like it holds a credential.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// MaskSecret keeps the first four characters of long values so operators can
// tell two access keys apart, and masks everything else.
func MaskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "****"
}

// SanitizeValue masks v when key is sensitive.
func SanitizeValue(key, v string) string {
	if IsSensitiveKey(key) {
		return MaskSecret(v)
	}
	return v
}

// RedactURL strips userinfo passwords from a URL-like destination description.
// Inputs that do not parse as URLs are returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// VaultAuditLogger records vault state transitions. It never accepts key
// material or passwords as arguments.
type VaultAuditLogger struct {
	logger zerolog.Logger
}

// NewVaultAuditLogger creates an audit logger tagged with component=vault.
func NewVaultAuditLogger() *VaultAuditLogger {
	return &VaultAuditLogger{logger: WithComponent("vault")}
}

// NewVaultAuditLoggerWithLogger creates an audit logger over a custom logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewVaultAuditLoggerWithLogger(logger zerolog.Logger) *VaultAuditLogger {
	return &VaultAuditLogger{logger: logger.With().Str("component", "vault").Logger()}
}

// Generated logs creation of a new vault file.
func (l *VaultAuditLogger) Generated(path string) {
	l.logger.Info().Str("event", "vault_generated").Str("path", path).Msg("Vault created")
}

// Unlocked logs a successful unlock and the session expiry.
func (l *VaultAuditLogger) Unlocked(source string, ttlSeconds int64) {
	l.logger.Info().Str("event", "vault_unlocked").Str("source", source).
		Int64("ttl_seconds", ttlSeconds).Msg("Vault unlocked")
}

// UnlockFailed logs a rejected password.
func (l *VaultAuditLogger) UnlockFailed(source string) {
	l.logger.Warn().Str("event", "vault_unlock_failed").Str("source", source).Msg("Vault unlock rejected")
}

// Locked logs a session ending. Reason is "explicit", "expired" or "shutdown".
func (l *VaultAuditLogger) Locked(reason string) {
	l.logger.Info().Str("event", "vault_locked").Str("reason", reason).Msg("Vault locked")
}

// Throttled logs an unlock attempt rejected by the rate limiter.
func (l *VaultAuditLogger) Throttled(source string) {
	l.logger.Warn().Str("event", "vault_unlock_throttled").Str("source", source).Msg("Vault unlock throttled")
}
