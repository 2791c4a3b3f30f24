// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package ipc implements the local control channel between the dumpvault
// CLI and the dumpvaultd daemon.
//
// The transport is a Unix domain socket (mode 0600 in a 0700 directory) or,
// on Windows, a named pipe restricted to its owner. Frames are
// newline-delimited JSON: the client writes one Request per line and reads
// one Response per line. A frame that cannot be decoded is a protocol
// violation and closes the connection.
//
// Every operation that needs the master key runs inside the daemon; the key
// never crosses the channel.
package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/codec"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/vault"
)

// Action names a control-channel request.
type Action string

const (
	ActionUnlock        Action = "unlock"
	ActionLock          Action = "lock"
	ActionNewPassUnlock Action = "newpass_unlock"
	ActionExport        Action = "export"
	ActionImport        Action = "import"
	ActionStatus        Action = "status"
	ActionShutdown      Action = "shutdown"
	ActionTrigger       Action = "trigger"
	ActionEnableJob     Action = "enable_job"
	ActionDisableJob    Action = "disable_job"
)

// MaxFrameBytes bounds a single request or response line.
const MaxFrameBytes = 1 << 20

// Request is one client frame.
type Request struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is one daemon frame. Code classifies Error so the client can
// restore the sentinel error.
type Response struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    ErrorCode       `json:"code,omitempty"`
}

// PasswordPayload carries a vault password for unlock and newpass_unlock.
type PasswordPayload struct {
	Password string `json:"password"`
}

// UnlockResult reports the session after a successful unlock.
type UnlockResult struct {
	Unlocked  bool      `json:"unlocked"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ExportPayload asks the daemon to encrypt Path into a new encrypted
// directory under OutDir.
type ExportPayload struct {
	Path   string `json:"path"`
	OutDir string `json:"out_dir"`
}

// ExportResult is the finished encryption.
type ExportResult struct {
	Dir     string        `json:"dir"`
	Sidecar codec.Sidecar `json:"sidecar"`
}

// ImportPayload asks the daemon to verify and decrypt an encrypted directory.
type ImportPayload struct {
	Dir            string `json:"dir"`
	OutPath        string `json:"out_path,omitempty"`
	KeepCiphertext bool   `json:"keep_ciphertext,omitempty"`
}

// ImportResult names the plaintext written by an import.
type ImportResult struct {
	Path string `json:"path"`
}

// JobPayload names a job for trigger, enable_job and disable_job.
type JobPayload struct {
	Job string `json:"job"`
}

// StatusResult describes the daemon.
type StatusResult struct {
	Vault     vault.Status `json:"vault"`
	PID       int          `json:"pid"`
	Version   string       `json:"version"`
	StartedAt time.Time    `json:"started_at"`
	Scheduler bool         `json:"scheduler"`
}

// ErrorCode classifies a failed response.
type ErrorCode string

const (
	CodeProtocol          ErrorCode = "protocol"
	CodeUnknownAction     ErrorCode = "unknown_action"
	CodeAuthentication    ErrorCode = "authentication"
	CodeThrottled         ErrorCode = "throttled"
	CodeVaultLocked       ErrorCode = "vault_locked"
	CodeNotConfigured     ErrorCode = "not_configured"
	CodeAlreadyConfigured ErrorCode = "already_configured"
	CodeIntegrity         ErrorCode = "integrity"
	CodeConfiguration     ErrorCode = "configuration"
	CodeNotFound          ErrorCode = "not_found"
	CodeInFlight          ErrorCode = "in_flight"
	CodeInternal          ErrorCode = "internal"
)

// ErrProtocol marks a malformed frame.
var ErrProtocol = errors.New("control channel protocol violation")

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeAuthentication, models.ErrAuthentication},
	{CodeThrottled, vault.ErrThrottled},
	{CodeVaultLocked, models.ErrVaultLocked},
	{CodeNotConfigured, models.ErrVaultNotConfigured},
	{CodeAlreadyConfigured, models.ErrAlreadyConfigured},
	{CodeIntegrity, models.ErrIntegrity},
	{CodeConfiguration, models.ErrConfiguration},
	{CodeNotFound, models.ErrNotFound},
	{CodeInFlight, models.ErrJobInFlight},
	{CodeProtocol, ErrProtocol},
}

// codeFor classifies err for the wire.
func codeFor(err error) ErrorCode {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// errorFor rebuilds a client-side error that matches the daemon's sentinel.
func errorFor(code ErrorCode, msg string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			if msg == "" || msg == ce.err.Error() {
				return ce.err
			}
			return fmt.Errorf("%w: %s", ce.err, msg)
		}
	}
	if msg == "" {
		msg = "request failed"
	}
	return errors.New(msg)
}

// writeFrame writes v as a single JSON line.
func writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// readFrame reads one JSON line into v. io.EOF is returned untouched for a
// cleanly closed peer; oversize or undecodable frames wrap ErrProtocol.
func readFrame(r *bufio.Reader, v any) error {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxFrameBytes {
			return fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocol, MaxFrameBytes)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) == 0 {
			return io.EOF
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: truncated frame", ErrProtocol)
		}
		return err
	}
	line := bytes.TrimSpace(buf)
	if len(line) == 0 {
		return fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", ErrProtocol, err)
	}
	return nil
}
