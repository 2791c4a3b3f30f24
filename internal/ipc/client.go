// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/models"
)

// ClientOptions tune a Client. Zero values take defaults.
type ClientOptions struct {
	// Timeout bounds a request when ctx carries no deadline.
	Timeout time.Duration

	// CryptoTimeout replaces Timeout for export and import.
	CryptoTimeout time.Duration
}

// Client talks to the daemon. Each call opens its own connection.
type Client struct {
	address string
	opts    ClientOptions
}

// NewClient returns a Client for the socket path or pipe name address.
func NewClient(address string, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CryptoTimeout <= 0 {
		opts.CryptoTimeout = 2 * time.Hour
	}
	return &Client{address: address, opts: opts}
}

// Do sends req and returns the daemon's reply. A daemon that cannot be
// reached yields models.ErrDaemonNotRunning; a reply with Success false is
// returned without error.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		timeout := c.opts.Timeout
		if req.Action == ActionExport || req.Action == ActionImport {
			timeout = c.opts.CryptoTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := dial(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %v", models.ErrDaemonNotRunning, c.address, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", req.Action, err)
	}
	var resp Response
	if err := readFrame(bufio.NewReader(conn), &resp); err != nil {
		return nil, fmt.Errorf("failed to read %s reply: %w", req.Action, err)
	}
	return &resp, nil
}

// Alive reports whether a daemon accepts connections.
func (c *Client) Alive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := dial(ctx, c.address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// call performs action and decodes the reply payload into out.
func (c *Client) call(ctx context.Context, action Action, payload, out any) error {
	req := Request{Action: action}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", action, err)
		}
		req.Payload = raw
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errorFor(resp.Code, resp.Error)
	}
	if out != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("%w: invalid %s reply: %v", ErrProtocol, action, err)
		}
	}
	return nil
}

// Unlock unlocks the vault. A wrong password returns (false, nil).
func (c *Client) Unlock(ctx context.Context, password string) (bool, error) {
	err := c.call(ctx, ActionUnlock, PasswordPayload{Password: password}, nil)
	if errors.Is(err, models.ErrAuthentication) {
		return false, nil
	}
	return err == nil, err
}

// NewPassUnlock creates the vault with password and unlocks it.
func (c *Client) NewPassUnlock(ctx context.Context, password string) error {
	return c.call(ctx, ActionNewPassUnlock, PasswordPayload{Password: password}, nil)
}

// Lock wipes the daemon's session key.
func (c *Client) Lock(ctx context.Context) error {
	return c.call(ctx, ActionLock, nil, nil)
}

// Export encrypts the artifact at path (absolute) inside the daemon.
func (c *Client) Export(ctx context.Context, path, outDir string) (*ExportResult, error) {
	var res ExportResult
	if err := c.call(ctx, ActionExport, ExportPayload{Path: path, OutDir: outDir}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Import verifies and decrypts an encrypted directory inside the daemon.
func (c *Client) Import(ctx context.Context, p ImportPayload) (*ImportResult, error) {
	var res ImportResult
	if err := c.call(ctx, ActionImport, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status returns the daemon and vault state.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := c.call(ctx, ActionStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, ActionShutdown, nil, nil)
}

// Trigger runs a job now.
func (c *Client) Trigger(ctx context.Context, job string) error {
	return c.call(ctx, ActionTrigger, JobPayload{Job: job}, nil)
}

// SetJobEnabled enables or disables a job.
func (c *Client) SetJobEnabled(ctx context.Context, job string, enabled bool) error {
	action := ActionDisableJob
	if enabled {
		action = ActionEnableJob
	}
	return c.call(ctx, action, JobPayload{Job: job}, nil)
}
