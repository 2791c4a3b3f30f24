// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/vault"
)

const minPasswordLen = 8

// SetupCmd creates the vault.
type SetupCmd struct{}

func (c *SetupCmd) Run(app *App) error {
	pw, err := app.prompt("New vault password: ")
	if err != nil {
		return err
	}
	defer clear(pw)
	if len(pw) < minPasswordLen {
		return fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	confirm, err := app.prompt("Repeat password: ")
	if err != nil {
		return err
	}
	defer clear(confirm)
	if !bytes.Equal(pw, confirm) {
		return errors.New("passwords do not match")
	}

	if err := app.client.NewPassUnlock(context.Background(), string(pw)); err != nil {
		return err
	}
	fmt.Fprintln(app.out, "Vault created and unlocked.")
	return nil
}

// UnlockCmd unlocks the vault, re-prompting after a wrong password.
type UnlockCmd struct {
	Attempts int `help:"Password attempts before giving up (defaults to vault.max_unlock_attempts)."`
}

func (c *UnlockCmd) Run(app *App) error {
	ctx := context.Background()
	st, err := app.client.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Vault.Configured {
		return models.ErrVaultNotConfigured
	}
	if st.Vault.Unlocked {
		fmt.Fprintf(app.out, "Vault already unlocked until %s.\n", st.Vault.ExpiresAt.Local().Format(time.RFC1123))
		return nil
	}

	attempts := c.Attempts
	if attempts <= 0 {
		attempts = app.cfg.Vault.MaxUnlockAttempts
	}
	return unlockLoop(ctx, app, attempts)
}

// unlockLoop prompts up to attempts times. Waits between attempts grow
// exponentially and also absorb the daemon's throttling.
func unlockLoop(ctx context.Context, app *App, attempts int) error {
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = time.Second
	delay.MaxInterval = 30 * time.Second
	delay.MaxElapsedTime = 0
	delay.Reset()

	for attempt := 1; attempt <= attempts; attempt++ {
		pw, err := app.prompt("Vault password: ")
		if err != nil {
			return err
		}
		ok, err := tryUnlock(ctx, app, pw, delay)
		clear(pw)
		switch {
		case err != nil:
			return err
		case ok:
			fmt.Fprintln(app.out, "Vault unlocked.")
			return nil
		}
		fmt.Fprintf(app.out, "Wrong password (%d/%d).\n", attempt, attempts)
		if attempt < attempts {
			app.sleep(delay.NextBackOff())
		}
	}
	return fmt.Errorf("%w: giving up after %d attempts", models.ErrAuthentication, attempts)
}

// maxThrottledWaits bounds how often one password is resubmitted while the
// daemon is throttling.
const maxThrottledWaits = 10

// tryUnlock submits pw, waiting and resubmitting while the daemon throttles.
// Throttled submissions never reached the password check, so they do not
// count as attempts.
func tryUnlock(ctx context.Context, app *App, pw []byte, delay backoff.BackOff) (bool, error) {
	for waits := 0; ; waits++ {
		ok, err := app.client.Unlock(ctx, string(pw))
		if !errors.Is(err, vault.ErrThrottled) {
			return ok, err
		}
		if waits == maxThrottledWaits {
			return false, err
		}
		wait := delay.NextBackOff()
		fmt.Fprintf(app.out, "Too many attempts, waiting %s.\n", wait.Round(time.Second))
		app.sleep(wait)
	}
}

// LockCmd wipes the session key.
type LockCmd struct{}

func (c *LockCmd) Run(app *App) error {
	if err := app.client.Lock(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(app.out, "Vault locked.")
	return nil
}

// StatusCmd prints daemon and vault state.
type StatusCmd struct {
	JSON bool `help:"Print the raw status as JSON."`
}

func (c *StatusCmd) Run(app *App) error {
	st, err := app.client.Status(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(app.out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	vaultState := "not configured"
	switch {
	case st.Vault.Unlocked:
		vaultState = fmt.Sprintf("unlocked until %s", st.Vault.ExpiresAt.Local().Format(time.RFC1123))
	case st.Vault.Configured:
		vaultState = "locked"
	}
	scheduler := "enabled"
	if !st.Scheduler {
		scheduler = "disabled"
	}
	fmt.Fprintf(app.out, "dumpvaultd %s (pid %d), up since %s\n", st.Version, st.PID, st.StartedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(app.out, "vault:     %s\n", vaultState)
	fmt.Fprintf(app.out, "scheduler: %s\n", scheduler)
	return nil
}

// ShutdownCmd stops the daemon.
type ShutdownCmd struct{}

func (c *ShutdownCmd) Run(app *App) error {
	if err := app.client.Shutdown(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(app.out, "Daemon is shutting down.")
	return nil
}

// BackupCmd groups job controls.
type BackupCmd struct {
	Trigger TriggerCmd `cmd:"" help:"Run a job now."`
	Enable  EnableCmd  `cmd:"" help:"Enable a job."`
	Disable DisableCmd `cmd:"" help:"Disable a job."`
}

// TriggerCmd runs a job immediately.
type TriggerCmd struct {
	Job string `arg:"" help:"Job name."`
}

func (c *TriggerCmd) Run(app *App) error {
	if err := app.client.Trigger(context.Background(), c.Job); err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Job %s started.\n", c.Job)
	return nil
}

// EnableCmd enables a job.
type EnableCmd struct {
	Job string `arg:"" help:"Job name."`
}

func (c *EnableCmd) Run(app *App) error {
	return setEnabled(app, c.Job, true)
}

// DisableCmd disables a job.
type DisableCmd struct {
	Job string `arg:"" help:"Job name."`
}

func (c *DisableCmd) Run(app *App) error {
	return setEnabled(app, c.Job, false)
}

func setEnabled(app *App, job string, enabled bool) error {
	if err := app.client.SetJobEnabled(context.Background(), job, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(app.out, "Job %s %s.\n", job, state)
	return nil
}
