// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/backup"
	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/dump"
	"github.com/tomtom215/dumpvault/internal/ipc"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/storage"
)

// ExportCmd encrypts a file or directory into a new encrypted directory.
type ExportCmd struct {
	Path   string `arg:"" type:"path" help:"File or directory to encrypt."`
	OutDir string `short:"o" type:"path" help:"Directory to create the encrypted directory in (defaults to the artifact's directory)."`
}

func (c *ExportCmd) Run(app *App) error {
	path, err := filepath.Abs(c.Path)
	if err != nil {
		return err
	}
	outDir := c.OutDir
	if outDir == "" {
		outDir = filepath.Dir(path)
	}
	if outDir, err = filepath.Abs(outDir); err != nil {
		return err
	}
	res, err := app.client.Export(context.Background(), path, outDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Encrypted %s -> %s\n", c.Path, res.Dir)
	fmt.Fprintf(app.out, "content hash %s, %d ciphertext bytes\n", res.Sidecar.ContentHash, res.Sidecar.CiphertextSize)
	return nil
}

// ImportCmd decrypts an encrypted directory after verifying it.
type ImportCmd struct {
	Dir            string `arg:"" type:"existingdir" help:"Encrypted directory."`
	Out            string `short:"o" type:"path" help:"Plaintext output path (defaults next to the directory)."`
	KeepCiphertext bool   `help:"Keep the encrypted directory after decrypting."`
}

func (c *ImportCmd) Run(app *App) error {
	dir, err := filepath.Abs(c.Dir)
	if err != nil {
		return err
	}
	out := c.Out
	if out != "" {
		if out, err = filepath.Abs(out); err != nil {
			return err
		}
	}
	res, err := app.client.Import(context.Background(), ipc.ImportPayload{
		Dir:            dir,
		OutPath:        out,
		KeepCiphertext: c.KeepCiphertext,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Decrypted %s -> %s\n", c.Dir, res.Path)
	return nil
}

// RestoreCmd loads a stored backup into a database.
type RestoreCmd struct {
	Job         string `arg:"" help:"Job whose backup to restore."`
	Destination string `short:"d" required:"" help:"Destination to download from."`
	Prefix      string `help:"Backup prefix <job>/<run-id>; defaults to the job's newest backup at the destination."`
	Database    string `help:"Target database (defaults to the job's source)."`
	WorkDir     string `type:"path" help:"Staging directory (defaults to the system temp dir)."`
}

func (c *RestoreCmd) Run(app *App) error {
	ctx := context.Background()
	dest, ok := app.cfg.DestinationByName(c.Destination)
	if !ok {
		return models.Configurationf("destination %q is not configured", c.Destination)
	}

	var job *config.JobConfig
	for i := range app.cfg.Jobs {
		if app.cfg.Jobs[i].Name == c.Job {
			job = &app.cfg.Jobs[i]
		}
	}

	// Without a catalog record, assume encryption unless the job says otherwise.
	encrypted := job == nil || job.Encrypted
	prefix := c.Prefix
	if prefix == "" {
		if !app.cfg.HTTP.Enabled {
			return models.Configurationf("--prefix is required when the status API is disabled")
		}
		rec, err := latestBackup(ctx, "http://"+app.cfg.HTTP.Listen, c.Destination, c.Job)
		if err != nil {
			return err
		}
		prefix, encrypted = rec.Prefix, rec.Encrypted
	}
	if encrypted {
		if err := requireUnlocked(ctx, app); err != nil {
			return err
		}
	}

	database := c.Database
	if database == "" {
		database = c.Job
		if job != nil {
			database = job.Source
		}
	}

	workDir := c.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return err
	}

	src, err := storage.Open(ctx, &dest, storage.OptionsFromConfig(app.cfg.Replication))
	if err != nil {
		return err
	}
	defer src.Close()

	fmt.Fprintf(app.out, "Restoring %s from %s into %s\n", prefix, c.Destination, database)
	err = backup.Restore(ctx, backup.RestoreRequest{
		Source:   src,
		Prefix:   prefix,
		Database: database,
		WorkDir:  workDir,
		Decrypt: func(ctx context.Context, dir string) (string, error) {
			res, err := app.client.Import(ctx, ipc.ImportPayload{Dir: dir})
			if err != nil {
				return "", err
			}
			return res.Path, nil
		},
		Restorer: dump.NewMongo(app.cfg.Dump),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(app.out, "Restore complete.")
	return nil
}

// requireUnlocked fails fast when the daemon that must decrypt a download is
// absent or its vault is locked.
func requireUnlocked(ctx context.Context, app *App) error {
	if !app.client.Alive(ctx) {
		return fmt.Errorf("%w: the backup is encrypted and must be decrypted by the daemon", models.ErrDaemonNotRunning)
	}
	st, err := app.client.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Vault.Unlocked {
		return models.ErrVaultLocked
	}
	return nil
}

// latestBackup asks the daemon's status API for the newest catalogued
// backup of job at destination.
func latestBackup(ctx context.Context, baseURL, destination, job string) (*models.BackupRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	u := baseURL + "/api/backups?destination=" + url.QueryEscape(destination)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %v", models.ErrDaemonNotRunning, baseURL, err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool                  `json:"success"`
		Data    []models.BackupRecord `json:"data"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid status API response: %w", err)
	}
	if !body.Success {
		msg := resp.Status
		if body.Error != nil {
			msg = body.Error.Message
		}
		return nil, fmt.Errorf("status API: %s", msg)
	}

	var latest *models.BackupRecord
	for i := range body.Data {
		rec := &body.Data[i]
		if !strings.HasPrefix(rec.Prefix, job+"/") {
			continue
		}
		if latest == nil || rec.ModifiedAt.After(latest.ModifiedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no backup of %s at %s: %w", job, destination, models.ErrNotFound)
	}
	return latest, nil
}
