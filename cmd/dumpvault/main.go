// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Command dumpvault is the operator CLI for dumpvaultd.
//
// Every command except restore is a single request on the daemon's local
// control channel; the vault password is sent to the daemon and the master
// key never leaves it. restore downloads a backup from a destination
// directly, asks the daemon to decrypt it, and loads it with the configured
// restore command.
//
// Usage:
//
//	dumpvault setup                 # create the vault and unlock it
//	dumpvault unlock                # unlock for the configured session TTL
//	dumpvault status
//	dumpvault backup trigger orders
//	dumpvault export ./orders.archive.gz
//	dumpvault restore orders -d offsite
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/ipc"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
)

var (
	version = "dev"
	commit  = "unset"
	date    = "unset"
)

// CLI is the command tree.
type CLI struct {
	Config   string           `short:"c" type:"path" env:"DUMPVAULT_CONFIG" help:"Path to the YAML configuration file."`
	Address  string           `env:"DUMPVAULT_SOCKET" help:"Control channel socket path or pipe name; defaults to the configured one."`
	LogLevel string           `default:"warn" enum:"trace,debug,info,warn,error" help:"Log level for CLI diagnostics."`
	Version  kong.VersionFlag `short:"v" help:"Print version and exit."`

	Setup    SetupCmd    `cmd:"" help:"Create the vault with a new password and unlock it."`
	Unlock   UnlockCmd   `cmd:"" help:"Unlock the vault in the daemon."`
	Lock     LockCmd     `cmd:"" help:"Wipe the session key from the daemon."`
	Status   StatusCmd   `cmd:"" help:"Show daemon and vault state."`
	Shutdown ShutdownCmd `cmd:"" help:"Stop the daemon."`
	Backup   BackupCmd   `cmd:"" help:"Control scheduled backup jobs."`
	Export   ExportCmd   `cmd:"" help:"Encrypt a local artifact with the vault key."`
	Import   ImportCmd   `cmd:"" help:"Verify and decrypt an encrypted directory."`
	Restore  RestoreCmd  `cmd:"" help:"Download a stored backup and load it into the database."`
}

// controlClient is the part of ipc.Client the commands use.
type controlClient interface {
	Alive(ctx context.Context) bool
	Unlock(ctx context.Context, password string) (bool, error)
	NewPassUnlock(ctx context.Context, password string) error
	Lock(ctx context.Context) error
	Status(ctx context.Context) (*ipc.StatusResult, error)
	Shutdown(ctx context.Context) error
	Trigger(ctx context.Context, job string) error
	SetJobEnabled(ctx context.Context, job string, enabled bool) error
	Export(ctx context.Context, path, outDir string) (*ipc.ExportResult, error)
	Import(ctx context.Context, p ipc.ImportPayload) (*ipc.ImportResult, error)
}

var _ controlClient = (*ipc.Client)(nil)

// App carries what every command needs.
type App struct {
	cfg    *config.Config
	client controlClient
	out    io.Writer
	prompt func(label string) ([]byte, error)
	sleep  func(time.Duration)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("dumpvault"),
		kong.Description("Operate the dumpvault backup daemon."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	logging.Init(logging.Config{Level: cli.LogLevel, Format: "console", Output: os.Stderr})

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dumpvault: %v\n", err)
		os.Exit(2)
	}
	address := cli.Address
	if address == "" {
		address = ipc.DefaultAddress(cfg.Daemon)
	}

	app := &App{
		cfg: cfg,
		client: ipc.NewClient(address, ipc.ClientOptions{
			Timeout:       cfg.Daemon.RequestTimeout,
			CryptoTimeout: cfg.Daemon.CryptoTimeout,
		}),
		out:    os.Stdout,
		prompt: readPassword,
		sleep:  time.Sleep,
	}
	if err := kctx.Run(app); err != nil {
		fmt.Fprintf(os.Stderr, "dumpvault: %s\n", describe(err))
		os.Exit(1)
	}
}

// describe turns an error into an operator-facing message.
func describe(err error) string {
	switch {
	case errors.Is(err, models.ErrDaemonNotRunning):
		return "dumpvaultd is not running; start the service first"
	case errors.Is(err, models.ErrVaultNotConfigured):
		return "no vault exists yet; run 'dumpvault setup'"
	case errors.Is(err, models.ErrVaultLocked):
		return "the vault is locked; run 'dumpvault unlock'"
	default:
		return err.Error()
	}
}
