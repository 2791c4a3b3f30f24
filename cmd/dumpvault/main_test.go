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
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/httpapi"
	"github.com/tomtom215/dumpvault/internal/ipc"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/store"
	"github.com/tomtom215/dumpvault/internal/vault"
)

type fakeClient struct {
	down      bool
	status    ipc.StatusResult
	password  string
	throttle  int
	unlocks   int
	created   string
	triggered []string
	enabled   map[string]bool
}

func (f *fakeClient) Alive(context.Context) bool { return !f.down }

func (f *fakeClient) Unlock(_ context.Context, pw string) (bool, error) {
	f.unlocks++
	if f.throttle > 0 {
		f.throttle--
		return false, vault.ErrThrottled
	}
	return pw == f.password, nil
}

func (f *fakeClient) NewPassUnlock(_ context.Context, pw string) error {
	f.created = pw
	return nil
}

func (f *fakeClient) Lock(context.Context) error { return nil }

func (f *fakeClient) Status(context.Context) (*ipc.StatusResult, error) {
	st := f.status
	return &st, nil
}

func (f *fakeClient) Shutdown(context.Context) error { return nil }

func (f *fakeClient) Trigger(_ context.Context, job string) error {
	if job == "missing" {
		return fmt.Errorf("job %q: %w", job, models.ErrNotFound)
	}
	f.triggered = append(f.triggered, job)
	return nil
}

func (f *fakeClient) SetJobEnabled(_ context.Context, job string, enabled bool) error {
	if f.enabled == nil {
		f.enabled = map[string]bool{}
	}
	f.enabled[job] = enabled
	return nil
}

func (f *fakeClient) Export(context.Context, string, string) (*ipc.ExportResult, error) {
	return nil, models.ErrVaultLocked
}

func (f *fakeClient) Import(context.Context, ipc.ImportPayload) (*ipc.ImportResult, error) {
	return nil, models.ErrVaultLocked
}

// newApp returns an App that answers prompts from answers in order.
func newApp(client *fakeClient, answers ...string) (*App, *bytes.Buffer, *[]time.Duration) {
	out := &bytes.Buffer{}
	var sleeps []time.Duration
	cfg := &config.Config{Vault: config.VaultConfig{MaxUnlockAttempts: 3}}
	return &App{
		cfg:    cfg,
		client: client,
		out:    out,
		prompt: func(string) ([]byte, error) {
			if len(answers) == 0 {
				return nil, errors.New("no more input")
			}
			a := answers[0]
			answers = answers[1:]
			return []byte(a), nil
		},
		sleep: func(d time.Duration) { sleeps = append(sleeps, d) },
	}, out, &sleeps
}

func TestUnlockCmd(t *testing.T) {
	configured := ipc.StatusResult{Vault: vault.Status{Configured: true}}

	t.Run("succeeds after a wrong password", func(t *testing.T) {
		client := &fakeClient{status: configured, password: "correct horse"}
		app, out, sleeps := newApp(client, "nope", "correct horse")
		if err := (&UnlockCmd{}).Run(app); err != nil {
			t.Fatal(err)
		}
		if client.unlocks != 2 || len(*sleeps) != 1 {
			t.Errorf("unlocks = %d, sleeps = %v", client.unlocks, *sleeps)
		}
		if !strings.Contains(out.String(), "Wrong password (1/3)") || !strings.Contains(out.String(), "Vault unlocked.") {
			t.Errorf("output = %q", out.String())
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		client := &fakeClient{status: configured, password: "correct horse"}
		app, _, sleeps := newApp(client, "a", "b", "c", "d")
		err := (&UnlockCmd{}).Run(app)
		if !errors.Is(err, models.ErrAuthentication) {
			t.Fatalf("err = %v", err)
		}
		if client.unlocks != 3 {
			t.Errorf("unlocks = %d, want 3", client.unlocks)
		}
		if len(*sleeps) != 2 {
			t.Errorf("sleeps = %v, want 2 waits", *sleeps)
		}
		if (*sleeps)[1] <= 0 {
			t.Errorf("backoff produced %v", (*sleeps)[1])
		}
	})

	t.Run("waits out throttling", func(t *testing.T) {
		client := &fakeClient{status: configured, password: "pw", throttle: 1}
		app, out, sleeps := newApp(client, "pw", "pw")
		if err := (&UnlockCmd{Attempts: 2}).Run(app); err != nil {
			t.Fatal(err)
		}
		if len(*sleeps) != 1 || !strings.Contains(out.String(), "Too many attempts") {
			t.Errorf("sleeps = %v, output = %q", *sleeps, out.String())
		}
	})

	t.Run("throttled submissions do not use up attempts", func(t *testing.T) {
		client := &fakeClient{status: configured, password: "pw", throttle: 3}
		app, out, sleeps := newApp(client, "pw")
		if err := (&UnlockCmd{Attempts: 1}).Run(app); err != nil {
			t.Fatalf("Run() = %v, output = %q", err, out.String())
		}
		if client.unlocks != 4 || len(*sleeps) != 3 {
			t.Errorf("unlocks = %d, sleeps = %v", client.unlocks, *sleeps)
		}
		if strings.Contains(out.String(), "Wrong password") {
			t.Errorf("throttling reported as a wrong password: %q", out.String())
		}
	})

	t.Run("persistent throttling surfaces the error", func(t *testing.T) {
		client := &fakeClient{status: configured, password: "pw", throttle: maxThrottledWaits + 5}
		app, _, _ := newApp(client, "pw")
		if err := (&UnlockCmd{Attempts: 1}).Run(app); !errors.Is(err, vault.ErrThrottled) {
			t.Fatalf("Run() = %v, want ErrThrottled", err)
		}
		if client.unlocks != maxThrottledWaits+1 {
			t.Errorf("unlocks = %d", client.unlocks)
		}
	})

	t.Run("already unlocked", func(t *testing.T) {
		client := &fakeClient{status: ipc.StatusResult{Vault: vault.Status{Configured: true, Unlocked: true, ExpiresAt: time.Now().Add(time.Hour)}}}
		app, out, _ := newApp(client)
		if err := (&UnlockCmd{}).Run(app); err != nil {
			t.Fatal(err)
		}
		if client.unlocks != 0 || !strings.Contains(out.String(), "already unlocked") {
			t.Errorf("unlocks = %d, output = %q", client.unlocks, out.String())
		}
	})

	t.Run("no vault", func(t *testing.T) {
		app, _, _ := newApp(&fakeClient{})
		err := (&UnlockCmd{}).Run(app)
		if !errors.Is(err, models.ErrVaultNotConfigured) {
			t.Fatalf("err = %v", err)
		}
		if !strings.Contains(describe(err), "dumpvault setup") {
			t.Errorf("describe = %q", describe(err))
		}
	})
}

func TestSetupCmd(t *testing.T) {
	tests := []struct {
		name    string
		answers []string
		wantErr string
	}{
		{"creates vault", []string{"long enough pw", "long enough pw"}, ""},
		{"too short", []string{"short", "short"}, "at least"},
		{"mismatch", []string{"long enough pw", "long enough pX"}, "do not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{}
			app, _, _ := newApp(client, tt.answers...)
			err := (&SetupCmd{}).Run(app)
			if tt.wantErr == "" {
				if err != nil || client.created != tt.answers[0] {
					t.Fatalf("err = %v, created = %q", err, client.created)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
			if client.created != "" {
				t.Error("vault created despite invalid input")
			}
		})
	}
}

func TestBackupCommands(t *testing.T) {
	client := &fakeClient{}
	app, out, _ := newApp(client)

	if err := (&TriggerCmd{Job: "orders"}).Run(app); err != nil {
		t.Fatal(err)
	}
	if err := (&DisableCmd{Job: "orders"}).Run(app); err != nil {
		t.Fatal(err)
	}
	if err := (&TriggerCmd{Job: "missing"}).Run(app); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing job err = %v", err)
	}
	if len(client.triggered) != 1 || client.enabled["orders"] {
		t.Errorf("triggered = %v, enabled = %v", client.triggered, client.enabled)
	}
	if !strings.Contains(out.String(), "Job orders disabled.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestDescribe(t *testing.T) {
	err := fmt.Errorf("%w (/run/d.sock): connection refused", models.ErrDaemonNotRunning)
	if got := describe(err); got != "dumpvaultd is not running; start the service first" {
		t.Errorf("describe = %q", got)
	}
	if got := describe(errors.New("boom")); got != "boom" {
		t.Errorf("describe = %q", got)
	}
}

func TestCommandTree(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"}, kong.Exit(func(int) {}))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"unlock"}, "unlock"},
		{[]string{"backup", "trigger", "orders"}, "backup trigger <job>"},
		{[]string{"restore", "orders", "-d", "offsite"}, "restore <job>"},
		{[]string{"import", "."}, "import <dir>"},
	}
	for _, tt := range tests {
		kctx, err := parser.Parse(tt.args)
		if err != nil {
			t.Errorf("%v: %v", tt.args, err)
			continue
		}
		if kctx.Command() != tt.want {
			t.Errorf("%v: command = %q, want %q", tt.args, kctx.Command(), tt.want)
		}
	}
	if _, err := parser.Parse([]string{"restore", "orders"}); err == nil {
		t.Error("restore without --destination accepted")
	}
}

func TestRestoreCmd_ChecksDaemonBeforeDownload(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
		want   error
	}{
		{"daemon not running", &fakeClient{down: true}, models.ErrDaemonNotRunning},
		{"vault locked", &fakeClient{status: ipc.StatusResult{Vault: vault.Status{Configured: true}}}, models.ErrVaultLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _, _ := newApp(tt.client)
			app.cfg.Destinations = []config.DestinationConfig{{
				Name: "offsite", Type: config.DestinationLocal,
				Local: &config.LocalConfig{Path: t.TempDir()},
			}}
			app.cfg.Jobs = []config.JobConfig{{Name: "orders", Source: "shop", Encrypted: true}}
			work := t.TempDir()

			cmd := &RestoreCmd{Job: "orders", Destination: "offsite", Prefix: "orders/run-1", WorkDir: work}
			if err := cmd.Run(app); !errors.Is(err, tt.want) {
				t.Fatalf("Run() = %v, want %v", err, tt.want)
			}
			if entries, _ := os.ReadDir(work); len(entries) != 0 {
				t.Errorf("work dir has %d entries; nothing should be downloaded", len(entries))
			}
		})
	}
}

func TestLatestBackup(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	catalog := store.NewCatalog(s)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	records := []models.BackupRecord{
		{ID: "1", Destination: "offsite", Prefix: "orders/run-1", ModifiedAt: base},
		{ID: "2", Destination: "offsite", Prefix: "orders/run-2", ModifiedAt: base.Add(time.Minute)},
		{ID: "3", Destination: "offsite", Prefix: "orders-archive/run-9", ModifiedAt: base.Add(time.Hour)},
		{ID: "4", Destination: "local", Prefix: "orders/run-3", ModifiedAt: base.Add(2 * time.Minute)},
	}
	for i := range records {
		if err := catalog.Backups.Insert(ctx, &records[i]); err != nil {
			t.Fatal(err)
		}
	}

	srv := httptest.NewServer(httpapi.NewRouter(httpapi.Deps{Catalog: catalog}))
	defer srv.Close()

	rec, err := latestBackup(ctx, srv.URL, "offsite", "orders")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Prefix != "orders/run-2" {
		t.Errorf("prefix = %q, want orders/run-2", rec.Prefix)
	}

	if _, err := latestBackup(ctx, srv.URL, "offsite", "accounts"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown job err = %v", err)
	}

	srv.Close()
	if _, err := latestBackup(ctx, srv.URL, "offsite", "orders"); !errors.Is(err, models.ErrDaemonNotRunning) {
		t.Errorf("closed server err = %v", err)
	}
}
