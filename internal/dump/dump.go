// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package dump produces and restores database dumps by running the MongoDB
// tools as subprocesses. Their output goes to the log only.
package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
)

// Producer yields a plain artifact for one database.
type Producer interface {
	Dump(ctx context.Context, database, outDir string) (*models.Artifact, error)
}

// Restorer loads a plain artifact back into a database.
type Restorer interface {
	Restore(ctx context.Context, database, payloadPath string) error
}

// Mongo runs mongodump and mongorestore.
type Mongo struct {
	cfg config.DumpConfig
	now func() time.Time
}

// NewMongo returns a Mongo driver for cfg.
func NewMongo(cfg config.DumpConfig) *Mongo {
	return &Mongo{cfg: cfg, now: time.Now}
}

// Dump writes a gzip archive file (Gzip set) or a dump directory under
// outDir. A failed dump leaves nothing behind.
func (m *Mongo) Dump(ctx context.Context, database, outDir string) (*models.Artifact, error) {
	if database == "" {
		return nil, models.Configurationf("dump: database name is required")
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create dump directory: %w", err)
	}

	stamp := m.now().UTC().Format("20060102T150405Z")
	var payload string
	args := m.connArgs(database)
	if m.cfg.Gzip {
		payload = filepath.Join(outDir, fmt.Sprintf("%s-%s.archive.gz", database, stamp))
		args = append(args, "--archive="+payload, "--gzip")
	} else {
		payload = filepath.Join(outDir, fmt.Sprintf("%s-%s", database, stamp))
		args = append(args, "--out="+payload)
	}

	if err := m.run(ctx, m.cfg.Command, database, args); err != nil {
		_ = os.RemoveAll(payload)
		return nil, fmt.Errorf("dump of %s failed: %w", database, err)
	}

	size, err := pathSize(payload)
	if err != nil {
		_ = os.RemoveAll(payload)
		return nil, fmt.Errorf("dump of %s produced no payload: %w", database, err)
	}
	return &models.Artifact{
		LogicalName: filepath.Base(payload),
		SizeBytes:   size,
		PayloadRef:  payload,
	}, nil
}

// Restore loads payloadPath (archive file or dump directory) into database.
func (m *Mongo) Restore(ctx context.Context, database, payloadPath string) error {
	info, err := os.Stat(payloadPath)
	if err != nil {
		return fmt.Errorf("restore payload: %w", err)
	}
	args := m.connArgs(database)
	if info.IsDir() {
		args = append(args, "--dir="+payloadPath)
	} else {
		args = append(args, "--archive="+payloadPath)
		if strings.HasSuffix(payloadPath, ".gz") {
			args = append(args, "--gzip")
		}
	}
	args = append(args, "--drop")
	if err := m.run(ctx, m.cfg.RestoreCommand, database, args); err != nil {
		return fmt.Errorf("restore of %s failed: %w", database, err)
	}
	return nil
}

func (m *Mongo) connArgs(database string) []string {
	var args []string
	if m.cfg.URI != "" {
		args = append(args, "--uri="+m.cfg.URI)
	}
	return append(args, "--db="+database)
}

func (m *Mongo) run(ctx context.Context, command, database string, args []string) error {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	logger := logging.Ctx(ctx).With().
		Str("component", "dump").
		Str("command", filepath.Base(command)).
		Str("database", database).
		Logger()

	cmd := exec.CommandContext(ctx, command, args...)
	stdout := newLineLogger(logger, zerolog.DebugLevel)
	stderr := newLineLogger(logger, zerolog.InfoLevel)
	cmd.Stdout, cmd.Stderr = stdout, stderr

	start := time.Now()
	logger.Info().Msg("Starting subprocess")
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d: %s", filepath.Base(command), exitErr.ExitCode(), stderr.Last())
		}
		return err
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("Subprocess finished")
	return nil
}

// pathSize returns a file's size or the total size of a directory tree.
func pathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}

// lineLogger turns subprocess output into one log event per line and
// remembers the last non-empty line for error messages.
type lineLogger struct {
	logger zerolog.Logger
	level  zerolog.Level

	mu   sync.Mutex
	buf  []byte
	last string
}

var _ io.Writer = (*lineLogger)(nil)

func newLineLogger(logger zerolog.Logger, level zerolog.Level) *lineLogger {
	return &lineLogger{logger: logger, level: level}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := strings.IndexByte(string(l.buf), '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(string(l.buf))
		l.buf = nil
	}
}

// Last returns the last non-empty line written.
func (l *lineLogger) Last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	l.last = line
	l.logger.WithLevel(l.level).Msg(line)
}
