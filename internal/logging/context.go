// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	runIDKey   contextKey = "run_id"
	jobNameKey contextKey = "job"
	loggerKey  contextKey = "logger"
)

// GenerateRunID creates a new run ID. Run IDs are full UUIDs because they are
// persisted in the job-run audit trail.
func GenerateRunID() string {
	return uuid.New().String()
}

// ContextWithRunID returns a new context carrying the given run ID.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext retrieves the run ID from context, or "" if absent.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithJob returns a new context carrying the job name.
func ContextWithJob(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, jobNameKey, name)
}

// JobFromContext retrieves the job name from context, or "" if absent.
func JobFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(jobNameKey).(string); ok {
		return name
	}
	return ""
}

// ContextWithLogger stores a logger in the context.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger from context, falling back to the global logger.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger with run_id and job fields added from ctx.
//
//	logging.Ctx(ctx).Info().Int("objects", n).Msg("Replication finished")
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := LoggerFromContext(ctx).With()
	if id := RunIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("run_id", id)
	}
	if job := JobFromContext(ctx); job != "" {
		logCtx = logCtx.Str("job", job)
	}
	l := logCtx.Logger()
	return &l
}

// WithComponent creates a child logger with a component field.
//
//	log := logging.WithComponent("scheduler")
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}

// WithDestination creates a child logger identifying a storage destination.
func WithDestination(name, kind string) zerolog.Logger {
	return With().Str("component", "storage").Str("destination", name).Str("type", kind).Logger()
}
