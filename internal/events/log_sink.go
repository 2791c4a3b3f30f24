// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink logs through the global logger.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.WithComponent("events")}
}

// NewLogSinkWithLogger logs through logger.
func NewLogSinkWithLogger(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, ev models.Event) error {
	e := s.logger.Info()
	if ev.Error != "" {
		e = s.logger.Warn().Str("error", ev.Error)
	}
	e = e.Str("event", string(ev.Name)).Time("event_time", ev.Time)
	if ev.JobName != "" {
		e = e.Str("job", ev.JobName)
	}
	if ev.RunID != "" {
		e = e.Str("run_id", ev.RunID)
	}
	if ev.Destination != "" {
		e = e.Str("destination", ev.Destination)
	}
	if ev.SizeBytes > 0 {
		e = e.Int64("size_bytes", ev.SizeBytes)
	}
	if len(ev.Details) > 0 {
		e = e.Interface("details", ev.Details)
	}
	e.Msg("Backup event")
	return nil
}
