// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package store

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/tomtom215/dumpvault/internal/logging"
)

// badgerLogger routes Badger's printf-style logging into zerolog. Info is
// demoted to debug because Badger is chatty about compactions.
type badgerLogger struct {
	logger zerolog.Logger
}

func newBadgerLogger() *badgerLogger {
	return &badgerLogger{logger: logging.WithComponent("badger")}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(trim(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn().Msgf(trim(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug().Msgf(trim(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace().Msgf(trim(format), args...)
}

func trim(format string) string {
	return strings.TrimRight(format, "\n")
}
