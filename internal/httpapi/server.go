// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package httpapi serves the daemon's read-only status API, health check
// and Prometheus metrics over HTTP.
//
// The API never exposes key material or accepts mutations; control
// operations go through the local IPC channel.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/logging"
)

// Server runs the status API as a supervised service.
type Server struct {
	cfg     config.HTTPConfig
	handler http.Handler

	mu   sync.Mutex
	addr net.Addr
}

// NewServer returns a Server for cfg serving the router built from deps.
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, handler: NewRouter(deps)}
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound address once Serve is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens until ctx is cancelled, then drains in-flight requests for
// at most ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.Info().Str("addr", ln.Addr().String()).Msg("Status API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status API stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Status API shutdown did not complete cleanly")
		_ = srv.Close()
	}
	return ctx.Err()
}

func (s *Server) String() string { return "http-api" }
