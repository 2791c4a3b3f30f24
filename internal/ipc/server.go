// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package ipc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dumpvault/internal/codec"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/vault"
)

// Vault is the session-key surface the channel drives. vault.Manager
// implements it.
type Vault interface {
	Unlock(password []byte, source string) (bool, error)
	GenerateAndUnlock(password []byte, source string) error
	Lock()
	Status() vault.Status
}

// Codec encrypts and decrypts with the session key. codec.Service
// implements it.
type Codec interface {
	Encrypt(ctx context.Context, sourcePath, outDir string) (*codec.Result, error)
	Decrypt(ctx context.Context, dir string, opts codec.DecryptOptions) (string, error)
}

// Jobs controls scheduled jobs. scheduler.Scheduler implements it.
type Jobs interface {
	Trigger(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
}

var (
	_ Vault = (*vault.Manager)(nil)
	_ Codec = (*codec.Service)(nil)
)

// Handlers are the daemon components behind the channel. Jobs and
// Shutdown are optional.
type Handlers struct {
	Vault    Vault
	Codec    Codec
	Jobs     Jobs
	Shutdown func()
}

// Config configures a Server.
type Config struct {
	// Address is the socket path, or the pipe name on Windows.
	Address string

	// RequestTimeout bounds reading a frame, writing a reply and every
	// action except export and import.
	RequestTimeout time.Duration

	// CryptoTimeout bounds export and import.
	CryptoTimeout time.Duration

	Version string
}

// Server accepts control-channel connections.
type Server struct {
	cfg       Config
	h         Handlers
	logger    zerolog.Logger
	startedAt time.Time

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	shutdown bool
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer returns a Server; Serve starts listening.
func NewServer(cfg Config, h Handlers) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.CryptoTimeout <= 0 {
		cfg.CryptoTimeout = 2 * time.Hour
	}
	return &Server{
		cfg:       cfg,
		h:         h,
		logger:    logging.WithComponent("ipc"),
		startedAt: time.Now().UTC(),
		ready:     make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Ready is closed once the server has listened for the first time.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// String implements fmt.Stringer for the supervisor.
func (s *Server) String() string { return "ipc-server" }

// Serve listens on the configured address and handles connections until
// ctx is canceled or a client requests shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := listen(s.cfg.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.closed = false
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info().Str("address", s.cfg.Address).Msg("Control channel listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.closeListener()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				break
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
			}
			continue
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.interruptIdle()
	s.wg.Wait()
	s.logger.Info().Msg("Control channel closed")

	s.mu.Lock()
	shutdown := s.shutdown
	s.mu.Unlock()
	if shutdown {
		// Stay down until the process stops so the supervisor does not
		// reopen the channel.
		<-ctx.Done()
	}
	return ctx.Err()
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.listener == nil {
		return
	}
	s.closed = true
	if err := s.listener.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Listener close")
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// interruptIdle unblocks connections waiting for their next frame.
// Requests already being handled still write their reply.
func (s *Server) interruptIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		if s.isClosed() {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
		var req Request
		if err := readFrame(r, &req); err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, ErrProtocol):
				s.logger.Warn().Err(err).Msg("Closing connection after malformed frame")
				metrics.RecordIPCRequest("invalid", false)
				s.reply(conn, failure(err))
			default:
				s.logger.Debug().Err(err).Msg("Connection read ended")
			}
			return
		}

		resp, after := s.dispatch(ctx, req)
		if !s.reply(conn, resp) {
			return
		}
		if after != nil {
			after()
			return
		}
	}
}

func (s *Server) reply(conn net.Conn, resp Response) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	if err := writeFrame(conn, resp); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write reply")
		return false
	}
	return true
}

// dispatch runs one action. The returned func, when set, runs after the
// reply has been written.
func (s *Server) dispatch(ctx context.Context, req Request) (Response, func()) {
	timeout := s.cfg.RequestTimeout
	if req.Action == ActionExport || req.Action == ActionImport {
		timeout = s.cfg.CryptoTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx = logging.ContextWithLogger(actx, s.logger.With().Str("action", string(req.Action)).Logger())

	var (
		result any
		after  func()
		err    error
	)
	switch req.Action {
	case ActionUnlock:
		result, err = s.unlock(req.Payload)
	case ActionNewPassUnlock:
		result, err = s.newPassUnlock(req.Payload)
	case ActionLock:
		s.h.Vault.Lock()
	case ActionExport:
		result, err = s.export(actx, req.Payload)
	case ActionImport:
		result, err = s.importDir(actx, req.Payload)
	case ActionStatus:
		result = s.status()
	case ActionShutdown:
		after = s.requestShutdown
	case ActionTrigger, ActionEnableJob, ActionDisableJob:
		err = s.job(actx, req.Action, req.Payload)
	default:
		metrics.RecordIPCRequest("unknown", false)
		return Response{Success: false, Error: "unknown action " + string(req.Action), Code: CodeUnknownAction}, nil
	}

	metrics.RecordIPCRequest(string(req.Action), err == nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("action", string(req.Action)).Msg("Control request failed")
		return failure(err), nil
	}
	s.logger.Debug().Str("action", string(req.Action)).Msg("Control request handled")

	resp := Response{Success: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return failure(err), nil
		}
		resp.Payload = raw
	}
	return resp, after
}

func failure(err error) Response {
	return Response{Success: false, Error: err.Error(), Code: codeFor(err)}
}

func (s *Server) unlock(raw json.RawMessage) (*UnlockResult, error) {
	var p PasswordPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	password := []byte(p.Password)
	defer clear(password)

	ok, err := s.h.Vault.Unlock(password, "ipc")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrAuthentication
	}
	return &UnlockResult{Unlocked: true, ExpiresAt: s.h.Vault.Status().ExpiresAt}, nil
}

func (s *Server) newPassUnlock(raw json.RawMessage) (*UnlockResult, error) {
	var p PasswordPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if p.Password == "" {
		return nil, models.Configurationf("password must not be empty")
	}
	password := []byte(p.Password)
	defer clear(password)

	if err := s.h.Vault.GenerateAndUnlock(password, "ipc"); err != nil {
		return nil, err
	}
	return &UnlockResult{Unlocked: true, ExpiresAt: s.h.Vault.Status().ExpiresAt}, nil
}

func (s *Server) export(ctx context.Context, raw json.RawMessage) (*ExportResult, error) {
	var p ExportPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(p.Path) {
		return nil, models.Configurationf("export path must be absolute: %q", p.Path)
	}
	if p.OutDir == "" {
		p.OutDir = filepath.Dir(p.Path)
	} else if !filepath.IsAbs(p.OutDir) {
		return nil, models.Configurationf("export output directory must be absolute: %q", p.OutDir)
	}
	res, err := s.h.Codec.Encrypt(ctx, p.Path, p.OutDir)
	if err != nil {
		return nil, err
	}
	return &ExportResult{Dir: res.Dir, Sidecar: res.Sidecar}, nil
}

func (s *Server) importDir(ctx context.Context, raw json.RawMessage) (*ImportResult, error) {
	var p ImportPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(p.Dir) {
		return nil, models.Configurationf("import directory must be absolute: %q", p.Dir)
	}
	if p.OutPath != "" && !filepath.IsAbs(p.OutPath) {
		return nil, models.Configurationf("import output path must be absolute: %q", p.OutPath)
	}
	out, err := s.h.Codec.Decrypt(ctx, p.Dir, codec.DecryptOptions{
		OutPath:        p.OutPath,
		KeepCiphertext: p.KeepCiphertext,
	})
	if err != nil {
		return nil, err
	}
	return &ImportResult{Path: out}, nil
}

func (s *Server) status() *StatusResult {
	return &StatusResult{
		Vault:     s.h.Vault.Status(),
		PID:       os.Getpid(),
		Version:   s.cfg.Version,
		StartedAt: s.startedAt,
		Scheduler: s.h.Jobs != nil,
	}
}

func (s *Server) job(ctx context.Context, action Action, raw json.RawMessage) error {
	if s.h.Jobs == nil {
		return models.Configurationf("the scheduler is not available")
	}
	var p JobPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	switch action {
	case ActionTrigger:
		return s.h.Jobs.Trigger(ctx, p.Job)
	case ActionEnableJob:
		return s.h.Jobs.Enable(ctx, p.Job)
	default:
		return s.h.Jobs.Disable(ctx, p.Job)
	}
}

// requestShutdown closes the listener, then asks the process to stop.
func (s *Server) requestShutdown() {
	s.logger.Info().Msg("Shutdown requested over control channel")
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.closeListener()
	if s.h.Shutdown != nil {
		s.h.Shutdown()
	}
}
