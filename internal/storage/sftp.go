// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
)

const sftpPartSuffix = ".part"

// SFTPOptions tunes connection establishment.
type SFTPOptions struct {
	ConnectTimeout time.Duration
	ConnectRetries int
}

// SFTPBackend stores objects under a base path on an SSH host. The
// connection is opened on first use and held until Close.
type SFTPBackend struct {
	name     string
	addr     string
	basePath string
	sshCfg   *ssh.ClientConfig
	opts     SFTPOptions

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

// NewSFTPBackend validates cfg and prepares the SSH client configuration.
// No connection is made until the first operation.
func NewSFTPBackend(name string, cfg *config.SSHConfig, opts SFTPOptions) (*SFTPBackend, error) {
	if cfg == nil {
		return nil, models.Configurationf("destination %s: ssh block is missing", name)
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		signer, err := loadSigner(cfg.PrivateKeyPath, cfg.Passphrase)
		if err != nil {
			return nil, models.Configurationf("destination %s: %v", name, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, models.Configurationf("destination %s: password or private_key_path is required", name)
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsPath != "":
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, models.Configurationf("destination %s: failed to load known_hosts: %v", name, err)
		}
		hostKey = cb
	case cfg.InsecureIgnoreHostKey:
		logging.Warn().Str("destination", name).Msg("SSH host key verification disabled")
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec // explicit operator opt-in
	default:
		return nil, models.Configurationf("destination %s: known_hosts_path is required", name)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	return &SFTPBackend{
		name:     name,
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		basePath: path.Clean(cfg.BasePath),
		opts:     opts,
		sshCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         opts.ConnectTimeout,
		},
	}, nil
}

func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(pem)
}

func (s *SFTPBackend) Name() string { return s.name }
func (s *SFTPBackend) Kind() string { return "ssh" }

// session returns the live SFTP client, connecting with bounded retries.
func (s *SFTPBackend) session(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.opts.ConnectRetries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		conn, client, err := s.dial(ctx)
		if err != nil {
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) {
				return backoff.Permanent(err)
			}
			logging.Debug().Err(err).Str("destination", s.name).Msg("SFTP connect attempt failed")
			return err
		}
		s.conn, s.client = conn, client
		return nil
	}, policy)
	if err != nil {
		return nil, models.Transient("connect "+s.addr, err)
	}
	return s.client, nil
}

func (s *SFTPBackend) dial(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	d := net.Dialer{Timeout: s.opts.ConnectTimeout}
	raw, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, nil, err
	}
	_ = raw.SetDeadline(time.Now().Add(s.opts.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(raw, s.addr, s.sshCfg)
	if err != nil {
		_ = raw.Close()
		return nil, nil, err
	}
	_ = raw.SetDeadline(time.Time{})
	conn := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, client, nil
}

// do runs fn against the session. SFTP calls take no context, so when ctx
// ends first the connection is torn down to unblock fn.
func (s *SFTPBackend) do(ctx context.Context, fn func(c *sftp.Client) error) error {
	c, err := s.session(ctx)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn(c) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = s.Close()
		<-done
		return ctx.Err()
	}
}

func (s *SFTPBackend) remotePath(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.basePath, k), nil
}

func (s *SFTPBackend) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.remotePath(key)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.do(ctx, func(c *sftp.Client) error {
		info, err := c.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = info.Mode().IsRegular()
		return nil
	})
	return exists, err
}

// Upload writes to "<key>.part" and renames it over the final name.
func (s *SFTPBackend) Upload(ctx context.Context, r io.Reader, key string, _ int64) (models.ObjectRef, error) {
	p, err := s.remotePath(key)
	if err != nil {
		return models.ObjectRef{}, err
	}
	var ref models.ObjectRef
	err = s.do(ctx, func(c *sftp.Client) error {
		if err := c.MkdirAll(path.Dir(p)); err != nil {
			return err
		}
		tmp := p + sftpPartSuffix
		f, err := c.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		_, err = f.ReadFrom(contextReader{ctx: ctx, r: r})
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			err = renameOver(c, tmp, p)
		}
		if err != nil {
			_ = c.Remove(tmp)
			return err
		}
		info, err := c.Stat(p)
		if err != nil {
			return err
		}
		ref = s.ref(key, info)
		return nil
	})
	if err != nil {
		return models.ObjectRef{}, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return ref, nil
}

// renameOver prefers the atomic posix-rename extension and falls back to
// remove-then-rename on servers without it.
func renameOver(c *sftp.Client, from, to string) error {
	if err := c.PosixRename(from, to); err == nil {
		return nil
	}
	if err := c.Remove(to); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return c.Rename(from, to)
}

func (s *SFTPBackend) UploadDirectory(ctx context.Context, dir, prefix string) ([]models.ObjectRef, []models.ObjectError) {
	return uploadDirectory(ctx, s, dir, prefix)
}

// Download returns the remote file. Reads are bound to the held
// connection; Close on the backend interrupts them.
func (s *SFTPBackend) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.remotePath(key)
	if err != nil {
		return nil, err
	}
	var f *sftp.File
	err = s.do(ctx, func(c *sftp.Client) error {
		var err error
		f, err = c.Open(p)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// List walks the directory that contains prefix.
func (s *SFTPBackend) List(ctx context.Context, prefix string) ([]models.ObjectRef, error) {
	dir := path.Dir(prefix)
	if strings.HasSuffix(prefix, "/") {
		dir = strings.TrimSuffix(prefix, "/")
	}
	walkRoot := s.basePath
	if dir != "." && dir != "" {
		walkRoot = path.Join(s.basePath, dir)
	}

	var refs []models.ObjectRef
	err := s.do(ctx, func(c *sftp.Client) error {
		w := c.Walk(walkRoot)
		for w.Step() {
			if err := w.Err(); err != nil {
				if w.Path() == walkRoot && errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			info := w.Stat()
			if !info.Mode().IsRegular() || strings.HasSuffix(info.Name(), sftpPartSuffix) {
				continue
			}
			key := strings.TrimPrefix(strings.TrimPrefix(w.Path(), s.basePath), "/")
			if strings.HasPrefix(key, prefix) {
				refs = append(refs, s.ref(key, info))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", walkRoot, err)
	}
	return refs, nil
}

func (s *SFTPBackend) Delete(ctx context.Context, key string) (bool, error) {
	p, err := s.remotePath(key)
	if err != nil {
		return false, err
	}
	var deleted bool
	err = s.do(ctx, func(c *sftp.Client) error {
		err := c.Remove(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// TestConnection connects and makes sure the base path exists.
func (s *SFTPBackend) TestConnection(ctx context.Context) error {
	return s.do(ctx, func(c *sftp.Client) error {
		return c.MkdirAll(s.basePath)
	})
}

// Close tears down the SFTP session and SSH connection. Errors are
// swallowed; the next operation reconnects.
func (s *SFTPBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	return nil
}

// FolderSizeBytes sums file sizes under a path relative to the base path.
// SFTP has no recursive du, so this walks the tree.
func (s *SFTPBackend) FolderSizeBytes(ctx context.Context, rel string) (int64, error) {
	root := s.basePath
	if rel != "" {
		p, err := s.remotePath(rel)
		if err != nil {
			return 0, err
		}
		root = p
	}
	var total int64
	err := s.do(ctx, func(c *sftp.Client) error {
		w := c.Walk(root)
		for w.Step() {
			if err := w.Err(); err != nil {
				if w.Path() == root && errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if info := w.Stat(); info.Mode().IsRegular() {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}

// UsageBytes reports FolderSizeBytes for a directory prefix.
func (s *SFTPBackend) UsageBytes(ctx context.Context, prefix string) (int64, error) {
	return s.FolderSizeBytes(ctx, strings.TrimSuffix(prefix, "/"))
}

func (s *SFTPBackend) ref(key string, info fs.FileInfo) models.ObjectRef {
	return models.ObjectRef{
		Key:         key,
		Size:        info.Size(),
		ModifiedAt:  info.ModTime().UTC(),
		Destination: s.name,
	}
}
