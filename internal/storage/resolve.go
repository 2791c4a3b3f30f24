// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
)

// Options carries the transport settings shared by every destination.
type Options struct {
	ConnectTimeout     time.Duration
	ConnectRetries     int
	OperationTimeout   time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// OptionsFromConfig extracts Options from the replication section.
func OptionsFromConfig(cfg config.ReplicationConfig) Options {
	return Options{
		ConnectTimeout:     cfg.ConnectTimeout,
		ConnectRetries:     cfg.ConnectRetries,
		OperationTimeout:   cfg.OperationTimeout,
		BreakerFailures:    cfg.BreakerFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
	}
}

// Open builds the adapter matching cfg.Type. The result is not guarded.
func Open(ctx context.Context, cfg *config.DestinationConfig, opts Options) (Backend, error) {
	switch cfg.Type {
	case config.DestinationS3:
		return NewS3Backend(ctx, cfg.Name, cfg.S3)
	case config.DestinationSSH:
		return NewSFTPBackend(cfg.Name, cfg.SSH, SFTPOptions{
			ConnectTimeout: opts.ConnectTimeout,
			ConnectRetries: opts.ConnectRetries,
		})
	case config.DestinationLocal:
		if cfg.Local == nil {
			return nil, models.Configurationf("destination %s: local block is missing", cfg.Name)
		}
		return NewLocalBackend(cfg.Name, cfg.Local.Path)
	default:
		return nil, models.Configurationf("destination %s: unknown type %q", cfg.Name, cfg.Type)
	}
}

// Registry builds guarded backends from configuration. Every Get opens a
// fresh adapter so each run owns and closes its own connections, while the
// breaker per destination lives as long as the registry so a flapping
// destination stays tripped across runs.
type Registry struct {
	configs []config.DestinationConfig
	opts    Options
	open    func(ctx context.Context, cfg *config.DestinationConfig, opts Options) (Backend, error)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewRegistry returns a Registry over configs.
func NewRegistry(configs []config.DestinationConfig, opts Options) *Registry {
	return &Registry{
		configs:  configs,
		opts:     opts,
		open:     Open,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Config returns the destination named name.
func (r *Registry) Config(name string) (*config.DestinationConfig, bool) {
	for i := range r.configs {
		if r.configs[i].Name == name {
			return &r.configs[i], true
		}
	}
	return nil, false
}

// Names returns every configured destination name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for _, c := range r.configs {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns guarded backends for names. Unknown names and
// destinations whose adapter cannot be built are returned separately and
// logged; they never abort resolution of the others.
func (r *Registry) Resolve(ctx context.Context, names []string) (map[string]Backend, []string) {
	out := make(map[string]Backend, len(names))
	var dropped []string
	for _, name := range names {
		if _, dup := out[name]; dup {
			continue
		}
		b, err := r.Get(ctx, name)
		if err != nil {
			logging.Warn().Err(err).Str("destination", name).Msg("Dropping destination")
			dropped = append(dropped, name)
			continue
		}
		out[name] = b
	}
	return out, dropped
}

// Get opens a guarded backend for one destination. The caller closes it.
func (r *Registry) Get(ctx context.Context, name string) (Backend, error) {
	cfg, ok := r.Config(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown destination %q", models.ErrConfiguration, name)
	}
	b, err := r.open(ctx, cfg, r.opts)
	if err != nil {
		return nil, err
	}
	return guardWith(b, r.breaker(name), r.opts.OperationTimeout), nil
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = newBreaker(name, GuardOptions{
			BreakerFailures:    r.opts.BreakerFailures,
			BreakerOpenTimeout: r.opts.BreakerOpenTimeout,
		})
		r.breakers[name] = cb
	}
	return cb
}

// CloseAll closes every backend in m, swallowing errors.
func CloseAll(m map[string]Backend) {
	for name, b := range m {
		if err := b.Close(); err != nil {
			logging.Debug().Err(err).Str("destination", name).Msg("Ignoring close error")
		}
	}
}
