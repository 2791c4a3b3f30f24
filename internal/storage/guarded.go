// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
)

// GuardOptions configures Guard.
type GuardOptions struct {
	// OperationTimeout bounds every call, including whole-object uploads.
	OperationTimeout time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerOpenTimeout.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// Guarded wraps a Backend with a circuit breaker and per-operation
// timeouts. Timeouts, network errors and breaker rejections surface as
// models.ErrTransientIO.
type Guarded struct {
	inner   Backend
	cb      *gobreaker.CircuitBreaker[any]
	timeout time.Duration
}

// Guard wraps b with a fresh breaker. A destination whose breaker is open
// fails fast instead of stalling the run on connect timeouts.
func Guard(b Backend, opts GuardOptions) *Guarded {
	return guardWith(b, newBreaker(b.Name(), opts), opts.OperationTimeout)
}

func guardWith(b Backend, cb *gobreaker.CircuitBreaker[any], timeout time.Duration) *Guarded {
	return &Guarded{inner: b, cb: cb, timeout: timeout}
}

func newBreaker(name string, opts GuardOptions) *gobreaker.CircuitBreaker[any] {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 2 * time.Minute
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("destination", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Destination circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
		// Missing objects and caller cancellation say nothing about the
		// destination's health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, models.ErrNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, errInvalidKey)
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Unwrap returns the guarded backend.
func (g *Guarded) Unwrap() Backend { return g.inner }

func (g *Guarded) Name() string { return g.inner.Name() }
func (g *Guarded) Kind() string { return g.inner.Kind() }

func (g *Guarded) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func guardedCall[T any](g *Guarded, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	res, err := g.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, classify(g.Name(), op, err)
	}
	v, _ := res.(T)
	return v, nil
}

// classify marks destination faults as transient.
func classify(destination, op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return models.Transient(destination+": "+op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return models.Transient(destination+": "+op, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return models.Transient(destination+": "+op, err)
	}
	return err
}

func (g *Guarded) Exists(ctx context.Context, key string) (bool, error) {
	return guardedCall(g, ctx, "exists", func(ctx context.Context) (bool, error) {
		return g.inner.Exists(ctx, key)
	})
}

func (g *Guarded) Upload(ctx context.Context, r io.Reader, key string, size int64) (models.ObjectRef, error) {
	return guardedCall(g, ctx, "upload", func(ctx context.Context) (models.ObjectRef, error) {
		return g.inner.Upload(ctx, r, key, size)
	})
}

// UploadDirectory sends each file through the guard so the breaker sees
// every object.
func (g *Guarded) UploadDirectory(ctx context.Context, dir, prefix string) ([]models.ObjectRef, []models.ObjectError) {
	return uploadDirectory(ctx, g, dir, prefix)
}

// Download bounds only the open. The timeout is released when the caller
// closes the reader.
func (g *Guarded) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := g.withTimeout(ctx)
	res, err := g.cb.Execute(func() (any, error) {
		return g.inner.Download(ctx, key)
	})
	if err != nil {
		cancel()
		return nil, classify(g.Name(), "download", err)
	}
	return &cancelOnClose{ReadCloser: res.(io.ReadCloser), cancel: cancel}, nil
}

func (g *Guarded) List(ctx context.Context, prefix string) ([]models.ObjectRef, error) {
	return guardedCall(g, ctx, "list", func(ctx context.Context) ([]models.ObjectRef, error) {
		return g.inner.List(ctx, prefix)
	})
}

func (g *Guarded) Delete(ctx context.Context, key string) (bool, error) {
	return guardedCall(g, ctx, "delete", func(ctx context.Context) (bool, error) {
		return g.inner.Delete(ctx, key)
	})
}

func (g *Guarded) TestConnection(ctx context.Context) error {
	_, err := guardedCall(g, ctx, "connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.TestConnection(ctx)
	})
	return err
}

func (g *Guarded) Close() error { return g.inner.Close() }

// UsageBytes delegates when the inner backend can report usage.
func (g *Guarded) UsageBytes(ctx context.Context, prefix string) (int64, error) {
	ur, ok := g.inner.(UsageReporter)
	if !ok {
		refs, err := g.List(ctx, prefix)
		if err != nil {
			return 0, err
		}
		return sumSizes(refs), nil
	}
	return guardedCall(g, ctx, "usage", func(ctx context.Context) (int64, error) {
		return ur.UsageBytes(ctx, prefix)
	})
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
