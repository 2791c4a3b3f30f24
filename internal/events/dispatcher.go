// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package events delivers typed backup notifications to sinks.
//
// The job runner and retention evictor hold an Emitter. Emitting never
// fails from the caller's point of view: the Dispatcher calls every sink,
// recovers panics, and counts and logs sink errors without returning them.
// Slow consumers (webhooks) hang off the watermill Bus so they run
// asynchronously with retries.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
)

// Sink consumes one event. Errors are reported to the Dispatcher only.
type Sink interface {
	Emit(ctx context.Context, ev models.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev models.Event) error

func (f SinkFunc) Emit(ctx context.Context, ev models.Event) error { return f(ctx, ev) }

// Emitter is what the core depends on. Emit has no error result.
type Emitter interface {
	Emit(ctx context.Context, ev models.Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, models.Event) {}

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher fans an event out to its sinks in registration order.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks []namedSink
	now   func() time.Time
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{now: time.Now}
}

// Register adds sink under name, used for metrics and logs.
func (d *Dispatcher) Register(name string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
}

// Emit stamps ev with the current time if unset and delivers it to every sink.
func (d *Dispatcher) Emit(ctx context.Context, ev models.Event) {
	if ev.Time.IsZero() {
		ev.Time = d.now().UTC()
	}
	metrics.EventsEmitted.WithLabelValues(string(ev.Name)).Inc()

	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, s := range sinks {
		if err := deliver(ctx, s.sink, ev); err != nil {
			metrics.EventSinkFailures.WithLabelValues(s.name).Inc()
			logging.Ctx(ctx).Warn().
				Err(err).
				Str("sink", s.name).
				Str("event", string(ev.Name)).
				Msg("Event sink failed")
		}
	}
}

func deliver(ctx context.Context, sink Sink, ev models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Emit(ctx, ev)
}
