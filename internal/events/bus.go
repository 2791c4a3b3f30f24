// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/metrics"
	"github.com/tomtom215/dumpvault/internal/models"
)

// Topic carries every backup event on the bus.
const Topic = "dumpvault.events"

// BusConfig tunes the in-process bus.
type BusConfig struct {
	BufferSize           int64
	CloseTimeout         time.Duration
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultBusConfig returns production defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:           256,
		CloseTimeout:         10 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
	}
}

// Bus is an in-process watermill pub/sub. Publishing is non-blocking for
// the emitter; each subscribed sink consumes on its own handler with retry
// and panic recovery.
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// NewBus builds the bus. Subscribe sinks before calling Serve.
func NewBus(cfg BusConfig) (*Bus, error) {
	def := DefaultBusConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = def.RetryMaxInterval
	}

	logger := watermill.NewSlogLogger(logging.NewComponentSlogLogger("watermill"))
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: cfg.BufferSize}, logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)
	router.AddMiddleware(middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      2,
		Logger:          logger,
	}.Middleware)

	return &Bus{pubsub: pubsub, router: router, logger: logger}, nil
}

// Subscribe attaches sink as a named consumer of every event.
func (b *Bus) Subscribe(name string, sink Sink) {
	b.router.AddNoPublisherHandler(name, Topic, b.pubsub, func(msg *message.Message) error {
		var ev models.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			// Undecodable messages are dropped; retrying cannot fix them.
			logging.Error().Err(err).Str("sink", name).Msg("Dropping undecodable event")
			return nil
		}
		if err := sink.Emit(msg.Context(), ev); err != nil {
			metrics.EventSinkFailures.WithLabelValues(name).Inc()
			return err
		}
		return nil
	})
}

// Sink returns a Sink that publishes to the bus.
func (b *Bus) Sink() Sink {
	return SinkFunc(b.publish)
}

func (b *Bus) publish(_ context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event", string(ev.Name))
	return b.pubsub.Publish(Topic, msg)
}

// Running is closed once every handler is consuming.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

// Serve runs the router until ctx ends, then closes the bus. It satisfies
// suture.Service.
func (b *Bus) Serve(ctx context.Context) error {
	err := b.router.Run(ctx)
	if closeErr := b.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (b *Bus) String() string { return "event-bus" }

// Close stops the router and the pub/sub.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return errors.Join(b.router.Close(), b.pubsub.Close())
}
