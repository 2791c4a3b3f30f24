// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/models"
)

// WebhookPayload is the JSON body posted for each event.
type WebhookPayload struct {
	Event     models.EventName `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
	Data      models.Event     `json:"data"`
}

// WebhookSink posts events to an HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink validates rawURL and returns a sink posting to it.
func NewWebhookSink(rawURL string, timeout time.Duration) (*WebhookSink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("webhook URL must use http or https")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: rawURL, client: &http.Client{Timeout: timeout}}, nil
}

// Emit implements Sink. Non-2xx answers are errors; 5xx and 429 are marked
// transient so the bus retries them.
func (s *WebhookSink) Emit(ctx context.Context, ev models.Event) error {
	body, err := json.Marshal(WebhookPayload{Event: ev.Name, Timestamp: ev.Time, Data: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dumpvault-webhook/1.0")
	req.Header.Set("X-Dumpvault-Event", string(ev.Name))

	resp, err := s.client.Do(req)
	if err != nil {
		return models.Transient("webhook", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return models.Transient("webhook", err)
	}
	return err
}
