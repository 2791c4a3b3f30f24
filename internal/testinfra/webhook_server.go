// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package testinfra

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// WebhookCapture is one captured webhook request.
type WebhookCapture struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// Decode unmarshals the captured body into v.
func (c WebhookCapture) Decode(v any) error {
	return json.Unmarshal(c.Body, v)
}

// MockWebhookServer records every request it receives.
type MockWebhookServer struct {
	Server *httptest.Server

	mu       sync.Mutex
	captures []WebhookCapture
	status   int
}

// NewMockWebhookServer starts a server that answers 200 and is closed when
// the test ends.
func NewMockWebhookServer(t *testing.T) *MockWebhookServer {
	t.Helper()

	m := &MockWebhookServer{status: http.StatusOK}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()

		m.mu.Lock()
		m.captures = append(m.captures, WebhookCapture{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    body,
		})
		status := m.status
		m.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(m.Server.Close)
	return m
}

// URL returns the server URL.
func (m *MockWebhookServer) URL() string {
	return m.Server.URL
}

// SetStatus changes the response status for later requests.
func (m *MockWebhookServer) SetStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Captures returns a copy of the captured requests.
func (m *MockWebhookServer) Captures() []WebhookCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WebhookCapture, len(m.captures))
	copy(out, m.captures)
	return out
}

// WaitForCaptures waits until at least n requests arrived or timeout passes.
func (m *MockWebhookServer) WaitForCaptures(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		count := len(m.captures)
		m.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
