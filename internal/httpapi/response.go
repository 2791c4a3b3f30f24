// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package httpapi

import (
	"errors"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
)

// Response is the envelope around every /api payload.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Meta    Meta   `json:"meta"`
}

// Error describes a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries request tracing and list sizes.
type Meta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Count     *int      `json:"count,omitempty"`
}

const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

func newMeta(r *http.Request) Meta {
	return Meta{
		RequestID: chimiddleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func respondJSON(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("Failed to encode API response")
	}
}

func respondOK(w http.ResponseWriter, r *http.Request, data any) {
	respondJSON(w, http.StatusOK, &Response{Success: true, Data: data, Meta: newMeta(r)})
}

func respondList[T any](w http.ResponseWriter, r *http.Request, items []T) {
	if items == nil {
		items = []T{}
	}
	meta := newMeta(r)
	n := len(items)
	meta.Count = &n
	respondJSON(w, http.StatusOK, &Response{Success: true, Data: items, Meta: meta})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, &Response{
		Error: &Error{Code: code, Message: message},
		Meta:  newMeta(r),
	})
}

// respondFailure maps a catalog error to a status code. Internal errors are
// logged and replaced with a generic message.
func respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("API request failed")
	respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
}
