// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/store"
	"github.com/tomtom215/dumpvault/internal/vault"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// VaultStatus reports the vault session without exposing key material.
type VaultStatus interface {
	Status() vault.Status
}

// RunTracker reports whether a job is running right now.
type RunTracker interface {
	InFlight(jobID string) bool
}

// Deps are the read-only views the API serves.
type Deps struct {
	Catalog   *store.Catalog
	Vault     VaultStatus
	Scheduler RunTracker
	Version   string
}

// JobView is a job plus its live run state.
type JobView struct {
	models.Job
	InFlight bool `json:"in_flight"`
}

// StatusView is the daemon summary served at /api/status.
type StatusView struct {
	Version   string        `json:"version"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    string        `json:"uptime"`
	Vault     *vault.Status `json:"vault,omitempty"`
	Jobs      int           `json:"jobs"`
	Running   int           `json:"running"`
}

type handler struct {
	deps    Deps
	started time.Time
}

// NewRouter builds the status API. Every route is read-only.
func NewRouter(deps Deps) chi.Router {
	h := &handler{deps: deps, started: time.Now()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.listJobs)
			r.Get("/{name}", h.getJob)
			r.Get("/{name}/runs", h.listRuns)
		})
		r.Get("/backups", h.listBackups)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "no such endpoint")
	})
	return r
}

// requestLogger logs each request at debug level with its chi request ID.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		logger := logging.WithComponent("http-api").With().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Logger()
		ctx := logging.ContextWithLogger(r.Context(), logger)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, map[string]any{
		"alive":  true,
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.deps.Catalog.ListJobs(r.Context())
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	view := StatusView{
		Version:   h.deps.Version,
		StartedAt: h.started.UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Jobs:      len(jobs),
	}
	if h.deps.Vault != nil {
		st := h.deps.Vault.Status()
		view.Vault = &st
	}
	for i := range jobs {
		if h.inFlight(jobs[i].ID) {
			view.Running++
		}
	}
	respondOK(w, r, view)
}

func (h *handler) inFlight(jobID string) bool {
	return h.deps.Scheduler != nil && h.deps.Scheduler.InFlight(jobID)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.deps.Catalog.ListJobs(r.Context())
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, JobView{Job: j, InFlight: h.inFlight(j.ID)})
	}
	respondList(w, r, views)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Catalog.JobByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondOK(w, r, JobView{Job: *job, InFlight: h.inFlight(job.ID)})
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}
	job, err := h.deps.Catalog.JobByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	runs, err := h.deps.Catalog.RunsForJob(r.Context(), job.ID, limit)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondList(w, r, runs)
}

func (h *handler) listBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.deps.Catalog.BackupsAt(r.Context(), r.URL.Query().Get("destination"))
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondList(w, r, backups)
}
