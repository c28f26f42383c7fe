// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api serves the JSON HTTP surface: job submission and inspection
// for clients, progress and completion reports from workers, payment
// webhook ingress, and the health and metrics probes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"camforge/internal/billing"
	"camforge/internal/cancel"
	"camforge/internal/intake"
	"camforge/internal/metrics"
	"camforge/internal/middleware"
	"camforge/internal/position"
	"camforge/internal/store"
	"camforge/pkg/models"
)

// UserHeader names the trusted header carrying the caller's user id.
// Authentication happens at the platform edge; this service only ever
// listens on the private network behind it.
const UserHeader = "X-User-ID"

// maxBodyBytes caps request bodies well above the canonical params limit,
// leaving room for envelope fields and client formatting.
const maxBodyBytes = 1 << 20

// Handler implements the HTTP endpoints over the orchestration services.
type Handler struct {
	store    *store.Store
	intake   *intake.Service
	position *position.Service
	cancel   *cancel.Coordinator
	webhooks *billing.Processor
	log      *slog.Logger
	now      func() time.Time
}

// Deps carries the services the handler fronts. Logger and Now default to
// slog.Default and time.Now.
type Deps struct {
	Store    *store.Store
	Intake   *intake.Service
	Position *position.Service
	Cancel   *cancel.Coordinator
	Webhooks *billing.Processor
	Security middleware.SecurityHeadersConfig
	Logger   *slog.Logger
	Now      func() time.Time
}

// New wires the routes behind the middleware chain: correlation ids first
// so every log line carries one, then the request log, then security
// headers. The health and metrics probes sit on the same mux and are not
// rate limited — the limiter is charged inside the intake pipeline only.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &Handler{
		store:    d.Store,
		intake:   d.Intake,
		position: d.Position,
		cancel:   d.Cancel,
		webhooks: d.Webhooks,
		log:      d.Logger,
		now:      d.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs", h.handleJobs)
	mux.HandleFunc("/v1/jobs/", h.handleJobSubtree)
	mux.HandleFunc("/v1/webhooks/payments/", h.handlePaymentWebhook)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	var root http.Handler = mux
	root = middleware.SecurityHeaders(d.Security)(root)
	root = middleware.RequestLog(d.Logger)(root)
	return middleware.Correlation(root)
}

// jobResponse is the job snapshot every job endpoint returns. QueuePosition
// is present for waiting jobs, 0 for a running one, absent when terminal.
type jobResponse struct {
	*models.Job
	QueuePosition *int `json:"queue_position,omitempty"`
	Duplicate     bool `json:"duplicate,omitempty"`
	Retried       bool `json:"retried,omitempty"`
	AlreadyDone   bool `json:"already_terminal,omitempty"`
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, codeNotAllowed, "method not allowed")
		return
	}
	h.handleSubmit(w, r)
}

// handleJobSubtree dispatches /v1/jobs/{id} and its worker/cancel actions.
func (h *Handler) handleJobSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, codeNotAllowed, "method not allowed")
			return
		}
		h.handleGetJob(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "":
		id, action := parts[0], parts[1]
		switch {
		case action == "artefacts" && r.Method == http.MethodGet:
			h.handleArtefacts(w, r, id)
		case action == "progress" && r.Method == http.MethodPost:
			h.handleProgress(w, r, id)
		case action == "complete" && r.Method == http.MethodPost:
			h.handleComplete(w, r, id)
		case action == "cancel" && r.Method == http.MethodPost:
			h.handleCancel(w, r, id)
		case action == "artefacts" || action == "progress" || action == "complete" || action == "cancel":
			h.writeError(w, http.StatusMethodNotAllowed, codeNotAllowed, "method not allowed")
		default:
			h.writeError(w, http.StatusNotFound, codeNotFound, "no such resource")
		}
	default:
		h.writeError(w, http.StatusNotFound, codeNotFound, "no such resource")
	}
}

// submitRequest is the inbound submission envelope.
type submitRequest struct {
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	ChainCAM       bool            `json:"chain_cam,omitempty"`
	ChainSim       bool            `json:"chain_sim,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	res, err := h.intake.Submit(r.Context(), intake.Request{
		UserID:         userID,
		SubmittedBy:    "user:" + strconv.FormatInt(userID, 10),
		Kind:           models.Kind(req.Kind),
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		ChainCAM:       req.ChainCAM,
		ChainSim:       req.ChainSim,
	})
	if err != nil {
		var (
			ve *intake.ValidationError
			ce *intake.ConflictError
			re *intake.RateLimitError
		)
		switch {
		case errors.As(err, &ve):
			h.writeValidationError(w, ve)
		case errors.As(err, &ce):
			h.writeConflict(w, ce)
		case errors.As(err, &re):
			h.writeRateLimited(w, re)
		default:
			h.log.Error("job submission failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		}
		return
	}

	if res.Duplicate {
		h.writeJSON(w, http.StatusOK, jobResponse{Job: res.Job, Duplicate: true})
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+res.Job.ID)
	h.writeJSON(w, http.StatusCreated, jobResponse{Job: res.Job})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.store.GetJobByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error("job lookup failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, jobResponse{
		Job:           job,
		QueuePosition: h.position.For(r.Context(), job),
	})
}

func (h *Handler) handleArtefacts(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.store.GetJobByID(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, codeNotFound, "job not found")
			return
		}
		h.log.Error("job lookup failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	arts, err := h.store.ListArtefactsByJob(r.Context(), id)
	if err != nil {
		h.log.Error("artefact listing failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if arts == nil {
		arts = []models.Artefact{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"artefacts": arts})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	oc, err := h.cancel.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error("cancel failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, jobResponse{Job: oc.Job, AlreadyDone: oc.AlreadyTerminal})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, codeNotAllowed, "method not allowed")
		return
	}
	if err := h.store.Ping(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// callerID reads the trusted user id header, rejecting requests without one.
func (h *Handler) callerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(UserHeader))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, codeBadRequest, "missing or invalid "+UserHeader+" header")
		return 0, false
	}
	return id, true
}

// decodeBody reads a size-capped JSON body into dst, writing the error
// response itself on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, http.StatusRequestEntityTooLarge, codeTooLarge, "request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, codeBadRequest, "malformed JSON body")
		return false
	}
	return true
}
