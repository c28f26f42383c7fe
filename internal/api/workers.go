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

package api

import (
	"context"
	"errors"
	"net/http"

	"camforge/internal/ctxkeys"
	"camforge/internal/metrics"
	"camforge/internal/store"
	"camforge/internal/validate"
	"camforge/pkg/models"
)

// progressRequest is the worker progress contract. The first report on a
// QUEUED job doubles as the pickup signal and moves it to RUNNING.
type progressRequest struct {
	Percent int    `json:"percent"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
}

type progressResponse struct {
	Applied bool `json:"applied"`

	// CancelRequested tells the worker to stop at this checkpoint and
	// report completion with the CANCELLED outcome.
	CancelRequested bool `json:"cancel_requested"`
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request, id string) {
	var req progressRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Error: validationErrorBody{
			Code:    codeUnprocess,
			Message: "payload validation failed",
			Errors: []validate.FieldError{{
				Field: "percent", Code: validate.CodeRange, Message: "must be between 0 and 100",
			}},
		}})
		return
	}

	ctx := r.Context()
	job, err := h.store.GetJobByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error("job lookup failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if job.State.IsTerminal() {
		h.writeError(w, http.StatusConflict, codeConflict, "job is terminal, progress rejected")
		return
	}
	if job.State == models.JobStatePending {
		h.writeError(w, http.StatusConflict, codeConflict, "job is not queued yet")
		return
	}

	if job.State == models.JobStateQueued {
		switch err := h.store.MarkRunning(ctx, id, h.now()); {
		case errors.Is(err, store.ErrConflict):
			// Raced with a cancel or another worker; fall through and let
			// the guarded progress write decide.
		case err != nil:
			h.log.Error("pickup transition failed", "job_id", id, "error", err)
			h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
			return
		default:
			metrics.IncJobTransition(models.JobStateQueued.String(), models.JobStateRunning.String())
		}
	}

	applied, err := h.store.UpdateJobProgress(ctx, id, req.Percent, req.Step, req.Message, h.now())
	if err != nil {
		h.log.Error("progress update failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, progressResponse{
		Applied:         applied,
		CancelRequested: job.CancelRequested,
	})
}

// completeRequest is the worker completion contract. CANCELLED is accepted
// only after a cancel request, as the worker's acknowledgement of it.
type completeRequest struct {
	Outcome   string            `json:"outcome"`
	LastError *models.JobError  `json:"last_error,omitempty"`
	Artefacts []artefactPayload `json:"artefacts,omitempty"`
}

type artefactPayload struct {
	Type    string `json:"type"`
	BlobKey string `json:"blob_key"`
	Size    int64  `json:"size,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
}

// outcomeStates maps worker-reported outcomes onto terminal states.
var outcomeStates = map[string]models.JobState{
	"SUCCESS":   models.JobStateCompleted,
	"FAIL":      models.JobStateFailed,
	"TIMEOUT":   models.JobStateTimeout,
	"CANCELLED": models.JobStateCancelled,
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, id string) {
	var req completeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	final, ok := outcomeStates[req.Outcome]
	if !ok {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Error: validationErrorBody{
			Code:    codeUnprocess,
			Message: "payload validation failed",
			Errors: []validate.FieldError{{
				Field: "outcome", Code: validate.CodeRange, Message: "must be one of SUCCESS, FAIL, TIMEOUT, CANCELLED",
			}},
		}})
		return
	}
	arts := make([]models.Artefact, 0, len(req.Artefacts))
	for _, a := range req.Artefacts {
		if a.Type == "" || a.BlobKey == "" {
			h.writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Error: validationErrorBody{
				Code:    codeUnprocess,
				Message: "payload validation failed",
				Errors: []validate.FieldError{{
					Field: "artefacts", Code: validate.CodeFieldMissing,
					Message: "type and blob_key are required on every artefact",
				}},
			}})
			return
		}
		arts = append(arts, models.Artefact{Type: a.Type, BlobKey: a.BlobKey, Size: a.Size, SHA256: a.SHA256})
	}

	ctx := r.Context()
	job, err := h.store.GetJobByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error("job lookup failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if final == models.JobStateCancelled && !job.CancelRequested {
		h.writeError(w, http.StatusConflict, codeConflict, "cancellation was not requested")
		return
	}

	err = h.store.CompleteJobWithArtefacts(ctx, id, final, req.LastError, arts, h.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	case errors.Is(err, store.ErrConflict):
		// Completion is idempotent on the job id: a repeat of the recorded
		// outcome acknowledges; a different one is a real conflict.
		current, rerr := h.store.GetJobByID(ctx, id)
		if rerr == nil && current.State == final {
			h.writeJSON(w, http.StatusOK, jobResponse{Job: current})
			return
		}
		h.writeError(w, http.StatusConflict, codeConflict, "job is not running")
		return
	case err != nil:
		h.log.Error("completion failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	metrics.IncJobTransition(models.JobStateRunning.String(), final.String())
	h.logCompletion(ctx, job, final, req.LastError)

	// Failed and timed-out runs go straight back through the queue while
	// the attempt budget lasts.
	if final == models.JobStateFailed || final == models.JobStateTimeout {
		if rj, ok, err := h.intake.RetryTerminal(ctx, id); err != nil {
			h.log.Error("auto retry failed", "job_id", id, "error", err)
		} else if ok {
			h.writeJSON(w, http.StatusOK, jobResponse{Job: rj, Retried: true})
			return
		}
	}

	current, err := h.store.GetJobByID(ctx, id)
	if err != nil {
		h.log.Error("job lookup failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, jobResponse{Job: current})
}

func (h *Handler) logCompletion(ctx context.Context, job *models.Job, final models.JobState, jobErr *models.JobError) {
	attrs := []any{
		"job_id", job.ID,
		"kind", string(job.Kind),
		"state", final.String(),
		"attempt", job.Attempts,
	}
	if jobErr != nil {
		attrs = append(attrs, "error_code", jobErr.Code)
	}
	if cid := ctxkeys.GetCorrelationID(ctx); cid != "" {
		attrs = append(attrs, "correlation_id", cid)
	}
	h.log.Info("job completed", attrs...)
}
