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
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"camforge/internal/intake"
	"camforge/internal/validate"
)

// Stable error codes for the job endpoints. Webhook ingress uses the
// gateway-facing snake_case codes in webhooks.go instead.
const (
	codeBadRequest  = "ERR-JOB-400"
	codeNotFound    = "ERR-JOB-404"
	codeNotAllowed  = "ERR-JOB-405"
	codeConflict    = "ERR-JOB-409"
	codeTooLarge    = "ERR-JOB-413"
	codeUnprocess   = "ERR-JOB-422"
	codeRateLimited = "ERR-JOB-429"
	codeInternal    = "ERR-JOB-500"
)

// errorEnvelope nests every error payload under one key so clients can
// branch on the presence of "error" alone.
type errorEnvelope struct {
	Error any `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type validationErrorBody struct {
	Code        string                `json:"code"`
	Message     string                `json:"message"`
	Errors      []validate.FieldError `json:"errors"`
	PayloadSize int                   `json:"payload_size,omitempty"`
}

type conflictErrorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	ExistingJobID string `json:"existing_job_id"`
}

type rateLimitErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Scope      string `json:"scope"`
	RetryAfter int    `json:"retry_after"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetAt    string `json:"reset_at"`
}

// writeJSON writes a JSON response with the content type set.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		h.log.Error("marshal response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.log.Warn("write response body", slog.Any("error", err))
	}
}

// writeError writes the plain {code, message} error shape.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeValidationError maps structured validation failures onto the three
// statuses they partition into: unknown kind is a routing miss (400),
// an oversized canonical payload carries its measured size (413), and
// everything else is a field-level 422.
func (h *Handler) writeValidationError(w http.ResponseWriter, ve *intake.ValidationError) {
	switch {
	case ve.Errors.Has(validate.CodeKindUnknown):
		h.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: validationErrorBody{
			Code:    codeBadRequest,
			Message: "unknown job kind",
			Errors:  ve.Errors.Fields,
		}})
	case ve.Errors.Has(validate.CodePayloadTooLarge):
		h.writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: validationErrorBody{
			Code:        codeTooLarge,
			Message:     "canonical payload exceeds the size limit",
			Errors:      ve.Errors.Fields,
			PayloadSize: ve.Errors.PayloadSize,
		}})
	default:
		h.writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Error: validationErrorBody{
			Code:    codeUnprocess,
			Message: "payload validation failed",
			Errors:  ve.Errors.Fields,
		}})
	}
}

func (h *Handler) writeConflict(w http.ResponseWriter, ce *intake.ConflictError) {
	h.writeJSON(w, http.StatusConflict, errorEnvelope{Error: conflictErrorBody{
		Code:          codeConflict,
		Message:       "idempotency key replayed with different params",
		ExistingJobID: ce.ExistingJobID,
	}})
}

// writeRateLimited answers 429 with the backoff metadata in both the body
// and the conventional headers.
func (h *Handler) writeRateLimited(w http.ResponseWriter, re *intake.RateLimitError) {
	d := re.Decision
	retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: rateLimitErrorBody{
		Code:       codeRateLimited,
		Message:    "submission rate limit exceeded",
		Scope:      d.Scope,
		RetryAfter: retryAfter,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt.UTC().Format(time.RFC3339),
	}})
}
