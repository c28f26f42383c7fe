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
	"errors"
	"io"
	"net/http"
	"strings"

	"camforge/internal/billing"
)

// handlePaymentWebhook ingests one gateway delivery. The provider path
// segment selects the registered verifier/parser pair and which header the
// signature travels in. Responses use the gateway-facing snake_case codes;
// any 2xx acknowledges the delivery so the gateway stops redelivering.
func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, codeNotAllowed, "method not allowed")
		return
	}
	provider := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/webhooks/payments/"), "/")
	if provider == "" || strings.Contains(provider, "/") {
		h.writeError(w, http.StatusNotFound, "unknown_provider", "no such webhook endpoint")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "unreadable_body", "could not read request body")
		return
	}

	signature := r.Header.Get(h.webhooks.SignatureHeader(provider))
	rec, err := h.webhooks.Ingest(r.Context(), provider, signature, body)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrUnknownProvider):
			h.writeError(w, http.StatusNotFound, "unknown_provider", "no such webhook endpoint")
		case errors.Is(err, billing.ErrInvalidSignature):
			h.writeError(w, http.StatusBadRequest, "invalid_signature", "signature verification failed")
		case errors.Is(err, billing.ErrMissingEventID):
			h.writeError(w, http.StatusBadRequest, "missing_event_id", "event id missing from payload")
		case errors.Is(err, billing.ErrMissingPaymentID):
			h.writeError(w, http.StatusBadRequest, "missing_payment_id", "payment id missing from payload")
		case errors.Is(err, billing.ErrPaymentNotFound):
			h.writeError(w, http.StatusNotFound, "payment_not_found", "no payment matches this event")
		case errors.Is(err, billing.ErrIdempotency):
			h.writeError(w, http.StatusConflict, "idempotency_error", "event deduplication failed")
		default:
			h.log.Error("webhook processing failed", "provider", provider, "error", err)
			h.writeError(w, http.StatusInternalServerError, "critical_processing_error", "internal error")
		}
		return
	}

	// Deferred and retrying events finish asynchronously; everything else
	// is settled now.
	status := http.StatusOK
	if rec.Outcome == billing.ReceiptDeferred || rec.Outcome == billing.ReceiptRetrying {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, map[string]string{
		"status":   string(rec.Outcome),
		"event_id": rec.Event.EventID,
	})
}
