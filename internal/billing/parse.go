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

package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"camforge/pkg/models"
)

// Event is the provider-independent result of parsing a webhook payload.
type Event struct {
	EventID           string
	EventType         string
	ProviderPaymentID string

	// NewStatus is empty when the payload carries a state the platform
	// takes no action on; such events are acknowledged and dropped.
	NewStatus models.PaymentStatus

	Metadata map[string]any
}

// Parser extracts the normalized Event from a provider's raw payload.
// Implementations must be deterministic: stored payloads are re-parsed on
// every retry pass.
type Parser interface {
	Parse(body []byte) (Event, error)
}

// gatewayStatuses maps the status vocabulary of the supported gateways onto
// internal payment states. Unlisted statuses parse to an empty NewStatus.
var gatewayStatuses = map[string]models.PaymentStatus{
	"pending":    models.PaymentStatusPending,
	"processing": models.PaymentStatusProcessing,
	"succeeded":  models.PaymentStatusSucceeded,
	"success":    models.PaymentStatusSucceeded,
	"paid":       models.PaymentStatusSucceeded,
	"failed":     models.PaymentStatusFailed,
	"failure":    models.PaymentStatusFailed,
	"refunded":   models.PaymentStatusRefunded,
}

// JSONParser handles the flat JSON envelope the supported gateways deliver:
//
//	{"event_id": "...", "event_type": "...", "payment_id": "...",
//	 "status": "...", "metadata": {...}}
type JSONParser struct{}

func (JSONParser) Parse(body []byte) (Event, error) {
	var raw struct {
		EventID   string         `json:"event_id"`
		EventType string         `json:"event_type"`
		PaymentID string         `json:"payment_id"`
		Status    string         `json:"status"`
		Metadata  map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("parse webhook payload: %w", err)
	}
	return Event{
		EventID:           strings.TrimSpace(raw.EventID),
		EventType:         strings.TrimSpace(raw.EventType),
		ProviderPaymentID: strings.TrimSpace(raw.PaymentID),
		NewStatus:         gatewayStatuses[strings.ToLower(strings.TrimSpace(raw.Status))],
		Metadata:          raw.Metadata,
	}, nil
}
