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

package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// WebhookStatus is the processing state of a received provider event.
type WebhookStatus string

const (
	WebhookStatusPending    WebhookStatus = "pending"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusDelivered  WebhookStatus = "delivered"
	WebhookStatusFailed     WebhookStatus = "failed"
)

// String returns the string value of the WebhookStatus.
func (s WebhookStatus) String() string { return string(s) }

// WebhookEvent is a provider event received on the webhook ingress.
// (provider, event_id) is unique; its side effects on the payment are
// applied at most once, guarded by the processing lock fields.
type WebhookEvent struct {
	ID            int64           `json:"id" db:"id"`
	Provider      string          `json:"provider" db:"provider"`
	EventID       string          `json:"event_id" db:"event_id"`
	EventType     string          `json:"event_type" db:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload_json"`
	Status        WebhookStatus   `json:"status" db:"status"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	MaxRetries    int             `json:"max_retries" db:"max_retries"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	LastResponse  *string         `json:"last_response,omitempty" db:"last_response"`
	LockedAt      *time.Time      `json:"locked_at,omitempty" db:"locked_at"`
	LockedBy      *string         `json:"locked_by,omitempty" db:"locked_by"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
}

// PaymentStatus is the internal state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// Valid reports whether the status is one of the allowed states.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusSucceeded,
		PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// String returns the string value of the PaymentStatus.
func (s PaymentStatus) String() string { return string(s) }

// Payment is the payment row mutated by the webhook processor. Amounts are
// fixed-precision decimals; they serialize as strings.
type Payment struct {
	ID                int64           `json:"id" db:"id"`
	Provider          string          `json:"provider" db:"provider"`
	ProviderPaymentID string          `json:"provider_payment_id" db:"provider_payment_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          string          `json:"currency" db:"currency"`
	Status            PaymentStatus   `json:"status" db:"status"`
	InvoiceID         *int64          `json:"invoice_id,omitempty" db:"invoice_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// InvoicePaidStatus mirrors the invoicing subsystem's paid-state column.
type InvoicePaidStatus string

const (
	InvoiceUnpaid   InvoicePaidStatus = "UNPAID"
	InvoicePaid     InvoicePaidStatus = "PAID"
	InvoiceFailed   InvoicePaidStatus = "FAILED"
	InvoiceRefunded InvoicePaidStatus = "REFUNDED"
)

// Invoice is the slice of the invoicing subsystem's record the webhook
// processor updates. Numbering and line arithmetic live elsewhere.
type Invoice struct {
	ID         int64             `json:"id" db:"id"`
	Number     string            `json:"number" db:"number"`
	Total      decimal.Decimal   `json:"total" db:"total"`
	Currency   string            `json:"currency" db:"currency"`
	PaidStatus InvoicePaidStatus `json:"paid_status" db:"paid_status"`
	PaidAt     *time.Time        `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// PaymentAuditLog is an append-only trace of payment mutations, ordered by
// creation time.
type PaymentAuditLog struct {
	ID        int64           `json:"id" db:"id"`
	PaymentID int64           `json:"payment_id" db:"payment_id"`
	InvoiceID *int64          `json:"invoice_id,omitempty" db:"invoice_id"`
	Action    string          `json:"action" db:"action"`
	ActorType string          `json:"actor_type" db:"actor_type"`
	ActorID   string          `json:"actor_id" db:"actor_id"`
	Context   json.RawMessage `json:"context,omitempty" db:"context_json"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Audit actor types.
const (
	ActorTypeWebhook = "webhook"
	ActorTypeSystem  = "system"
	ActorTypeUser    = "user"
)
