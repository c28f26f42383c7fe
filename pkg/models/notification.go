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
)

// Channel is the transport a notification goes out on.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

// Valid reports whether the channel is one of the supported transports.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// String returns the string value of the Channel.
func (c Channel) String() string { return string(c) }

// DeliveryStatus is the lifecycle state of a NotificationDelivery.
type DeliveryStatus string

const (
	DeliveryStatusQueued    DeliveryStatus = "QUEUED"
	DeliveryStatusSent      DeliveryStatus = "SENT"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusBounced   DeliveryStatus = "BOUNCED"
)

// IsTerminal reports whether the delivery needs no further dispatch work.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusBounced:
		return true
	default:
		return false
	}
}

// String returns the string value of the DeliveryStatus.
func (s DeliveryStatus) String() string { return string(s) }

// License is the slice of the licensing subsystem's record the scanner
// reads. The User* fields come from joining the owning user row; the
// scanner itself never writes licenses.
type License struct {
	ID           int64     `json:"id" db:"id"`
	UserID       int64     `json:"user_id" db:"user_id"`
	Kind         string    `json:"kind" db:"kind"`
	Status       string    `json:"status" db:"status"`
	EndsAt       time.Time `json:"ends_at" db:"ends_at"`
	UserName     string    `json:"user_name" db:"user_name"`
	UserEmail    string    `json:"user_email" db:"user_email"`
	UserPhone    string    `json:"user_phone" db:"user_phone"`
	UserLanguage string    `json:"user_language" db:"user_language"`
}

// License statuses as written by the licensing subsystem.
const (
	LicenseStatusActive    = "active"
	LicenseStatusExpired   = "expired"
	LicenseStatusCancelled = "cancelled"
)

// NotificationTemplate is a renderable message body for a (kind, channel,
// language) triple. Bodies use {{variable}} placeholders.
type NotificationTemplate struct {
	ID       string  `json:"id" db:"id"`
	Kind     string  `json:"kind" db:"kind"`
	Channel  Channel `json:"channel" db:"channel"`
	Language string  `json:"language" db:"language"`
	Subject  string  `json:"subject" db:"subject"`
	Body     string  `json:"body" db:"body"`
}

// NotificationDelivery is one rendered notification owed to a recipient.
// The (license_id, days_out, channel) triple is unique when all three are
// non-null, which is what makes reminder scans re-runnable.
type NotificationDelivery struct {
	ID                string          `json:"id" db:"id"`
	UserID            int64           `json:"user_id" db:"user_id"`
	LicenseID         *int64          `json:"license_id,omitempty" db:"license_id"`
	TemplateID        string          `json:"template_id" db:"template_id"`
	Channel           Channel         `json:"channel" db:"channel"`
	Recipient         string          `json:"recipient" db:"recipient"`
	DaysOut           *int            `json:"days_out,omitempty" db:"days_out"`
	Subject           string          `json:"subject" db:"subject"`
	Body              string          `json:"body" db:"body"`
	Variables         json.RawMessage `json:"variables,omitempty" db:"variables_json"`
	Status            DeliveryStatus  `json:"status" db:"status"`
	PrimaryProvider   string          `json:"primary_provider" db:"primary_provider"`
	ActualProvider    *string         `json:"actual_provider,omitempty" db:"actual_provider"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty" db:"provider_message_id"`
	RetryCount        int             `json:"retry_count" db:"retry_count"`
	MaxRetries        int             `json:"max_retries" db:"max_retries"`
	ScheduledAt       time.Time       `json:"scheduled_at" db:"scheduled_at"`
	SentAt            *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	FailedAt          *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// NotificationAttempt is one send try of a delivery. Attempt numbers are
// 1-based and unique per delivery; a row is immutable once completed_at is
// set. retry_count on the delivery is always count(attempts) - 1.
type NotificationAttempt struct {
	ID            int64           `json:"id" db:"id"`
	DeliveryID    string          `json:"delivery_id" db:"delivery_id"`
	AttemptNumber int             `json:"attempt_number" db:"attempt_number"`
	Provider      string          `json:"provider" db:"provider"`
	Request       json.RawMessage `json:"request,omitempty" db:"request_json"`
	Response      json.RawMessage `json:"response,omitempty" db:"response_json"`
	ErrorKind     *string         `json:"error_kind,omitempty" db:"error_kind"`
	ErrorCode     *string         `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage  *string         `json:"error_message,omitempty" db:"error_message"`
	StartedAt     time.Time       `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Attempt error classifications.
const (
	AttemptErrorTransient = "transient"
	AttemptErrorPermanent = "permanent"
)
