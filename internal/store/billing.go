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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"camforge/pkg/models"
)

const webhookEventColumns = `id, provider, event_id, event_type, payload_json, status, retry_count, max_retries, next_attempt_at, last_error, last_response, locked_at, locked_by, created_at, updated_at, delivered_at`

func scanWebhookEvent(sc rowScanner) (*models.WebhookEvent, error) {
	var (
		ev            models.WebhookEvent
		payload       string
		nextAttemptAt sql.NullTime
		lastError     sql.NullString
		lastResponse  sql.NullString
		lockedAt      sql.NullTime
		lockedBy      sql.NullString
		deliveredAt   sql.NullTime
	)
	err := sc.Scan(
		&ev.ID, &ev.Provider, &ev.EventID, &ev.EventType, &payload, &ev.Status,
		&ev.RetryCount, &ev.MaxRetries, &nextAttemptAt, &lastError, &lastResponse,
		&lockedAt, &lockedBy, &ev.CreatedAt, &ev.UpdatedAt, &deliveredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}

	ev.Payload = []byte(payload)
	ev.NextAttemptAt = fromNullTimePtr(nextAttemptAt)
	ev.LastError = fromNullStringPtr(lastError)
	ev.LastResponse = fromNullStringPtr(lastResponse)
	ev.LockedAt = fromNullTimePtr(lockedAt)
	ev.LockedBy = fromNullStringPtr(lockedBy)
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	ev.DeliveredAt = fromNullTimePtr(deliveredAt)
	return &ev, nil
}

// InsertWebhookEvent records a received event. The (provider, event_id) pair
// is unique: a duplicate is skipped and false is returned, which is how the
// ingress recognizes replays.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	const ins = `
INSERT OR IGNORE INTO webhook_events
(provider, event_id, event_type, payload_json, status, retry_count, max_retries, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	var nextAttempt any
	if ev.NextAttemptAt != nil {
		nextAttempt = ev.NextAttemptAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, ins,
		ev.Provider, ev.EventID, ev.EventType, string(ev.Payload), ev.Status.String(),
		ev.RetryCount, ev.MaxRetries, nextAttempt, ev.CreatedAt.UTC(), ev.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return true, nil
}

// GetWebhookEvent retrieves an event by its (provider, event_id) pair.
func (s *Store) GetWebhookEvent(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	q := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE provider=? AND event_id=?`
	return scanWebhookEvent(s.db.QueryRowContext(ctx, q, provider, eventID))
}

// GetWebhookEventByID retrieves an event by row id.
func (s *Store) GetWebhookEventByID(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	q := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE id=?`
	return scanWebhookEvent(s.db.QueryRowContext(ctx, q, id))
}

// AcquireWebhookLock claims an event for processing. A live lock held by
// another owner blocks the claim; locks older than staleAfter are stolen.
// Returns false when the event is already delivered or locked elsewhere.
func (s *Store) AcquireWebhookLock(ctx context.Context, id int64, lockedBy string, now time.Time, staleAfter time.Duration) (bool, error) {
	cutoff := now.Add(-staleAfter)
	const upd = `UPDATE webhook_events
SET status='processing', locked_by=?, locked_at=?, updated_at=?
WHERE id=? AND status IN ('pending','processing','failed')
  AND (locked_at IS NULL OR locked_at < ? OR locked_by = ?)`
	res, err := s.db.ExecContext(ctx, upd, lockedBy, now.UTC(), now.UTC(), id, cutoff.UTC(), lockedBy)
	if err != nil {
		return false, fmt.Errorf("acquire webhook lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkWebhookDelivered finalizes an event after its side effects committed,
// releasing the lock.
func (s *Store) MarkWebhookDelivered(ctx context.Context, id int64, response string, at time.Time) error {
	const upd = `UPDATE webhook_events
SET status='delivered', last_response=?, last_error=NULL, delivered_at=?, locked_by=NULL, locked_at=NULL, updated_at=?
WHERE id=? AND status='processing'`
	res, err := s.db.ExecContext(ctx, upd, response, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark webhook delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// RescheduleWebhookEvent releases the lock after a failed pass, bumps the
// retry count, and schedules the next attempt. The event returns to pending.
func (s *Store) RescheduleWebhookEvent(ctx context.Context, id int64, retryCount int, lastError string, nextAttemptAt, at time.Time) error {
	const upd = `UPDATE webhook_events
SET status='pending', retry_count=?, last_error=?, next_attempt_at=?, locked_by=NULL, locked_at=NULL, updated_at=?
WHERE id=? AND status='processing'`
	res, err := s.db.ExecContext(ctx, upd, retryCount, lastError, nextAttemptAt.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("reschedule webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// MarkWebhookFailed finalizes an event whose retry budget is exhausted.
func (s *Store) MarkWebhookFailed(ctx context.Context, id int64, lastError string, at time.Time) error {
	const upd = `UPDATE webhook_events
SET status='failed', last_error=?, next_attempt_at=NULL, locked_by=NULL, locked_at=NULL, updated_at=?
WHERE id=? AND status='processing'`
	res, err := s.db.ExecContext(ctx, upd, lastError, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// ListDueWebhookEvents returns events awaiting a retry: pending with no
// schedule or a schedule at or before now, plus processing rows whose lock
// went stale (a worker died mid-pass).
func (s *Store) ListDueWebhookEvents(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]*models.WebhookEvent, error) {
	cutoff := now.Add(-staleAfter)
	q := `SELECT ` + webhookEventColumns + ` FROM webhook_events
WHERE (status='pending' AND (next_attempt_at IS NULL OR next_attempt_at<=?) AND (locked_at IS NULL OR locked_at < ?))
   OR (status='processing' AND locked_at IS NOT NULL AND locked_at < ?)
ORDER BY created_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, now.UTC(), cutoff.UTC(), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due webhook events: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook events: %w", err)
	}
	return out, nil
}

// --------------- Payments ---------------

func scanPayment(sc rowScanner) (*models.Payment, error) {
	var (
		p         models.Payment
		amount    string
		invoiceID sql.NullInt64
	)
	err := sc.Scan(&p.ID, &p.Provider, &p.ProviderPaymentID, &amount, &p.Currency, &p.Status, &invoiceID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse payment amount %q: %w", amount, err)
	}
	p.InvoiceID = fromNullInt64Ptr(invoiceID)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// InsertPayment inserts a payment row and backfills its generated id.
// Production rows are written by the checkout flow; this exists for seeding
// and tests. Returns ErrConflict when (provider, provider_payment_id) exists.
func (s *Store) InsertPayment(ctx context.Context, p *models.Payment) error {
	const ins = `
INSERT INTO payments(provider, provider_payment_id, amount, currency, status, invoice_id, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`
	var invoiceID any
	if p.InvoiceID != nil {
		invoiceID = *p.InvoiceID
	}
	res, err := s.db.ExecContext(ctx, ins,
		p.Provider, p.ProviderPaymentID, p.Amount.String(), p.Currency, p.Status.String(),
		invoiceID, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = id
	}
	return nil
}

// GetPaymentByProviderID retrieves a payment by its provider reference.
func (s *Store) GetPaymentByProviderID(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error) {
	const q = `SELECT id, provider, provider_payment_id, amount, currency, status, invoice_id, created_at, updated_at
FROM payments WHERE provider=? AND provider_payment_id=?`
	return scanPayment(s.db.QueryRowContext(ctx, q, provider, providerPaymentID))
}

// GetPaymentByID retrieves a payment by row id.
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	const q = `SELECT id, provider, provider_payment_id, amount, currency, status, invoice_id, created_at, updated_at
FROM payments WHERE id=?`
	return scanPayment(s.db.QueryRowContext(ctx, q, id))
}

// --------------- Invoices ---------------

// InsertInvoice inserts an invoice row and backfills its generated id.
func (s *Store) InsertInvoice(ctx context.Context, inv *models.Invoice) error {
	const ins = `
INSERT INTO invoices(number, total, currency, paid_status, paid_at, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`
	var paidAt any
	if inv.PaidAt != nil {
		paidAt = inv.PaidAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, ins,
		inv.Number, inv.Total.String(), inv.Currency, string(inv.PaidStatus), paidAt,
		inv.CreatedAt.UTC(), inv.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		inv.ID = id
	}
	return nil
}

// GetInvoiceByID retrieves an invoice by row id.
func (s *Store) GetInvoiceByID(ctx context.Context, id int64) (*models.Invoice, error) {
	const q = `SELECT id, number, total, currency, paid_status, paid_at, created_at, updated_at FROM invoices WHERE id=?`
	var (
		inv    models.Invoice
		total  string
		paidAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&inv.ID, &inv.Number, &total, &inv.Currency, &inv.PaidStatus, &paidAt, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	inv.Total, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse invoice total %q: %w", total, err)
	}
	inv.PaidAt = fromNullTimePtr(paidAt)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}

// --------------- Payment outcome ---------------

// PaymentOutcome is the set of writes a webhook event commits atomically:
// the payment status change, the optional invoice paid-state change, the
// audit trail entry, and the event row's own delivered mark.
type PaymentOutcome struct {
	PaymentID     int64
	PaymentStatus models.PaymentStatus

	// InvoiceID and InvoiceStatus are applied only when InvoiceID is set.
	InvoiceID     *int64
	InvoiceStatus models.InvoicePaidStatus
	InvoicePaidAt *time.Time

	AuditAction  string
	AuditActorID string
	AuditContext []byte

	// WebhookEventID, when non-zero, moves the driving event row from
	// processing to delivered inside the same transaction, so the side
	// effects and the delivered mark land or roll back together.
	WebhookEventID  int64
	WebhookResponse string
}

// ApplyPaymentOutcome applies an event's side effects in one transaction.
// Either every write lands or none do.
func (s *Store) ApplyPaymentOutcome(ctx context.Context, out PaymentOutcome, at time.Time) error {
	if !out.PaymentStatus.Valid() {
		return fmt.Errorf("invalid payment status: %s", out.PaymentStatus)
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const updPayment = `UPDATE payments SET status=?, updated_at=? WHERE id=?`
		res, err := tx.ExecContext(ctx, updPayment, out.PaymentStatus.String(), at.UTC(), out.PaymentID)
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotFound
		}

		if out.InvoiceID != nil {
			const updInvoice = `UPDATE invoices SET paid_status=?, paid_at=?, updated_at=? WHERE id=?`
			var paidAt any
			if out.InvoicePaidAt != nil {
				paidAt = out.InvoicePaidAt.UTC()
			}
			res, err := tx.ExecContext(ctx, updInvoice, string(out.InvoiceStatus), paidAt, at.UTC(), *out.InvoiceID)
			if err != nil {
				return fmt.Errorf("update invoice paid status: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return ErrNotFound
			}
		}

		const insAudit = `
INSERT INTO payment_audit_logs(payment_id, invoice_id, action, actor_type, actor_id, context_json, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`
		var invoiceID, auditCtx any
		if out.InvoiceID != nil {
			invoiceID = *out.InvoiceID
		}
		if len(out.AuditContext) > 0 {
			auditCtx = string(out.AuditContext)
		}
		if _, err := tx.ExecContext(ctx, insAudit,
			out.PaymentID, invoiceID, out.AuditAction, models.ActorTypeWebhook, out.AuditActorID, auditCtx, at.UTC()); err != nil {
			return fmt.Errorf("insert audit log: %w", err)
		}

		if out.WebhookEventID != 0 {
			const updEvent = `UPDATE webhook_events
SET status='delivered', last_response=?, last_error=NULL, delivered_at=?, locked_by=NULL, locked_at=NULL, updated_at=?
WHERE id=? AND status='processing'`
			var resp any
			if out.WebhookResponse != "" {
				resp = out.WebhookResponse
			}
			res, err := tx.ExecContext(ctx, updEvent, resp, at.UTC(), at.UTC(), out.WebhookEventID)
			if err != nil {
				return fmt.Errorf("mark webhook event delivered: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return ErrConflict
			}
		}
		return nil
	})
}

// ListPaymentAuditLogs returns a payment's audit trail oldest first.
func (s *Store) ListPaymentAuditLogs(ctx context.Context, paymentID int64) ([]models.PaymentAuditLog, error) {
	const q = `SELECT id, payment_id, invoice_id, action, actor_type, actor_id, context_json, created_at
FROM payment_audit_logs WHERE payment_id=? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list payment audit logs: %w", err)
	}
	defer rows.Close()

	var out []models.PaymentAuditLog
	for rows.Next() {
		var (
			l         models.PaymentAuditLog
			invoiceID sql.NullInt64
			auditCtx  sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.PaymentID, &invoiceID, &l.Action, &l.ActorType, &l.ActorID, &auditCtx, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		l.InvoiceID = fromNullInt64Ptr(invoiceID)
		if auditCtx.Valid {
			l.Context = []byte(auditCtx.String)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return out, nil
}
