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

	"camforge/pkg/models"
)

// --------------- Licenses ---------------

// InsertLicense inserts a license row and backfills its generated id.
// Production rows are written by the licensing service; this exists for
// seeding and tests.
func (s *Store) InsertLicense(ctx context.Context, l *models.License) error {
	const ins = `INSERT INTO licenses(user_id, kind, status, ends_at) VALUES(?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, ins, l.UserID, l.Kind, l.Status, l.EndsAt.UTC())
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		l.ID = id
	}
	return nil
}

// ListExpiringLicenses returns active licenses ending within [from, to),
// joined with their owning users for contact details.
func (s *Store) ListExpiringLicenses(ctx context.Context, from, to time.Time) ([]models.License, error) {
	const q = `
SELECT l.id, l.user_id, l.kind, l.status, l.ends_at, u.name, u.email, u.phone, u.language
FROM licenses l
JOIN users u ON u.id = l.user_id
WHERE l.status = 'active' AND l.ends_at >= ? AND l.ends_at < ?
ORDER BY l.ends_at ASC, l.id ASC`
	rows, err := s.db.QueryContext(ctx, q, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expiring licenses: %w", err)
	}
	defer rows.Close()

	var out []models.License
	for rows.Next() {
		var l models.License
		if err := rows.Scan(&l.ID, &l.UserID, &l.Kind, &l.Status, &l.EndsAt,
			&l.UserName, &l.UserEmail, &l.UserPhone, &l.UserLanguage); err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		l.EndsAt = l.EndsAt.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return out, nil
}

// --------------- Templates ---------------

// UpsertTemplate inserts or replaces a template by its (kind, channel,
// language) triple.
func (s *Store) UpsertTemplate(ctx context.Context, t *models.NotificationTemplate) error {
	const upsert = `
INSERT INTO notification_templates(id, kind, channel, language, subject, body)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(kind, channel, language) DO UPDATE SET subject=excluded.subject, body=excluded.body;`
	_, err := s.db.ExecContext(ctx, upsert, t.ID, t.Kind, t.Channel.String(), t.Language, t.Subject, t.Body)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// GetTemplate returns the template for a (kind, channel, language) triple or
// ErrNotFound.
func (s *Store) GetTemplate(ctx context.Context, kind string, channel models.Channel, language string) (*models.NotificationTemplate, error) {
	const q = `SELECT id, kind, channel, language, subject, body FROM notification_templates WHERE kind=? AND channel=? AND language=?`
	var t models.NotificationTemplate
	err := s.db.QueryRowContext(ctx, q, kind, channel.String(), language).Scan(
		&t.ID, &t.Kind, &t.Channel, &t.Language, &t.Subject, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

// --------------- Deliveries ---------------

const deliveryColumns = `id, user_id, license_id, template_id, channel, recipient, days_out, subject, body, variables_json, status, primary_provider, actual_provider, provider_message_id, retry_count, max_retries, scheduled_at, sent_at, delivered_at, failed_at, created_at, updated_at`

func scanDelivery(sc rowScanner) (*models.NotificationDelivery, error) {
	var (
		d          models.NotificationDelivery
		licenseID  sql.NullInt64
		templateID sql.NullString
		daysOut    sql.NullInt64
		variables  sql.NullString
		actualProv sql.NullString
		provMsgID  sql.NullString
		sentAt     sql.NullTime
		deliverAt  sql.NullTime
		failedAt   sql.NullTime
	)
	err := sc.Scan(
		&d.ID, &d.UserID, &licenseID, &templateID, &d.Channel, &d.Recipient, &daysOut,
		&d.Subject, &d.Body, &variables, &d.Status, &d.PrimaryProvider, &actualProv, &provMsgID,
		&d.RetryCount, &d.MaxRetries, &d.ScheduledAt, &sentAt, &deliverAt, &failedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}

	d.LicenseID = fromNullInt64Ptr(licenseID)
	d.TemplateID = fromNullString(templateID)
	d.DaysOut = fromNullIntPtr(daysOut)
	if variables.Valid {
		d.Variables = []byte(variables.String)
	}
	d.ActualProvider = fromNullStringPtr(actualProv)
	d.ProviderMessageID = fromNullStringPtr(provMsgID)
	d.ScheduledAt = d.ScheduledAt.UTC()
	d.SentAt = fromNullTimePtr(sentAt)
	d.DeliveredAt = fromNullTimePtr(deliverAt)
	d.FailedAt = fromNullTimePtr(failedAt)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// InsertDelivery inserts a rendered delivery. When the reminder dedup triple
// (license_id, days_out, channel) already owns a row the insert is skipped
// and false is returned; the scanner counts these as duplicates.
func (s *Store) InsertDelivery(ctx context.Context, d *models.NotificationDelivery) (bool, error) {
	const ins = `
INSERT OR IGNORE INTO notification_deliveries
(id, user_id, license_id, template_id, channel, recipient, days_out, subject, body, variables_json, status, primary_provider, retry_count, max_retries, scheduled_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	var licenseID, daysOut, variables any
	if d.LicenseID != nil {
		licenseID = *d.LicenseID
	}
	if d.DaysOut != nil {
		daysOut = *d.DaysOut
	}
	if len(d.Variables) > 0 {
		variables = string(d.Variables)
	}

	res, err := s.db.ExecContext(ctx, ins,
		d.ID, d.UserID, licenseID, nullIfEmpty(d.TemplateID), d.Channel.String(), d.Recipient, daysOut,
		d.Subject, d.Body, variables, d.Status.String(), d.PrimaryProvider,
		d.RetryCount, d.MaxRetries, d.ScheduledAt.UTC(), d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetDelivery retrieves a delivery by id.
func (s *Store) GetDelivery(ctx context.Context, id string) (*models.NotificationDelivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM notification_deliveries WHERE id=?`
	return scanDelivery(s.db.QueryRowContext(ctx, q, id))
}

// ListDueDeliveries returns QUEUED deliveries scheduled at or before now,
// oldest first.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.NotificationDelivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM notification_deliveries WHERE status='QUEUED' AND scheduled_at<=? ORDER BY scheduled_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.NotificationDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// MarkDeliverySent moves a delivery to SENT and records which provider
// actually carried it.
func (s *Store) MarkDeliverySent(ctx context.Context, id, provider string, providerMessageID *string, at time.Time) error {
	const upd = `UPDATE notification_deliveries
SET status='SENT', actual_provider=?, provider_message_id=?, sent_at=?, updated_at=?
WHERE id=? AND status='QUEUED'`
	var msgID any
	if providerMessageID != nil {
		msgID = *providerMessageID
	}
	res, err := s.db.ExecContext(ctx, upd, provider, msgID, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// MarkDeliveryDelivered records a provider delivery confirmation.
func (s *Store) MarkDeliveryDelivered(ctx context.Context, id string, at time.Time) error {
	const upd = `UPDATE notification_deliveries SET status='DELIVERED', delivered_at=?, updated_at=? WHERE id=? AND status='SENT'`
	res, err := s.db.ExecContext(ctx, upd, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark delivery delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// MarkDeliveryClosed moves a delivery to FAILED or BOUNCED and records the
// final retry count so terminal rows keep retry_count = attempts - 1.
func (s *Store) MarkDeliveryClosed(ctx context.Context, id string, status models.DeliveryStatus, retryCount int, at time.Time) error {
	if status != models.DeliveryStatusFailed && status != models.DeliveryStatusBounced {
		return fmt.Errorf("invalid closed status: %s", status)
	}
	const upd = `UPDATE notification_deliveries SET status=?, retry_count=?, failed_at=?, updated_at=? WHERE id=? AND status IN ('QUEUED','SENT')`
	res, err := s.db.ExecContext(ctx, upd, status.String(), retryCount, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark delivery closed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// RescheduleDelivery keeps a delivery QUEUED but pushes its next attempt to
// nextAt and records the new retry count.
func (s *Store) RescheduleDelivery(ctx context.Context, id string, retryCount int, nextAt time.Time) error {
	const upd = `UPDATE notification_deliveries SET retry_count=?, scheduled_at=?, updated_at=? WHERE id=? AND status='QUEUED'`
	res, err := s.db.ExecContext(ctx, upd, retryCount, nextAt.UTC(), nextAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("reschedule delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// --------------- Attempts ---------------

// NextAttemptNumber returns 1 + the highest attempt number recorded for a
// delivery.
func (s *Store) NextAttemptNumber(ctx context.Context, deliveryID string) (int, error) {
	const q = `SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM notification_attempts WHERE delivery_id=?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, deliveryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("next attempt number: %w", err)
	}
	return n, nil
}

// InsertAttempt records the start of a send try. The (delivery, attempt
// number) pair is unique; a duplicate returns ErrConflict.
func (s *Store) InsertAttempt(ctx context.Context, a *models.NotificationAttempt) error {
	const ins = `
INSERT INTO notification_attempts(delivery_id, attempt_number, provider, request_json, started_at)
VALUES(?, ?, ?, ?, ?)`
	var request any
	if len(a.Request) > 0 {
		request = string(a.Request)
	}
	res, err := s.db.ExecContext(ctx, ins, a.DeliveryID, a.AttemptNumber, a.Provider, request, a.StartedAt.UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// FinishAttempt completes an attempt row with the provider response or the
// classified error.
func (s *Store) FinishAttempt(ctx context.Context, attemptID int64, response []byte, errorKind, errorCode, errorMessage *string, completedAt time.Time) error {
	const upd = `UPDATE notification_attempts
SET response_json=?, error_kind=?, error_code=?, error_message=?, completed_at=?
WHERE id=? AND completed_at IS NULL`
	var resp, kind, code, msg any
	if len(response) > 0 {
		resp = string(response)
	}
	if errorKind != nil {
		kind = *errorKind
	}
	if errorCode != nil {
		code = *errorCode
	}
	if errorMessage != nil {
		msg = *errorMessage
	}
	res, err := s.db.ExecContext(ctx, upd, resp, kind, code, msg, completedAt.UTC(), attemptID)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// CountAttempts returns how many attempt rows a delivery has.
func (s *Store) CountAttempts(ctx context.Context, deliveryID string) (int, error) {
	const q = `SELECT COUNT(*) FROM notification_attempts WHERE delivery_id=?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, deliveryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// ListAttempts returns a delivery's attempts ordered by attempt number.
func (s *Store) ListAttempts(ctx context.Context, deliveryID string) ([]models.NotificationAttempt, error) {
	const q = `SELECT id, delivery_id, attempt_number, provider, request_json, response_json, error_kind, error_code, error_message, started_at, completed_at
FROM notification_attempts WHERE delivery_id=? ORDER BY attempt_number ASC`
	rows, err := s.db.QueryContext(ctx, q, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationAttempt
	for rows.Next() {
		var (
			a           models.NotificationAttempt
			request     sql.NullString
			response    sql.NullString
			errKind     sql.NullString
			errCode     sql.NullString
			errMessage  sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.Provider,
			&request, &response, &errKind, &errCode, &errMessage, &a.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if request.Valid {
			a.Request = []byte(request.String)
		}
		if response.Valid {
			a.Response = []byte(response.String)
		}
		a.ErrorKind = fromNullStringPtr(errKind)
		a.ErrorCode = fromNullStringPtr(errCode)
		a.ErrorMessage = fromNullStringPtr(errMessage)
		a.StartedAt = a.StartedAt.UTC()
		a.CompletedAt = fromNullTimePtr(completedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}
