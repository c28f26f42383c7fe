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
	"strings"
	"time"

	"camforge/pkg/models"
)

const jobColumns = `id, user_id, submitted_by, kind, idempotency_key, state, priority, attempts, max_retries, timeout_seconds, cancel_requested, progress_percent, progress_step, progress_message, progress_updated_at, params_json, params_hash, broker_task_id, error_code, error_message, metadata_json, created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (*models.Job, error) {
	var (
		job          models.Job
		idemKey      sql.NullString
		progStep     sql.NullString
		progMessage  sql.NullString
		progUpdated  sql.NullTime
		paramsJSON   string
		brokerTaskID sql.NullString
		errCode      sql.NullString
		errMessage   sql.NullString
		metadataJSON sql.NullString
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)
	err := sc.Scan(
		&job.ID, &job.UserID, &job.SubmittedBy, &job.Kind, &idemKey,
		&job.State, &job.Priority, &job.Attempts, &job.MaxRetries, &job.TimeoutSeconds,
		&job.CancelRequested, &job.Progress.Percent, &progStep, &progMessage, &progUpdated,
		&paramsJSON, &job.ParamsHash, &brokerTaskID, &errCode, &errMessage,
		&metadataJSON, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.IdempotencyKey = fromNullStringPtr(idemKey)
	job.Progress.Step = fromNullString(progStep)
	job.Progress.Message = fromNullString(progMessage)
	job.Progress.UpdatedAt = fromNullTimePtr(progUpdated)
	job.Params = []byte(paramsJSON)
	job.BrokerTaskID = fromNullStringPtr(brokerTaskID)
	if errCode.Valid || errMessage.Valid {
		job.LastError = &models.JobError{
			Code:    fromNullString(errCode),
			Message: fromNullString(errMessage),
		}
	}
	if metadataJSON.Valid {
		job.Metadata = []byte(metadataJSON.String)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = fromNullTimePtr(startedAt)
	job.FinishedAt = fromNullTimePtr(finishedAt)
	return &job, nil
}

// InsertJob inserts a new job row. The caller must set Job.ID, the routing
// defaults, and Job.ParamsHash. Returns ErrConflict when the idempotency
// triple (user_id, kind, idempotency_key) already exists.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	const ins = `
INSERT INTO jobs (id, user_id, submitted_by, kind, idempotency_key, state, priority, attempts, max_retries, timeout_seconds, cancel_requested, progress_percent, params_json, params_hash, metadata_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	var idemKey any
	if job.IdempotencyKey != nil {
		idemKey = *job.IdempotencyKey
	}
	var metadata any
	if len(job.Metadata) > 0 {
		metadata = string(job.Metadata)
	}

	_, err := s.db.ExecContext(ctx, ins,
		job.ID, job.UserID, job.SubmittedBy, job.Kind.String(), idemKey,
		job.State.String(), job.Priority, job.Attempts, job.MaxRetries, job.TimeoutSeconds,
		job.CancelRequested, job.Progress.Percent, string(job.Params), job.ParamsHash, metadata,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// InsertJobIdempotent inserts job unless a row with the same
// (user_id, kind, idempotency_key) already exists. It returns the row that
// owns the key and whether this call created it. Jobs without an idempotency
// key are always inserted. Two racing inserts are resolved by the unique
// index: the loser re-reads the winner's row.
func (s *Store) InsertJobIdempotent(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	if job.IdempotencyKey == nil {
		if err := s.InsertJob(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	existing, err := s.GetJobByIdempotencyKey(ctx, job.UserID, job.Kind, *job.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	err = s.InsertJob(ctx, job)
	if errors.Is(err, ErrConflict) {
		existing, rerr := s.GetJobByIdempotencyKey(ctx, job.UserID, job.Kind, *job.IdempotencyKey)
		if rerr != nil {
			return nil, false, fmt.Errorf("re-read after conflict: %w", rerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// GetJobByID retrieves a job by ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

// GetJobByIdempotencyKey retrieves the job owning an idempotency triple.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, userID int64, kind models.Kind, key string) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id=? AND kind=? AND idempotency_key=?`
	return scanJob(s.db.QueryRowContext(ctx, q, userID, kind.String(), key))
}

// ListJobsByState returns jobs in the given state ordered by creation time.
func (s *Store) ListJobsByState(ctx context.Context, state models.JobState) ([]*models.Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("invalid state: %s", state)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE state=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, state.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by state: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// MarkQueued transitions a PENDING job to QUEUED and records the broker task
// id. Returns ErrNotFound if the job does not exist and ErrConflict if it is
// no longer PENDING.
func (s *Store) MarkQueued(ctx context.Context, id string, brokerTaskID *string, at time.Time) error {
	const upd = `UPDATE jobs SET state='QUEUED', broker_task_id=?, updated_at=? WHERE id=? AND state='PENDING'`
	var taskID any
	if brokerTaskID != nil {
		taskID = *brokerTaskID
	}
	res, err := s.db.ExecContext(ctx, upd, taskID, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	return s.transitionOutcome(ctx, res, id)
}

// MarkRunning transitions a QUEUED job to RUNNING, stamps started_at, and
// resets the progress snapshot for the new run.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	const upd = `UPDATE jobs
SET state='RUNNING', started_at=?, progress_percent=0, progress_step=NULL, progress_message=NULL, progress_updated_at=NULL, updated_at=?
WHERE id=? AND state='QUEUED'`
	res, err := s.db.ExecContext(ctx, upd, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return s.transitionOutcome(ctx, res, id)
}

// CompleteJob moves a RUNNING job to a terminal state and stamps finished_at.
// COMPLETED forces progress to 100. FAILED and TIMEOUT record the error
// detail; CANCELLED is used when a worker acknowledges a cancellation flag.
func (s *Store) CompleteJob(ctx context.Context, id string, final models.JobState, jobErr *models.JobError, at time.Time) error {
	return s.CompleteJobWithArtefacts(ctx, id, final, jobErr, nil, at)
}

// CompleteJobWithArtefacts finalizes a RUNNING job and records its artefact
// rows in the same transaction, so a terminal row never exists without the
// outputs it reported. Artefact ids and timestamps are backfilled on success.
func (s *Store) CompleteJobWithArtefacts(ctx context.Context, id string, final models.JobState, jobErr *models.JobError, artefacts []models.Artefact, at time.Time) error {
	switch final {
	case models.JobStateCompleted, models.JobStateFailed, models.JobStateTimeout, models.JobStateCancelled:
	default:
		return fmt.Errorf("invalid terminal state: %s", final)
	}

	var errCode, errMessage any
	if jobErr != nil {
		errCode = jobErr.Code
		errMessage = jobErr.Message
	}

	var upd string
	if final == models.JobStateCompleted {
		upd = `UPDATE jobs SET state=?, progress_percent=100, error_code=?, error_message=?, finished_at=?, updated_at=? WHERE id=? AND state='RUNNING'`
	} else {
		upd = `UPDATE jobs SET state=?, error_code=?, error_message=?, finished_at=?, updated_at=? WHERE id=? AND state='RUNNING'`
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, upd, final.String(), errCode, errMessage, at.UTC(), at.UTC(), id)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if err := s.transitionOutcome(ctx, res, id); err != nil {
			return err
		}
		const ins = `INSERT INTO artefacts(job_id, type, blob_key, size_bytes, sha256, created_at) VALUES(?, ?, ?, ?, ?, ?)`
		for i := range artefacts {
			a := &artefacts[i]
			res, err := tx.ExecContext(ctx, ins, id, a.Type, a.BlobKey, a.Size, a.SHA256, at.UTC())
			if err != nil {
				return fmt.Errorf("insert artefact: %w", err)
			}
			if rowID, err := res.LastInsertId(); err == nil {
				a.ID = rowID
			}
			a.JobID = id
			a.CreatedAt = at.UTC()
		}
		return nil
	})
}

// RetryJob resets a FAILED or TIMEOUT job back to PENDING for a fresh run,
// incrementing attempts. Returns false when the job has no attempts left or
// is not in a retryable state.
func (s *Store) RetryJob(ctx context.Context, id string, at time.Time) (bool, error) {
	const upd = `UPDATE jobs
SET state='PENDING', attempts=attempts+1, progress_percent=0, progress_step=NULL, progress_message=NULL, progress_updated_at=NULL,
    broker_task_id=NULL, error_code=NULL, error_message=NULL, started_at=NULL, finished_at=NULL, updated_at=?
WHERE id=? AND state IN ('FAILED','TIMEOUT') AND attempts <= max_retries`
	res, err := s.db.ExecContext(ctx, upd, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelIfNotStarted moves a PENDING or QUEUED job straight to CANCELLED.
// Returns false when the job is already running or terminal.
func (s *Store) CancelIfNotStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	const upd = `UPDATE jobs
SET state='CANCELLED', cancel_requested=1, finished_at=?, updated_at=?
WHERE id=? AND state IN ('PENDING','QUEUED')`
	res, err := s.db.ExecContext(ctx, upd, at.UTC(), at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkCancelRequested raises the cancellation flag on a RUNNING job so the
// worker observes it at its next checkpoint. Safe to repeat.
func (s *Store) MarkCancelRequested(ctx context.Context, id string, at time.Time) (bool, error) {
	const upd = `UPDATE jobs SET cancel_requested=1, updated_at=? WHERE id=? AND state='RUNNING'`
	res, err := s.db.ExecContext(ctx, upd, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark cancel requested: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateJobProgress records a progress snapshot on a RUNNING job. Percent is
// monotone within a run; stale or backwards updates return false and leave
// the row untouched.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, percent int, step, message string, at time.Time) (bool, error) {
	const upd = `UPDATE jobs
SET progress_percent=?, progress_step=?, progress_message=?, progress_updated_at=?, updated_at=?
WHERE id=? AND state='RUNNING' AND progress_percent<=?`
	res, err := s.db.ExecContext(ctx, upd, percent, nullIfEmpty(step), nullIfEmpty(message), at.UTC(), at.UTC(), id, percent)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListStalePending returns PENDING jobs whose last update is older than
// cutoff, oldest first. The recovery sweep republishes these.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE state='PENDING' AND updated_at < ? ORDER BY updated_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale pending: %w", err)
	}
	return out, nil
}

// CountRunning returns the number of RUNNING jobs on the given kinds, i.e.
// within one queue when the caller passes a queue's full kind set.
func (s *Store) CountRunning(ctx context.Context, kinds []string) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(kinds))
	placeholders = placeholders[:len(placeholders)-1]

	q := `SELECT COUNT(*) FROM jobs WHERE state='RUNNING' AND kind IN (` + placeholders + `)`
	args := make([]any, 0, len(kinds))
	for _, k := range kinds {
		args = append(args, k)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// CountQueuedAhead counts waiting jobs (PENDING or QUEUED) on the given kinds
// that are scheduled before a job with the given priority and creation time:
// strictly higher priority, or equal priority and earlier creation.
func (s *Store) CountQueuedAhead(ctx context.Context, kinds []string, priority int, createdAt time.Time) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(kinds))
	placeholders = placeholders[:len(placeholders)-1]

	q := `SELECT COUNT(*) FROM jobs
WHERE state IN ('PENDING','QUEUED') AND kind IN (` + placeholders + `)
AND (priority > ? OR (priority = ? AND created_at < ?))`

	args := make([]any, 0, len(kinds)+3)
	for _, k := range kinds {
		args = append(args, k)
	}
	args = append(args, priority, priority, createdAt.UTC())

	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued ahead: %w", err)
	}
	return n, nil
}

// --------------- Artefacts ---------------

// InsertArtefact records a worker output reference for a job.
func (s *Store) InsertArtefact(ctx context.Context, a *models.Artefact) error {
	const ins = `INSERT INTO artefacts(job_id, type, blob_key, size_bytes, sha256, created_at) VALUES(?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, ins, a.JobID, a.Type, a.BlobKey, a.Size, a.SHA256, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert artefact: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// ListArtefactsByJob returns a job's artefacts ordered by creation.
func (s *Store) ListArtefactsByJob(ctx context.Context, jobID string) ([]models.Artefact, error) {
	const q = `SELECT id, job_id, type, blob_key, size_bytes, sha256, created_at FROM artefacts WHERE job_id=? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artefacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artefact
	for rows.Next() {
		var a models.Artefact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Type, &a.BlobKey, &a.Size, &a.SHA256, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artefact: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artefacts: %w", err)
	}
	return out, nil
}

// --------------- Users ---------------

// InsertUser inserts a user row and backfills its generated id.
func (s *Store) InsertUser(ctx context.Context, u *models.User) error {
	const ins = `INSERT INTO users(name, email, phone, language) VALUES(?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, ins, u.Name, u.Email, u.Phone, u.Language)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		u.ID = id
	}
	return nil
}

// GetUserByID retrieves a user by id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	const q = `SELECT id, name, email, phone, language FROM users WHERE id=?`
	var u models.User
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// transitionOutcome maps a zero-row UPDATE to ErrNotFound (no such job) or
// ErrConflict (job exists but its state rejected the transition).
func (s *Store) transitionOutcome(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	const q = `SELECT 1 FROM jobs WHERE id=?`
	var one int
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&one); errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	return ErrConflict
}
