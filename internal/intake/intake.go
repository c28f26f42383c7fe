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

// Package intake orchestrates job submission: payload validation, rate
// limiting, idempotent insertion, and queue publish, in that order. A job
// whose publish fails stays PENDING; the recovery sweep in this package
// republishes it. The same publish path re-runs retryable failures.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"camforge/internal/ctxkeys"
	"camforge/internal/metrics"
	"camforge/internal/middleware"
	"camforge/internal/queue"
	"camforge/internal/routing"
	"camforge/internal/store"
	"camforge/internal/validate"
	"camforge/pkg/models"
)

// Idempotency keys must be long enough to be deliberate and short enough to
// index.
const (
	minIdempotencyKeyLen = 16
	maxIdempotencyKeyLen = 255

	minPriority = -100
	maxPriority = 100
)

// Request is the inbound submission envelope after authentication: the
// caller identity plus the client-supplied fields.
type Request struct {
	UserID      int64
	SubmittedBy string

	Kind           models.Kind
	Params         json.RawMessage
	IdempotencyKey *string
	Priority       int
	ChainCAM       bool
	ChainSim       bool
}

// Result is a successful submission: the job row that owns the request and
// whether it was a verbatim idempotent replay.
type Result struct {
	Job       *models.Job
	Duplicate bool
}

// ValidationError carries the structured field errors of a rejected
// submission. Never retryable.
type ValidationError struct {
	Errors *validate.Errors
}

func (e *ValidationError) Error() string { return e.Errors.Error() }

// ConflictError is an idempotent replay whose params differ from the job
// that owns the key.
type ConflictError struct {
	ExistingJobID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key already used by job %s with different params", e.ExistingJobID)
}

// RateLimitError carries the backoff metadata of a rejected submission.
type RateLimitError struct {
	Decision middleware.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s window, retry after %s", e.Decision.Scope, e.Decision.RetryAfter)
}

// Service runs the submission pipeline.
type Service struct {
	store   *store.Store
	reg     *validate.Registry
	limiter *middleware.RateLimiter
	pub     *queue.Publisher
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Config tunes the service. Zero values take defaults.
type Config struct {
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

func NewService(st *store.Store, reg *validate.Registry, limiter *middleware.RateLimiter, pub *queue.Publisher, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		store:   st,
		reg:     reg,
		limiter: limiter,
		pub:     pub,
		log:     cfg.Logger,
		now:     cfg.Now,
		newID:   cfg.NewID,
	}
}

// Submit runs one submission through the pipeline. The returned job is
// QUEUED when the publish succeeded and PENDING when it did not; either way
// the row is committed and the submission counts as accepted.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	kind := req.Kind.String()

	if verrs := envelopeErrors(req); verrs != nil {
		metrics.IncJobSubmission(kind, metrics.OutcomeInvalid)
		return nil, &ValidationError{Errors: verrs}
	}
	vres, verrs := s.reg.Validate(validate.Submission{
		Kind:     req.Kind,
		Params:   req.Params,
		ChainCAM: req.ChainCAM,
		ChainSim: req.ChainSim,
	})
	if verrs != nil {
		outcome := metrics.OutcomeInvalid
		if verrs.Has(validate.CodePayloadTooLarge) {
			outcome = metrics.OutcomeTooLarge
		}
		metrics.IncJobSubmission(kind, outcome)
		return nil, &ValidationError{Errors: verrs}
	}

	decision := s.limiter.AllowSubmission(ctx, req.SubmittedBy, vres.Route.Family == routing.FamilyAI)
	if !decision.Allowed {
		metrics.IncJobSubmission(kind, metrics.OutcomeRateLimited)
		s.logSubmit(ctx, "submission rate limited", req, "scope", decision.Scope, "retry_after", decision.RetryAfter)
		return nil, &RateLimitError{Decision: decision}
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:             s.newID(),
		UserID:         req.UserID,
		SubmittedBy:    req.SubmittedBy,
		Kind:           req.Kind,
		IdempotencyKey: req.IdempotencyKey,
		State:          models.JobStatePending,
		Priority:       req.Priority,
		Attempts:       1,
		MaxRetries:     vres.Route.MaxRetries,
		TimeoutSeconds: vres.Route.TimeoutSeconds,
		Params:         vres.Canonical,
		ParamsHash:     vres.Hash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	owner, created, err := s.store.InsertJobIdempotent(ctx, job)
	if err != nil {
		metrics.IncJobSubmission(kind, metrics.OutcomeError)
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if !created {
		if owner.ParamsHash != vres.Hash {
			metrics.IncJobSubmission(kind, metrics.OutcomeConflict)
			s.logSubmit(ctx, "idempotency conflict", req, "existing_job_id", owner.ID)
			return nil, &ConflictError{ExistingJobID: owner.ID}
		}
		metrics.IncJobSubmission(kind, metrics.OutcomeDuplicate)
		s.logSubmit(ctx, "idempotent replay", req, "job_id", owner.ID, "state", owner.State)
		return &Result{Job: owner, Duplicate: true}, nil
	}

	metrics.IncJobSubmission(kind, metrics.OutcomeAccepted)
	s.logSubmit(ctx, "job accepted", req, "job_id", job.ID, "queue", vres.Route.Queue)
	s.publish(ctx, job)
	return &Result{Job: job}, nil
}

// publish pushes a committed PENDING row onto its queue and marks it QUEUED.
// Failures are logged, never returned: the row stays PENDING and the
// recovery sweep picks it up.
func (s *Service) publish(ctx context.Context, job *models.Job) {
	brokerID, err := s.pub.Publish(ctx, job)
	if err != nil {
		s.log.Warn("publish failed, job stays pending",
			"job_id", job.ID, "kind", string(job.Kind), "error", err)
		return
	}
	now := s.now().UTC()
	if err := s.store.MarkQueued(ctx, job.ID, &brokerID, now); err != nil {
		// Raced with a cancel or a concurrent sweep; the broker entry is
		// dropped by workers when the state check fails.
		s.log.Warn("job not marked queued", "job_id", job.ID, "error", err)
		return
	}
	metrics.IncJobTransition(models.JobStatePending.String(), models.JobStateQueued.String())
	job.State = models.JobStateQueued
	job.BrokerTaskID = &brokerID
	job.UpdatedAt = now
}

// RetryTerminal re-runs a FAILED or TIMEOUT job when its retry budget
// allows: the row returns to PENDING with attempts+1 and is published
// afresh. Returns the refreshed snapshot and whether a retry was started.
func (s *Service) RetryTerminal(ctx context.Context, jobID string) (*models.Job, bool, error) {
	prior, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	retried, err := s.store.RetryJob(ctx, jobID, s.now().UTC())
	if err != nil {
		return nil, false, err
	}
	if !retried {
		return prior, false, nil
	}

	job, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, true, err
	}
	metrics.IncJobTransition(prior.State.String(), models.JobStatePending.String())
	s.log.Info("job retry started", "job_id", job.ID, "attempt", job.Attempts, "max_retries", job.MaxRetries)
	s.publish(ctx, job)
	return job, true, nil
}

// envelopeErrors checks the submission fields that live outside params.
func envelopeErrors(req Request) *validate.Errors {
	var fields []validate.FieldError
	if req.IdempotencyKey != nil {
		if n := len(*req.IdempotencyKey); n < minIdempotencyKeyLen || n > maxIdempotencyKeyLen {
			fields = append(fields, validate.FieldError{
				Field:   "idempotency_key",
				Code:    validate.CodeRange,
				Message: fmt.Sprintf("length must be between %d and %d", minIdempotencyKeyLen, maxIdempotencyKeyLen),
			})
		}
	}
	if req.Priority < minPriority || req.Priority > maxPriority {
		fields = append(fields, validate.FieldError{
			Field:   "priority",
			Code:    validate.CodeRange,
			Message: fmt.Sprintf("must be between %d and %d", minPriority, maxPriority),
		})
	}
	if len(fields) == 0 {
		return nil
	}
	return &validate.Errors{Fields: fields}
}

func (s *Service) logSubmit(ctx context.Context, msg string, req Request, attrs ...any) {
	all := append([]any{
		"kind", string(req.Kind),
		"submitted_by", req.SubmittedBy,
	}, attrs...)
	if cid := ctxkeys.GetCorrelationID(ctx); cid != "" {
		all = append(all, "correlation_id", cid)
	}
	s.log.Info(msg, all...)
}
