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

// Package cancel coordinates cooperative job cancellation. A cancel request
// never blocks on the worker: jobs that have not started are cancelled in
// place, running jobs get the cancel_requested flag plus a short-TTL Redis
// key that workers poll between pipeline stages. The Redis key and the
// column are each sufficient evidence to cancel; losing Redis degrades to
// column-only signalling without failing the request.
package cancel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"camforge/internal/ctxkeys"
	"camforge/internal/metrics"
	"camforge/internal/store"
	"camforge/pkg/models"
)

// signalKey is the worker-observable cancellation flag for a job.
func signalKey(jobID string) string {
	return "cancel:" + jobID
}

// Signals is the cancellation side channel. Redis is the shared medium;
// when it is unreachable the flag is kept in a process-local map so workers
// in the same process still observe it.
type Signals struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger

	mu    sync.Mutex
	local map[string]time.Time
}

// NewSignals returns a side channel writing cancel flags with the given TTL.
// A nil client means local-only operation.
func NewSignals(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Signals {
	return &Signals{
		rdb:   rdb,
		ttl:   ttl,
		log:   log,
		local: make(map[string]time.Time),
	}
}

// Raise flags the job as cancelled for any worker that looks. Failures fall
// back to the local map; the caller's request never fails on the signal.
func (s *Signals) Raise(ctx context.Context, jobID string) {
	if s.rdb != nil {
		err := s.rdb.Set(ctx, signalKey(jobID), "1", s.ttl).Err()
		if err == nil {
			return
		}
		s.log.Warn("cancel signal degraded to local",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	s.mu.Lock()
	s.local[jobID] = time.Now().Add(s.ttl)
	s.mu.Unlock()
}

// Raised reports whether a cancel flag is visible for the job, consulting
// Redis first and the local fallback after a miss or an error.
func (s *Signals) Raised(ctx context.Context, jobID string) bool {
	if s.rdb != nil {
		val, err := s.rdb.Get(ctx, signalKey(jobID)).Result()
		if err == nil {
			return val == "1"
		}
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("cancel signal read failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.local[jobID]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(s.local, jobID)
		return false
	}
	return true
}

// Outcome is the observed job snapshot after a cancel request.
type Outcome struct {
	Job *models.Job

	// AlreadyTerminal is set when the job had finished before the request
	// took effect. The request still counts as a success.
	AlreadyTerminal bool
}

// Coordinator turns cancel requests into store transitions and worker
// signals. It performs no worker I/O itself and every operation is safe to
// repeat.
type Coordinator struct {
	store   *store.Store
	signals *Signals
	log     *slog.Logger
}

func NewCoordinator(st *store.Store, signals *Signals, log *slog.Logger) *Coordinator {
	return &Coordinator{store: st, signals: signals, log: log}
}

// Cancel requests cancellation of the job and returns the current snapshot.
// Jobs that have not started move straight to CANCELLED; running jobs keep
// running until the worker observes the flag at its next checkpoint.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*Outcome, error) {
	job, err := c.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return &Outcome{Job: job, AlreadyTerminal: true}, nil
	}

	now := time.Now().UTC()

	done, err := c.store.CancelIfNotStarted(ctx, jobID, now)
	if err != nil {
		return nil, err
	}
	if done {
		metrics.IncJobTransition(string(job.State), string(models.JobStateCancelled))
		c.logCancel(ctx, "job cancelled before start", job)
		return c.snapshot(ctx, jobID, false)
	}

	flagged, err := c.store.MarkCancelRequested(ctx, jobID, now)
	if err != nil {
		return nil, err
	}
	if !flagged {
		// Lost the race against a terminal transition.
		return c.snapshot(ctx, jobID, true)
	}

	c.signals.Raise(ctx, jobID)
	c.logCancel(ctx, "cancellation requested", job)
	return c.snapshot(ctx, jobID, false)
}

func (c *Coordinator) snapshot(ctx context.Context, jobID string, markTerminal bool) (*Outcome, error) {
	job, err := c.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Job: job, AlreadyTerminal: markTerminal && job.State.IsTerminal()}, nil
}

func (c *Coordinator) logCancel(ctx context.Context, msg string, job *models.Job) {
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("state", string(job.State)),
	}
	if cid := ctxkeys.GetCorrelationID(ctx); cid != "" {
		attrs = append(attrs, slog.String("correlation_id", cid))
	}
	c.log.Info(msg, attrs...)
}
