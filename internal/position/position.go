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

// Package position computes a waiting job's 1-based place within its queue
// for the status read path. Jobs ahead are those RUNNING on the same queue
// plus the waiting ones scheduled earlier (higher priority, or equal
// priority and earlier creation).
package position

import (
	"context"
	"log/slog"

	"camforge/internal/routing"
	"camforge/internal/store"
	"camforge/pkg/models"
)

// Service answers queue-position lookups against the lifecycle store.
type Service struct {
	store *store.Store
	log   *slog.Logger
}

// NewService returns a position service over the given store.
func NewService(st *store.Store, log *slog.Logger) *Service {
	return &Service{store: st, log: log}
}

// For returns the job's queue position: nil for terminal jobs, 0 for a
// RUNNING job, n>=1 while waiting. Read failures degrade to nil so a
// status poll never fails on the position alone.
func (s *Service) For(ctx context.Context, job *models.Job) *int {
	if job.State.IsTerminal() {
		return nil
	}
	if job.State == models.JobStateRunning {
		zero := 0
		return &zero
	}

	route, err := routing.Lookup(job.Kind)
	if err != nil {
		s.log.Warn("queue position unavailable", "job_id", job.ID, "err", err)
		return nil
	}
	ks := routing.KindsForQueue(route.Queue)
	kinds := make([]string, len(ks))
	for i, k := range ks {
		kinds[i] = k.String()
	}

	running, err := s.store.CountRunning(ctx, kinds)
	if err != nil {
		s.log.Warn("queue position unavailable", "job_id", job.ID, "err", err)
		return nil
	}
	ahead, err := s.store.CountQueuedAhead(ctx, kinds, job.Priority, job.CreatedAt)
	if err != nil {
		s.log.Warn("queue position unavailable", "job_id", job.ID, "err", err)
		return nil
	}

	pos := running + ahead + 1
	return &pos
}
