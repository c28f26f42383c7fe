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

package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"camforge/internal/store"
	"camforge/pkg/models"
)

const (
	defaultSweepInterval  = 60 * time.Second
	defaultSweepThreshold = 30 * time.Second
	defaultSweepBatch     = 50
)

// Sweeper republishes jobs stuck in PENDING: rows whose publish failed at
// submission time, or whose process died between commit and publish. It
// reuses the service's publish path, so a successful sweep pass leaves the
// job QUEUED exactly as a first-try publish would.
type Sweeper struct {
	store *store.Store
	svc   *Service
	cfg   SweeperConfig
	log   *slog.Logger
	now   func() time.Time
}

// SweeperConfig tunes the sweep. Zero values take defaults.
type SweeperConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// Threshold is how long a job may sit in PENDING before it counts as
	// stuck. It must comfortably exceed the publisher's retry cadence so
	// the sweep never races a first-try publish.
	Threshold time.Duration

	// BatchSize bounds one pass.
	BatchSize int

	Logger *slog.Logger
	Now    func() time.Time
}

func NewSweeper(st *store.Store, svc *Service, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultSweepThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{store: st, svc: svc, cfg: cfg, log: cfg.Logger, now: cfg.Now}
}

// Run sweeps until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	w.log.Info("recovery sweep started",
		"interval", w.cfg.Interval, "threshold", w.cfg.Threshold, "batch_size", w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("recovery sweep stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// RunOnce republishes one batch of stuck jobs, returning how many rows left
// PENDING. Per-job publish failures stay PENDING for the next pass.
func (w *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := w.now().UTC().Add(-w.cfg.Threshold)
	stuck, err := w.store.ListStalePending(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	recovered := 0
	for _, job := range stuck {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		w.svc.publish(ctx, job)
		if job.State == models.JobStateQueued {
			recovered++
		}
	}
	w.log.Info("recovery sweep pass", "stuck", len(stuck), "republished", recovered)
	return recovered, nil
}
