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

package middleware

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"camforge/internal/metrics"
)

// Limits configures the submission rate limiter. Every request is charged
// against two sliding windows: the principal's own window (the stricter AI
// window for AI-prompt submissions) and the service-wide window.
type Limits struct {
	// PerPrincipal is the generic submission budget per principal per window.
	PerPrincipal int

	// AIPerPrincipal is the stricter budget for AI generation submissions.
	AIPerPrincipal int

	// Global is the service-wide budget per window.
	Global int

	// Window is the sliding-window length.
	Window time.Duration
}

// DefaultLimits returns the production submission budgets.
func DefaultLimits() Limits {
	return Limits{
		PerPrincipal:   60,
		AIPerPrincipal: 30,
		Global:         500,
		Window:         time.Minute,
	}
}

// Decision is the outcome of a rate-limit check. Rejections carry the
// backoff metadata clients need: the binding limit, the time until the
// window frees up, and when it resets.
type Decision struct {
	Allowed    bool
	Scope      string // "principal", "ai", or "global"
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RateLimiter counts request timestamps in sliding windows. Redis sorted
// sets make the windows shared across instances; when Redis is unreachable
// the limiter falls back to in-process windows rather than rejecting
// requests, and logs once per degradation.
type RateLimiter struct {
	rdb    *redis.Client
	limits Limits
	log    *slog.Logger

	mu       sync.Mutex
	local    map[string][]time.Time
	degraded bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a rate limiter backed by the given Redis client.
// A nil client means local-only windows.
func NewRateLimiter(rdb *redis.Client, limits Limits, log *slog.Logger) *RateLimiter {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	rl := &RateLimiter{
		rdb:    rdb,
		limits: limits,
		log:    log,
		local:  make(map[string][]time.Time),
		stop:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// scopeCheck is one window a request is charged against.
type scopeCheck struct {
	name  string
	key   string
	limit int
}

// scopeState is a window's contents after charging the request.
type scopeState struct {
	scopeCheck
	card   int
	oldest time.Time
}

// AllowSubmission charges one submission by the principal against the
// applicable windows and returns the decision. Rejected requests still
// occupy window space, so a client that keeps hammering stays limited.
func (rl *RateLimiter) AllowSubmission(ctx context.Context, principal string, ai bool) Decision {
	scopes := []scopeCheck{
		{name: "principal", key: "ratelimit:sub:" + principal, limit: rl.limits.PerPrincipal},
		{name: "global", key: "ratelimit:global", limit: rl.limits.Global},
	}
	if ai {
		scopes[0] = scopeCheck{name: "ai", key: "ratelimit:ai:" + principal, limit: rl.limits.AIPerPrincipal}
	}

	now := time.Now().UTC()
	mode := "redis"
	states, err := rl.chargeRedis(ctx, now, scopes)
	if err != nil {
		rl.noteDegraded(err)
		mode = "local"
		states = rl.chargeLocal(now, scopes)
	} else {
		rl.noteRestored()
	}

	d := decide(now, rl.limits.Window, states)
	metrics.IncRateLimitDecision(d.Scope, mode, d.Allowed)
	return d
}

// chargeRedis records the request timestamp in every scope's sorted set and
// reads back the window contents, all in one MULTI pipeline.
func (rl *RateLimiter) chargeRedis(ctx context.Context, now time.Time, scopes []scopeCheck) ([]scopeState, error) {
	if rl.rdb == nil {
		return nil, redis.ErrClosed
	}

	cutoff := strconv.FormatInt(now.Add(-rl.limits.Window).UnixMicro(), 10)
	member := uuid.NewString()
	score := float64(now.UnixMicro())

	pipe := rl.rdb.TxPipeline()
	cards := make([]*redis.IntCmd, len(scopes))
	oldests := make([]*redis.ZSliceCmd, len(scopes))
	for i, sc := range scopes {
		pipe.ZRemRangeByScore(ctx, sc.key, "0", cutoff)
		pipe.ZAdd(ctx, sc.key, redis.Z{Score: score, Member: member})
		cards[i] = pipe.ZCard(ctx, sc.key)
		oldests[i] = pipe.ZRangeWithScores(ctx, sc.key, 0, 0)
		pipe.Expire(ctx, sc.key, rl.limits.Window+time.Second)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	states := make([]scopeState, len(scopes))
	for i, sc := range scopes {
		states[i] = scopeState{scopeCheck: sc, card: int(cards[i].Val()), oldest: now}
		if zs := oldests[i].Val(); len(zs) > 0 {
			states[i].oldest = time.UnixMicro(int64(zs[0].Score))
		}
	}
	return states, nil
}

// chargeLocal is the in-process mirror of chargeRedis.
func (rl *RateLimiter) chargeLocal(now time.Time, scopes []scopeCheck) []scopeState {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.limits.Window)
	states := make([]scopeState, len(scopes))
	for i, sc := range scopes {
		window := rl.local[sc.key]
		pruned := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		pruned = append(pruned, now)
		rl.local[sc.key] = pruned

		states[i] = scopeState{scopeCheck: sc, card: len(pruned), oldest: pruned[0]}
	}
	return states
}

// decide turns the charged window states into a decision. The first scope
// is the request's own class; when several windows are exhausted the one
// that frees up last is reported so clients back off long enough.
func decide(now time.Time, window time.Duration, states []scopeState) Decision {
	var violated *scopeState
	for i := range states {
		if states[i].card <= states[i].limit {
			continue
		}
		if violated == nil || states[i].oldest.After(violated.oldest) {
			violated = &states[i]
		}
	}

	if violated == nil {
		class := states[0]
		return Decision{
			Allowed:   true,
			Scope:     class.name,
			Limit:     class.limit,
			Remaining: class.limit - class.card,
			ResetAt:   class.oldest.Add(window),
		}
	}

	resetAt := violated.oldest.Add(window)
	retryAfter := resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:    false,
		Scope:      violated.name,
		Limit:      violated.limit,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAt:    resetAt,
	}
}

func (rl *RateLimiter) noteDegraded(err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.degraded {
		return
	}
	rl.degraded = true
	rl.log.Warn("rate limiter degraded to local windows", slog.String("error", err.Error()))
}

func (rl *RateLimiter) noteRestored() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.degraded {
		return
	}
	rl.degraded = false
	rl.local = make(map[string][]time.Time)
	rl.log.Info("rate limiter restored to shared windows")
}

// cleanupLoop drops local windows whose entries have all aged out, so a
// long Redis outage does not grow the fallback map without bound.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * rl.limits.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().UTC().Add(-rl.limits.Window)
	for key, window := range rl.local {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(rl.local, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
