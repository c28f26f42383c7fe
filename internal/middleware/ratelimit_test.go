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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T, limits Limits) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rl := NewRateLimiter(rdb, limits, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiter_AllowWithinLimit(t *testing.T) {
	rl := testLimiter(t, Limits{PerPrincipal: 5, AIPerPrincipal: 3, Global: 100, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := rl.AllowSubmission(ctx, "user:1", false)
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed, got rejection in scope %s", i+1, d.Scope)
		}
		if d.Scope != "principal" {
			t.Errorf("request %d: expected scope principal, got %s", i+1, d.Scope)
		}
		if d.Remaining != 5-i-1 {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 5-i-1, d.Remaining)
		}
	}
}

func TestRateLimiter_OneOverLimitRejected(t *testing.T) {
	rl := testLimiter(t, Limits{PerPrincipal: 3, AIPerPrincipal: 2, Global: 100, Window: time.Minute})
	ctx := context.Background()

	// Exactly at the limit is accepted, with nothing left over.
	var last Decision
	for i := 0; i < 3; i++ {
		last = rl.AllowSubmission(ctx, "user:2", false)
		if !last.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}
	if last.Remaining != 0 {
		t.Errorf("expected remaining 0 at the limit, got %d", last.Remaining)
	}

	// One over is rejected with usable backoff metadata.
	d := rl.AllowSubmission(ctx, "user:2", false)
	if d.Allowed {
		t.Fatal("expected rejection one over the limit")
	}
	if d.Scope != "principal" || d.Limit != 3 || d.Remaining != 0 {
		t.Errorf("unexpected rejection details: scope=%s limit=%d remaining=%d", d.Scope, d.Limit, d.Remaining)
	}
	if d.RetryAfter < 0 || d.RetryAfter > time.Minute {
		t.Errorf("retry-after out of range: %v", d.RetryAfter)
	}
	if !d.ResetAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("reset-at in the past: %v", d.ResetAt)
	}

	// Rejected attempts still occupy the window.
	d = rl.AllowSubmission(ctx, "user:2", false)
	if d.Allowed {
		t.Fatal("hammering client escaped the limit")
	}
}

func TestRateLimiter_AIWindowIsStricter(t *testing.T) {
	rl := testLimiter(t, Limits{PerPrincipal: 10, AIPerPrincipal: 2, Global: 100, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := rl.AllowSubmission(ctx, "user:3", true); !d.Allowed {
			t.Fatalf("ai request %d: expected allowed", i+1)
		}
	}
	d := rl.AllowSubmission(ctx, "user:3", true)
	if d.Allowed {
		t.Fatal("expected third ai request to be rejected")
	}
	if d.Scope != "ai" || d.Limit != 2 {
		t.Errorf("unexpected rejection details: scope=%s limit=%d", d.Scope, d.Limit)
	}

	// Generic submissions use their own window and are unaffected.
	for i := 0; i < 10; i++ {
		if d := rl.AllowSubmission(ctx, "user:3", false); !d.Allowed {
			t.Fatalf("generic request %d: expected allowed, rejected in scope %s", i+1, d.Scope)
		}
	}
}

func TestRateLimiter_GlobalWindow(t *testing.T) {
	rl := testLimiter(t, Limits{PerPrincipal: 10, AIPerPrincipal: 5, Global: 3, Window: time.Minute})
	ctx := context.Background()

	for i, principal := range []string{"user:a", "user:a", "user:b"} {
		if d := rl.AllowSubmission(ctx, principal, false); !d.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}

	d := rl.AllowSubmission(ctx, "user:c", false)
	if d.Allowed {
		t.Fatal("expected global rejection")
	}
	if d.Scope != "global" || d.Limit != 3 {
		t.Errorf("unexpected rejection details: scope=%s limit=%d", d.Scope, d.Limit)
	}
}

func TestRateLimiter_DifferentPrincipals(t *testing.T) {
	rl := testLimiter(t, Limits{PerPrincipal: 2, AIPerPrincipal: 1, Global: 100, Window: time.Minute})
	ctx := context.Background()

	rl.AllowSubmission(ctx, "user:4", false)
	rl.AllowSubmission(ctx, "user:4", false)
	if d := rl.AllowSubmission(ctx, "user:4", false); d.Allowed {
		t.Fatal("user:4 should be limited")
	}

	if d := rl.AllowSubmission(ctx, "user:5", false); !d.Allowed {
		t.Fatal("user:5 should be unaffected by user:4's window")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := testLimiter(t, Limits{PerPrincipal: 2, AIPerPrincipal: 1, Global: 100, Window: 200 * time.Millisecond})
	ctx := context.Background()

	rl.AllowSubmission(ctx, "user:6", false)
	rl.AllowSubmission(ctx, "user:6", false)
	if d := rl.AllowSubmission(ctx, "user:6", false); d.Allowed {
		t.Fatal("expected rejection inside the window")
	}

	time.Sleep(250 * time.Millisecond)

	if d := rl.AllowSubmission(ctx, "user:6", false); !d.Allowed {
		t.Fatal("expected the window to have slid past the old entries")
	}
}

func TestRateLimiter_LocalFallback(t *testing.T) {
	rl := NewRateLimiter(nil, Limits{PerPrincipal: 2, AIPerPrincipal: 1, Global: 100, Window: time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := rl.AllowSubmission(ctx, "user:7", false); !d.Allowed {
			t.Fatalf("request %d: expected allowed without Redis", i+1)
		}
	}
	d := rl.AllowSubmission(ctx, "user:7", false)
	if d.Allowed {
		t.Fatal("expected local window to reject")
	}
	if d.RetryAfter < 0 {
		t.Errorf("negative retry-after: %v", d.RetryAfter)
	}
}

func TestRateLimiter_DegradesOnRedisLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rl := NewRateLimiter(rdb, Limits{PerPrincipal: 2, AIPerPrincipal: 1, Global: 100, Window: time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()
	ctx := context.Background()

	if d := rl.AllowSubmission(ctx, "user:8", false); !d.Allowed {
		t.Fatal("expected allowed while Redis is up")
	}

	mr.Close()

	// Limiting continues on local windows; requests are never rejected
	// just because Redis went away.
	if d := rl.AllowSubmission(ctx, "user:8", false); !d.Allowed {
		t.Fatal("expected allowed after degradation")
	}
	if d := rl.AllowSubmission(ctx, "user:8", false); !d.Allowed {
		t.Fatal("local window should not have inherited the Redis entry")
	}
	if d := rl.AllowSubmission(ctx, "user:8", false); d.Allowed {
		t.Fatal("expected local window to enforce the limit")
	}
}

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()

	if limits.PerPrincipal != 60 || limits.AIPerPrincipal != 30 || limits.Global != 500 {
		t.Errorf("unexpected default budgets: %+v", limits)
	}
	if limits.Window != time.Minute {
		t.Errorf("unexpected default window: %v", limits.Window)
	}
	if limits.AIPerPrincipal > limits.PerPrincipal {
		t.Error("AI budget should not exceed the generic budget")
	}
}
