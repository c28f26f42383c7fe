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

// Package notify sends queued notification deliveries through pluggable
// providers. Each provider sits behind a circuit breaker and a send-rate
// limiter; the dispatcher switches to a configured fallback provider while
// a primary's breaker is open.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"camforge/pkg/models"
)

// Outcome classifies a provider's verdict on one send.
type Outcome string

const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeTransientFail Outcome = "TRANSIENT_FAIL"
	OutcomePermanentFail Outcome = "PERMANENT_FAIL"
)

// Result is what a provider reports back for one send. MessageID is set on
// success; Code and Message describe failures in provider terms.
type Result struct {
	Outcome   Outcome
	MessageID string
	Code      string
	Message   string
}

// Provider delivers one rendered notification. Implementations classify
// failures themselves: provider-side throttling and outages are
// TRANSIENT_FAIL, bad recipients are PERMANENT_FAIL. A non-nil error means
// the adapter could not even reach a verdict (transport failure, timeout)
// and is treated as transient. Send must honor ctx cancellation.
type Provider interface {
	Name() string
	Send(ctx context.Context, channel models.Channel, recipient, subject, body string, meta map[string]string) (Result, error)
}

// ErrUnknownProvider is returned when a delivery names a provider that was
// never registered.
var ErrUnknownProvider = errors.New("unknown notification provider")

// errTransient marks a classified transient result so the breaker counts it
// as a failure without losing the provider's Result.
var errTransient = errors.New("transient provider failure")

// Registry holds the configured providers, each behind its own circuit
// breaker and send-rate limiter.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
}

// NewRegistry returns an empty provider registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, entries: make(map[string]*registryEntry)}
}

// Register adds a provider under its own name. perSecond paces sends to the
// provider; zero or negative means unpaced. The breaker opens after three
// consecutive transient failures and admits two probe sends after 30s.
func (r *Registry) Register(p Provider, perSecond float64) {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		if int(perSecond) > 1 {
			burst = int(perSecond)
		}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Info("provider breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name()] = &registryEntry{
		provider: p,
		breaker:  cb,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

func (r *Registry) get(name string) *registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Available reports whether a provider is registered and its breaker is not
// open.
func (r *Registry) Available(name string) bool {
	e := r.get(name)
	return e != nil && e.breaker.State() != gobreaker.StateOpen
}

// Send paces, guards, and invokes the named provider. Infrastructure
// conditions (open breaker, timeout, transport error) come back as
// TRANSIENT_FAIL results with a synthesized code, so the caller always has
// an outcome to record. The only error returned is ErrUnknownProvider.
func (r *Registry) Send(ctx context.Context, name string, channel models.Channel, recipient, subject, body string, meta map[string]string) (Result, error) {
	e := r.get(name)
	if e == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return Result{Outcome: OutcomeTransientFail, Code: "send_cancelled", Message: err.Error()}, nil
	}

	out, err := e.breaker.Execute(func() (any, error) {
		res, serr := e.provider.Send(ctx, channel, recipient, subject, body, meta)
		if serr != nil {
			return res, serr
		}
		if res.Outcome == OutcomeTransientFail {
			return res, errTransient
		}
		return res, nil
	})

	switch {
	case err == nil:
		res, _ := out.(Result)
		return res, nil
	case errors.Is(err, errTransient):
		res, _ := out.(Result)
		return res, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Result{Outcome: OutcomeTransientFail, Code: "breaker_open", Message: err.Error()}, nil
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Outcome: OutcomeTransientFail, Code: "provider_timeout", Message: err.Error()}, nil
	default:
		return Result{Outcome: OutcomeTransientFail, Code: "provider_error", Message: err.Error()}, nil
	}
}
