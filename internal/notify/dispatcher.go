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

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"camforge/internal/metrics"
	"camforge/internal/store"
	"camforge/pkg/models"
)

// Default dispatcher tuning.
const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 10
	defaultSendTimeout  = 30 * time.Second
	defaultRetryBase    = 2 * time.Second
	retryJitterFrac     = 0.10
)

// bounceCodes are provider codes meaning the recipient address itself
// rejected the message. Deliveries closed under one of these read BOUNCED
// rather than FAILED.
var bounceCodes = map[string]bool{
	"bounce":            true,
	"hard_bounce":       true,
	"invalid_recipient": true,
}

// Config tunes the dispatcher. Zero values take defaults.
type Config struct {
	// PollInterval is the pause between due-delivery polls.
	PollInterval time.Duration

	// BatchSize caps deliveries claimed per poll.
	BatchSize int

	// SendTimeout is the hard ceiling on one provider call.
	SendTimeout time.Duration

	// RetryBase is the backoff unit: a delivery whose retry count is n
	// waits RetryBase·2^n, with ±10% jitter, before the next attempt.
	RetryBase time.Duration

	// Fallbacks maps a primary provider name to the provider used while
	// the primary's breaker is open.
	Fallbacks map[string]string

	// Logger for dispatch events. Defaults to slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Dispatcher drains due notification deliveries through the registry.
type Dispatcher struct {
	store *store.Store
	reg   *Registry
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// NewDispatcher wires a dispatcher over the store and provider registry.
func NewDispatcher(st *store.Store, reg *Registry, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{store: st, reg: reg, cfg: cfg, log: cfg.Logger, now: cfg.Now}
}

// Run polls for due deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("notification dispatcher started", "poll_interval", d.cfg.PollInterval, "batch_size", d.cfg.BatchSize)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("notification dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("dispatch poll failed", "error", err)
			}
		}
	}
}

// RunOnce claims one batch of due deliveries and attempts each, returning
// how many deliveries it picked up.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	due, err := d.store.ListDueDeliveries(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}
	for i, del := range due {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		d.dispatch(ctx, del)
	}
	return len(due), nil
}

// dispatch runs a single attempt for one delivery: pick a provider, record
// the attempt, send, and settle the delivery per the outcome. Errors are
// logged, never returned; the delivery stays QUEUED and a later poll
// retries it.
func (d *Dispatcher) dispatch(ctx context.Context, del *models.NotificationDelivery) {
	provider := d.pickProvider(del)

	attemptNo, err := d.store.NextAttemptNumber(ctx, del.ID)
	if err != nil {
		d.log.Error("attempt numbering failed", "delivery_id", del.ID, "error", err)
		return
	}
	started := d.now()
	attempt := &models.NotificationAttempt{
		DeliveryID:    del.ID,
		AttemptNumber: attemptNo,
		Provider:      provider,
		Request:       attemptRequest(del),
		StartedAt:     started,
	}
	if err := d.store.InsertAttempt(ctx, attempt); err != nil {
		// Another dispatcher recorded this attempt number first.
		d.log.Warn("attempt already claimed", "delivery_id", del.ID, "attempt", attemptNo, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	res, err := d.reg.Send(sendCtx, provider, del.Channel, del.Recipient, del.Subject, del.Body, attemptMeta(del))
	cancel()
	if err != nil {
		// A delivery naming an unregistered provider cannot succeed on
		// retry either.
		res = Result{Outcome: OutcomePermanentFail, Code: "unknown_provider", Message: err.Error()}
	}
	completed := d.now()
	metrics.ObserveNotificationAttempt(provider, outcomeLabel(res.Outcome), completed.Sub(started))

	d.finishAttempt(ctx, attempt.ID, res, completed)

	if res.Outcome == OutcomeSuccess {
		d.settleSuccess(ctx, del, provider, res, completed)
		return
	}
	d.settleFailure(ctx, del, provider, res, completed)
}

// pickProvider returns the delivery's primary provider unless its breaker
// is open and a healthy fallback is configured.
func (d *Dispatcher) pickProvider(del *models.NotificationDelivery) string {
	primary := del.PrimaryProvider
	if d.reg.Available(primary) {
		return primary
	}
	if fb, ok := d.cfg.Fallbacks[primary]; ok && d.reg.Available(fb) {
		d.log.Warn("switching to fallback provider", "delivery_id", del.ID, "primary", primary, "fallback", fb)
		return fb
	}
	return primary
}

func (d *Dispatcher) settleSuccess(ctx context.Context, del *models.NotificationDelivery, provider string, res Result, at time.Time) {
	var msgID *string
	if res.MessageID != "" {
		msgID = &res.MessageID
	}
	if err := d.store.MarkDeliverySent(ctx, del.ID, provider, msgID, at); err != nil {
		d.log.Error("mark delivery sent failed", "delivery_id", del.ID, "error", err)
		return
	}
	d.log.Info("notification sent", "delivery_id", del.ID, "channel", del.Channel, "provider", provider, "message_id", res.MessageID)
}

// settleFailure applies the retry policy after a failed attempt. Permanent
// failures close immediately; transient failures reschedule with capped
// exponential backoff until the retry budget runs out.
func (d *Dispatcher) settleFailure(ctx context.Context, del *models.NotificationDelivery, provider string, res Result, at time.Time) {
	attempts, err := d.store.CountAttempts(ctx, del.ID)
	if err != nil {
		d.log.Error("count attempts failed", "delivery_id", del.ID, "error", err)
		return
	}
	retryCount := attempts - 1

	if res.Outcome == OutcomePermanentFail {
		status := models.DeliveryStatusFailed
		if bounceCodes[res.Code] {
			status = models.DeliveryStatusBounced
		}
		if err := d.store.MarkDeliveryClosed(ctx, del.ID, status, retryCount, at); err != nil {
			d.log.Error("mark delivery closed failed", "delivery_id", del.ID, "error", err)
			return
		}
		d.log.Warn("notification rejected by provider", "delivery_id", del.ID, "status", status, "provider", provider, "code", res.Code, "message", res.Message)
		return
	}

	if retryCount >= del.MaxRetries {
		if err := d.store.MarkDeliveryClosed(ctx, del.ID, models.DeliveryStatusFailed, retryCount, at); err != nil {
			d.log.Error("mark delivery closed failed", "delivery_id", del.ID, "error", err)
			return
		}
		d.log.Warn("notification failed after retries", "delivery_id", del.ID, "attempts", attempts, "provider", provider, "code", res.Code)
		return
	}

	next := at.Add(retryDelay(d.cfg.RetryBase, retryCount))
	if err := d.store.RescheduleDelivery(ctx, del.ID, retryCount, next); err != nil {
		d.log.Error("reschedule delivery failed", "delivery_id", del.ID, "error", err)
		return
	}
	d.log.Info("notification retry scheduled", "delivery_id", del.ID, "retry_count", retryCount, "next_at", next, "provider", provider, "code", res.Code)
}

// finishAttempt completes the attempt row with the provider response or the
// classified error.
func (d *Dispatcher) finishAttempt(ctx context.Context, attemptID int64, res Result, at time.Time) {
	var response []byte
	var kind, code, msg *string
	switch res.Outcome {
	case OutcomeSuccess:
		response, _ = json.Marshal(map[string]string{"message_id": res.MessageID})
	case OutcomePermanentFail:
		k := models.AttemptErrorPermanent
		kind, code, msg = &k, strPtr(res.Code), strPtr(res.Message)
	default:
		k := models.AttemptErrorTransient
		kind, code, msg = &k, strPtr(res.Code), strPtr(res.Message)
	}
	if err := d.store.FinishAttempt(ctx, attemptID, response, kind, code, msg, at); err != nil {
		d.log.Error("finish attempt failed", "attempt_id", attemptID, "error", err)
	}
}

// retryDelay is base·2^retryCount with ±10% uniform jitter.
func retryDelay(base time.Duration, retryCount int) time.Duration {
	exp := retryCount
	if exp > 10 {
		exp = 10 // cap exponent to prevent overflow
	}
	delay := base * (1 << exp)
	jitter := time.Duration(rand.Float64() * retryJitterFrac * float64(delay) * 2)
	return delay - time.Duration(retryJitterFrac*float64(delay)) + jitter
}

// attemptRequest is the audit snapshot stored on the attempt row. The body
// is elided: it already lives on the delivery.
func attemptRequest(del *models.NotificationDelivery) json.RawMessage {
	raw, err := json.Marshal(map[string]any{
		"channel":    del.Channel,
		"recipient":  del.Recipient,
		"subject":    del.Subject,
		"body_bytes": len(del.Body),
	})
	if err != nil {
		return nil
	}
	return raw
}

func attemptMeta(del *models.NotificationDelivery) map[string]string {
	return map[string]string{
		"delivery_id": del.ID,
		"template_id": del.TemplateID,
	}
}

func outcomeLabel(o Outcome) string {
	return strings.ToLower(string(o))
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
