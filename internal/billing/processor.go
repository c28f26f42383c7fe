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

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"camforge/internal/metrics"
	"camforge/internal/store"
	"camforge/pkg/crypto"
	"camforge/pkg/models"
)

// Ingress rejections the HTTP boundary translates into responses. None of
// them leave an event row behind except ErrPaymentNotFound, which
// dead-letters the recorded event.
var (
	ErrUnknownProvider  = errors.New("unknown webhook provider")
	ErrMissingEventID   = errors.New("missing_event_id")
	ErrMissingPaymentID = errors.New("missing_payment_id")
	ErrPaymentNotFound  = errors.New("payment_not_found")
	ErrIdempotency      = errors.New("idempotency_error")
)

const (
	defaultLockTimeout  = 300 * time.Second
	defaultMaxRetries   = 5
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 10

	retryBase = time.Minute
	retryCap  = 16 * time.Minute
)

// DefaultSignatureHeader carries the signature for providers that do not
// name their own header.
const DefaultSignatureHeader = "X-Webhook-Signature"

// Config tunes the processor. Zero values take defaults.
type Config struct {
	// LockTimeout is how long a processing lock may sit before another
	// worker treats its holder as crashed and steals the event.
	LockTimeout time.Duration

	// MaxRetries bounds how many failed passes an event survives before it
	// is dead-lettered.
	MaxRetries int

	PollInterval time.Duration
	BatchSize    int

	// WorkerID names this process in lock ownership. Defaults to
	// hostname-pid.
	WorkerID string

	Logger *slog.Logger
	Now    func() time.Time
}

type providerHooks struct {
	verifier Verifier
	parser   Parser
	header   string
}

// Processor turns raw gateway deliveries into payment state changes. The
// synchronous Ingest path handles fresh deliveries; the Run loop drains
// scheduled retries and events orphaned by crashed workers.
type Processor struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu        sync.RWMutex
	providers map[string]providerHooks
}

func NewProcessor(st *store.Store, cfg Config) *Processor {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "camforge"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		store:     st,
		cfg:       cfg,
		log:       cfg.Logger,
		now:       cfg.Now,
		providers: make(map[string]providerHooks),
	}
}

// RegisterProvider wires a gateway's verifier and parser under its name.
// signatureHeader may be empty to use DefaultSignatureHeader. Registering a
// name again replaces its hooks.
func (p *Processor) RegisterProvider(name string, v Verifier, parser Parser, signatureHeader string) {
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	p.mu.Lock()
	p.providers[name] = providerHooks{verifier: v, parser: parser, header: signatureHeader}
	p.mu.Unlock()
}

// SignatureHeader tells the HTTP boundary which header carries the
// provider's signature. Unknown providers get the default.
func (p *Processor) SignatureHeader(provider string) string {
	if hooks, ok := p.hooks(provider); ok {
		return hooks.header
	}
	return DefaultSignatureHeader
}

func (p *Processor) hooks(provider string) (providerHooks, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hooks, ok := p.providers[provider]
	return hooks, ok
}

// ReceiptOutcome summarizes what the processor did with a delivery.
type ReceiptOutcome string

const (
	// ReceiptDelivered means the payment side effects were committed.
	ReceiptDelivered ReceiptOutcome = "delivered"
	// ReceiptDuplicate acknowledges a replay of an already delivered event.
	ReceiptDuplicate ReceiptOutcome = "duplicate"
	// ReceiptIgnored acknowledges an authenticated event the platform takes
	// no action on.
	ReceiptIgnored ReceiptOutcome = "ignored"
	// ReceiptDeferred means another worker holds the event's lock; the
	// retry loop will pick it up.
	ReceiptDeferred ReceiptOutcome = "deferred"
	// ReceiptRetrying means this pass failed and a later one is scheduled.
	ReceiptRetrying ReceiptOutcome = "retrying"
	// ReceiptFailed means the event is dead-lettered.
	ReceiptFailed ReceiptOutcome = "failed"
)

// Receipt is the verdict the HTTP boundary turns into a response.
type Receipt struct {
	Event   *models.WebhookEvent
	Outcome ReceiptOutcome
}

// Ingest authenticates, records, and processes one raw delivery. Signature
// and parse rejections return before anything is stored; once the event row
// exists the gateway gets an acknowledgement even when processing is
// deferred or retried, since the stored payload carries everything a later
// pass needs.
func (p *Processor) Ingest(ctx context.Context, provider, signatureHeader string, body []byte) (*Receipt, error) {
	started := p.now()
	hooks, ok := p.hooks(provider)
	if !ok {
		metrics.ObserveWebhookEvent(provider, "rejected", p.now().Sub(started))
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if err := hooks.verifier.Verify(signatureHeader, body); err != nil {
		metrics.ObserveWebhookEvent(provider, "rejected", p.now().Sub(started))
		p.log.Warn("webhook signature rejected",
			"provider", provider,
			"signature", crypto.RedactToken(signatureHeader),
			"error", err)
		return nil, err
	}

	parsed, err := hooks.parser.Parse(body)
	if err != nil || parsed.EventID == "" {
		metrics.ObserveWebhookEvent(provider, "rejected", p.now().Sub(started))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingEventID, err)
		}
		return nil, ErrMissingEventID
	}
	if parsed.ProviderPaymentID == "" {
		metrics.ObserveWebhookEvent(provider, "rejected", p.now().Sub(started))
		return nil, ErrMissingPaymentID
	}

	now := p.now()
	ev := &models.WebhookEvent{
		Provider:   provider,
		EventID:    parsed.EventID,
		EventType:  parsed.EventType,
		Payload:    body,
		Status:     models.WebhookStatusPending,
		MaxRetries: p.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := p.store.InsertWebhookEvent(ctx, ev)
	if err != nil {
		metrics.ObserveWebhookEvent(provider, "error", p.now().Sub(started))
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	if !created {
		existing, err := p.store.GetWebhookEvent(ctx, provider, parsed.EventID)
		if err != nil {
			metrics.ObserveWebhookEvent(provider, "error", p.now().Sub(started))
			return nil, fmt.Errorf("%w: lookup after duplicate insert: %v", ErrIdempotency, err)
		}
		if existing.Status == models.WebhookStatusDelivered {
			metrics.ObserveWebhookEvent(provider, string(ReceiptDuplicate), p.now().Sub(started))
			p.log.Info("webhook replay acknowledged", "provider", provider, "event_id", parsed.EventID)
			return &Receipt{Event: existing, Outcome: ReceiptDuplicate}, nil
		}
		// An earlier delivery is still in flight or awaiting retry; this
		// redelivery may as well drive it forward.
		ev = existing
	}

	rec, err := p.process(ctx, ev)
	if rec != nil {
		metrics.ObserveWebhookEvent(provider, string(rec.Outcome), p.now().Sub(started))
	} else {
		metrics.ObserveWebhookEvent(provider, "error", p.now().Sub(started))
	}
	return rec, err
}

// process claims the event and applies its side effects. A Deferred receipt
// means another worker holds the lock.
func (p *Processor) process(ctx context.Context, ev *models.WebhookEvent) (*Receipt, error) {
	claimed, err := p.store.AcquireWebhookLock(ctx, ev.ID, p.cfg.WorkerID, p.now(), p.cfg.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire webhook lock: %w", err)
	}
	if !claimed {
		p.log.Info("webhook event locked elsewhere", "provider", ev.Provider, "event_id", ev.EventID)
		return &Receipt{Event: ev, Outcome: ReceiptDeferred}, nil
	}
	// Work from the locked row: retry counters may have moved since the
	// caller loaded it.
	locked, err := p.store.GetWebhookEventByID(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("reload locked event: %w", err)
	}
	return p.processLocked(ctx, locked)
}

func (p *Processor) processLocked(ctx context.Context, ev *models.WebhookEvent) (*Receipt, error) {
	hooks, ok := p.hooks(ev.Provider)
	if !ok {
		// The provider was deregistered after this event was stored.
		return p.closeFailed(ctx, ev, "unknown_provider")
	}
	parsed, err := hooks.parser.Parse(ev.Payload)
	if err != nil || parsed.ProviderPaymentID == "" {
		// Ingest verified these fields, so a stored payload that no longer
		// parses cannot be cured by retrying.
		return p.closeFailed(ctx, ev, "payload_unparseable")
	}

	now := p.now()
	if parsed.NewStatus == "" {
		if err := p.store.MarkWebhookDelivered(ctx, ev.ID, `{"ignored":true}`, now); err != nil {
			return nil, fmt.Errorf("acknowledge ignored event: %w", err)
		}
		p.log.Info("webhook event ignored",
			"provider", ev.Provider, "event_id", ev.EventID, "event_type", ev.EventType)
		return &Receipt{Event: ev, Outcome: ReceiptIgnored}, nil
	}

	payment, err := p.store.GetPaymentByProviderID(ctx, ev.Provider, parsed.ProviderPaymentID)
	if errors.Is(err, store.ErrNotFound) {
		rec, ferr := p.closeFailed(ctx, ev, "payment_not_found")
		if ferr != nil {
			return nil, ferr
		}
		return rec, fmt.Errorf("%w: %s/%s", ErrPaymentNotFound, ev.Provider, parsed.ProviderPaymentID)
	}
	if err != nil {
		return p.settleRetry(ctx, ev, fmt.Sprintf("load payment: %v", err))
	}

	out := store.PaymentOutcome{
		PaymentID:       payment.ID,
		PaymentStatus:   parsed.NewStatus,
		AuditAction:     auditAction(ev.EventType, parsed.NewStatus),
		AuditActorID:    ev.Provider + ":" + ev.EventID,
		AuditContext:    auditContext(payment, parsed),
		WebhookEventID:  ev.ID,
		WebhookResponse: `{"applied":true}`,
	}
	if payment.InvoiceID != nil {
		if st, ok := invoiceStatusFor(parsed.NewStatus); ok {
			out.InvoiceID = payment.InvoiceID
			out.InvoiceStatus = st
			if st == models.InvoicePaid {
				paidAt := now
				out.InvoicePaidAt = &paidAt
			}
		}
	}

	if err := p.store.ApplyPaymentOutcome(ctx, out, now); err != nil {
		return p.settleRetry(ctx, ev, fmt.Sprintf("apply payment outcome: %v", err))
	}
	p.log.Info("webhook event delivered",
		"provider", ev.Provider,
		"event_id", ev.EventID,
		"payment_id", payment.ID,
		"payment_status", parsed.NewStatus)
	return &Receipt{Event: ev, Outcome: ReceiptDelivered}, nil
}

// closeFailed dead-letters an event for a cause retries cannot cure.
func (p *Processor) closeFailed(ctx context.Context, ev *models.WebhookEvent, cause string) (*Receipt, error) {
	if err := p.store.MarkWebhookFailed(ctx, ev.ID, cause, p.now()); err != nil {
		return nil, fmt.Errorf("mark webhook failed: %w", err)
	}
	p.log.Warn("webhook event dead-lettered",
		"provider", ev.Provider, "event_id", ev.EventID, "cause", cause)
	return &Receipt{Event: ev, Outcome: ReceiptFailed}, nil
}

// settleRetry releases the lock and schedules the next pass, dead-lettering
// the event once its retry budget is spent.
func (p *Processor) settleRetry(ctx context.Context, ev *models.WebhookEvent, cause string) (*Receipt, error) {
	now := p.now()
	if ev.RetryCount >= ev.MaxRetries {
		if err := p.store.MarkWebhookFailed(ctx, ev.ID, cause, now); err != nil {
			return nil, fmt.Errorf("mark webhook failed: %w", err)
		}
		p.log.Error("webhook event failed after retries",
			"provider", ev.Provider, "event_id", ev.EventID, "retries", ev.RetryCount, "cause", cause)
		return &Receipt{Event: ev, Outcome: ReceiptFailed}, nil
	}
	next := now.Add(retryDelay(ev.RetryCount))
	if err := p.store.RescheduleWebhookEvent(ctx, ev.ID, ev.RetryCount+1, cause, next, now); err != nil {
		return nil, fmt.Errorf("reschedule webhook event: %w", err)
	}
	p.log.Warn("webhook event retry scheduled",
		"provider", ev.Provider,
		"event_id", ev.EventID,
		"retry_count", ev.RetryCount+1,
		"next_attempt_at", next,
		"cause", cause)
	return &Receipt{Event: ev, Outcome: ReceiptRetrying}, nil
}

// retryDelay doubles from one minute and caps at sixteen. No jitter: webhook
// retries are sparse enough that synchronization is not a concern.
func retryDelay(retryCount int) time.Duration {
	exp := retryCount
	if exp > 4 {
		exp = 4
	}
	d := retryBase * (1 << exp)
	if d > retryCap {
		d = retryCap
	}
	return d
}

// Run polls for due events until ctx is cancelled: scheduled retries,
// events deferred by lock contention, and rows orphaned by crashed workers
// all drain here.
func (p *Processor) Run(ctx context.Context) {
	p.log.Info("webhook processor started",
		"poll_interval", p.cfg.PollInterval, "batch_size", p.cfg.BatchSize, "worker_id", p.cfg.WorkerID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("webhook processor stopped")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("webhook poll failed", "error", err)
			}
		}
	}
}

// RunOnce claims one batch of due events and processes each, returning how
// many events it picked up. Per-event failures are settled on the event row
// and do not abort the batch.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	due, err := p.store.ListDueWebhookEvents(ctx, p.now(), p.cfg.LockTimeout, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due webhook events: %w", err)
	}
	for i, ev := range due {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		started := p.now()
		rec, err := p.process(ctx, ev)
		outcome := "error"
		if rec != nil {
			outcome = string(rec.Outcome)
		}
		metrics.ObserveWebhookEvent(ev.Provider, outcome, p.now().Sub(started))
		if err != nil {
			p.log.Error("webhook retry pass failed",
				"provider", ev.Provider, "event_id", ev.EventID, "error", err)
		}
	}
	return len(due), nil
}

// auditAction names the audit row after the gateway's own event type when it
// has one, falling back to the applied status.
func auditAction(eventType string, status models.PaymentStatus) string {
	if eventType != "" {
		return eventType
	}
	switch status {
	case models.PaymentStatusSucceeded:
		return "payment.completed"
	case models.PaymentStatusFailed:
		return "payment.failed"
	case models.PaymentStatusRefunded:
		return "payment.refunded"
	default:
		return "payment.updated"
	}
}

func auditContext(payment *models.Payment, parsed Event) []byte {
	ctx := map[string]any{
		"provider_payment_id": parsed.ProviderPaymentID,
		"from_status":         payment.Status,
		"to_status":           parsed.NewStatus,
		"amount":              payment.Amount.String(),
		"currency":            payment.Currency,
	}
	if len(parsed.Metadata) > 0 {
		ctx["metadata"] = parsed.Metadata
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil
	}
	return raw
}

// invoiceStatusFor maps terminal payment states onto the owning invoice.
// Intermediate states leave the invoice untouched.
func invoiceStatusFor(s models.PaymentStatus) (models.InvoicePaidStatus, bool) {
	switch s {
	case models.PaymentStatusSucceeded:
		return models.InvoicePaid, true
	case models.PaymentStatusFailed:
		return models.InvoiceFailed, true
	case models.PaymentStatusRefunded:
		return models.InvoiceRefunded, true
	default:
		return "", false
	}
}
