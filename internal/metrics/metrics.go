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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobSubmissions    *prometheus.CounterVec
	jobTransitions    *prometheus.CounterVec
	publishDuration   *prometheus.HistogramVec
	publishRetries    *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	rateLimitDecision *prometheus.CounterVec
	scannerMatched    *prometheus.CounterVec
	scannerQueued     *prometheus.CounterVec
	scannerDuplicates *prometheus.CounterVec
	scannerErrors     *prometheus.CounterVec
	notifyAttempts    *prometheus.CounterVec
	notifyDuration    *prometheus.HistogramVec
	webhookEvents     *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
)

// Submission outcomes.
const (
	OutcomeAccepted    = "accepted"
	OutcomeDuplicate   = "duplicate"
	OutcomeConflict    = "conflict"
	OutcomeInvalid     = "invalid"
	OutcomeTooLarge    = "too_large"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Rate limiter scopes and modes.
const (
	ScopePrincipal   = "principal"
	ScopePrincipalAI = "principal_ai"
	ScopeGlobal      = "global"

	ModeDistributed = "distributed"
	ModeLocal       = "local"
)

// Webhook outcomes.
const (
	WebhookDelivered = "delivered"
	WebhookDuplicate = "duplicate"
	WebhookInvalid   = "invalid"
	WebhookRetried   = "retried"
	WebhookFailed    = "failed"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobSubmission records one intake decision by kind and outcome.
func IncJobSubmission(kind, outcome string) {
	k := sanitizeLabel(kind, "unknown")
	o := sanitizeLabel(outcome, OutcomeError)

	mu.RLock()
	defer mu.RUnlock()
	if jobSubmissions != nil {
		jobSubmissions.WithLabelValues(k, o).Inc()
	}
}

// IncJobTransition records one lifecycle transition.
func IncJobTransition(from, to string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobTransitions != nil {
		jobTransitions.WithLabelValues(sanitizeLabel(from, "unknown"), sanitizeLabel(to, "unknown")).Inc()
	}
}

// ObservePublish records a broker publish attempt's total duration and outcome.
func ObservePublish(queue string, ok bool, duration time.Duration) {
	q := sanitizeLabel(queue, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if publishDuration != nil {
		publishDuration.WithLabelValues(q).Observe(durationSeconds(duration))
	}
	if !ok && publishFailures != nil {
		publishFailures.WithLabelValues(q).Inc()
	}
}

// IncPublishRetry increments the retry counter for a queue.
func IncPublishRetry(queue string) {
	mu.RLock()
	defer mu.RUnlock()
	if publishRetries != nil {
		publishRetries.WithLabelValues(sanitizeLabel(queue, "unknown")).Inc()
	}
}

// IncRateLimitDecision records one limiter verdict.
func IncRateLimitDecision(scope, mode string, allowed bool) {
	mu.RLock()
	defer mu.RUnlock()
	if rateLimitDecision != nil {
		rateLimitDecision.WithLabelValues(
			sanitizeLabel(scope, "unknown"),
			sanitizeLabel(mode, ModeLocal),
			strconv.FormatBool(allowed),
		).Inc()
	}
}

// AddScannerRun records one scan window's bundle for a given days-out value.
func AddScannerRun(daysOut, matched, queued, duplicates, errs int) {
	d := strconv.Itoa(daysOut)

	mu.RLock()
	defer mu.RUnlock()
	if scannerMatched != nil {
		scannerMatched.WithLabelValues(d).Add(float64(matched))
	}
	if scannerQueued != nil {
		scannerQueued.WithLabelValues(d).Add(float64(queued))
	}
	if scannerDuplicates != nil {
		scannerDuplicates.WithLabelValues(d).Add(float64(duplicates))
	}
	if scannerErrors != nil {
		scannerErrors.WithLabelValues(d).Add(float64(errs))
	}
}

// ObserveNotificationAttempt records one provider send try.
func ObserveNotificationAttempt(provider, outcome string, duration time.Duration) {
	p := sanitizeLabel(provider, "unknown")
	o := sanitizeLabel(outcome, "error")

	mu.RLock()
	defer mu.RUnlock()
	if notifyAttempts != nil {
		notifyAttempts.WithLabelValues(p, o).Inc()
	}
	if notifyDuration != nil {
		notifyDuration.WithLabelValues(p).Observe(durationSeconds(duration))
	}
}

// ObserveWebhookEvent records one webhook processing pass.
func ObserveWebhookEvent(provider, outcome string, duration time.Duration) {
	p := sanitizeLabel(provider, "unknown")
	o := sanitizeLabel(outcome, "error")

	mu.RLock()
	defer mu.RUnlock()
	if webhookEvents != nil {
		webhookEvents.WithLabelValues(p, o).Inc()
	}
	if webhookDuration != nil {
		webhookDuration.WithLabelValues(p).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "job_submissions_total",
		Help:      "Total intake decisions grouped by kind and outcome.",
	}, []string{"kind", "outcome"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "job_transitions_total",
		Help:      "Total job state transitions grouped by from and to state.",
	}, []string{"from", "to"})

	pubDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "queue_publish_duration_seconds",
		Help:      "Duration of broker publishes by queue, including retries.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"queue"})

	pubRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "queue_publish_retries_total",
		Help:      "Total broker publish retries by queue.",
	}, []string{"queue"})

	pubFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "queue_publish_failures_total",
		Help:      "Total publishes that exhausted retries, leaving the job PENDING.",
	}, []string{"queue"})

	rateDecision := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limiter verdicts grouped by scope, mode, and outcome.",
	}, []string{"scope", "mode", "allowed"})

	scanMatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "license_scan_matched_total",
		Help:      "Licenses matched by the expiry scanner, partitioned by days out.",
	}, []string{"days_out"})

	scanQueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "license_scan_queued_total",
		Help:      "Notification deliveries queued by the scanner, partitioned by days out.",
	}, []string{"days_out"})

	scanDuplicates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "license_scan_duplicates_skipped_total",
		Help:      "Deliveries skipped because the (license, days_out, channel) row already existed.",
	}, []string{"days_out"})

	scanErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "license_scan_errors_total",
		Help:      "Render or insert errors during license scans, partitioned by days out.",
	}, []string{"days_out"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "notification_attempts_total",
		Help:      "Notification send attempts grouped by provider and outcome.",
	}, []string{"provider", "outcome"})

	sendDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "notification_send_duration_seconds",
		Help:      "Duration of provider send calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider"})

	hookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "webhook_events_total",
		Help:      "Webhook processing passes grouped by provider and outcome.",
	}, []string{"provider", "outcome"})

	hookDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camforge",
		Subsystem: "core",
		Name:      "webhook_processing_duration_seconds",
		Help:      "Duration of webhook processing passes.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"provider"})

	registry.MustRegister(
		submissions, transitions,
		pubDuration, pubRetries, pubFailures,
		rateDecision,
		scanMatched, scanQueued, scanDuplicates, scanErrors,
		attempts, sendDuration,
		hookEvents, hookDuration,
	)

	reg = registry
	jobSubmissions = submissions
	jobTransitions = transitions
	publishDuration = pubDuration
	publishRetries = pubRetries
	publishFailures = pubFailures
	rateLimitDecision = rateDecision
	scannerMatched = scanMatched
	scannerQueued = scanQueued
	scannerDuplicates = scanDuplicates
	scannerErrors = scanErrors
	notifyAttempts = attempts
	notifyDuration = sendDuration
	webhookEvents = hookEvents
	webhookDuration = hookDuration
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
