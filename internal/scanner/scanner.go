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

// Package scanner implements the daily license-expiry reminder scan. For
// each lead time of 7, 3, and 1 days it selects active licenses ending in
// that UTC day window, renders a reminder per reachable channel, and queues
// a delivery row. The (license_id, days_out, channel) uniqueness constraint
// makes reruns safe: conflicting inserts are counted, not repeated.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"camforge/internal/metrics"
	"camforge/internal/store"
	"camforge/pkg/models"
)

// reminderDays are the lead times, in days before expiry, that get a
// reminder.
var reminderDays = []int{7, 3, 1}

// smsMaxLen caps rendered SMS bodies at a single message segment.
const smsMaxLen = 160

// reminderKind names the template family for a lead time, e.g.
// LICENSE_REMINDER_D7.
func reminderKind(daysOut int) string {
	return fmt.Sprintf("LICENSE_REMINDER_D%d", daysOut)
}

// Config controls scanner behaviour. Zero values get production defaults.
type Config struct {
	// DefaultLanguage is the template fallback when the user's own
	// language has none.
	DefaultLanguage string

	// CompanyName, SupportEmail, and RenewalLink fill the matching
	// template variables.
	CompanyName  string
	SupportEmail string
	RenewalLink  string

	// EmailProvider and SMSProvider name the primary provider recorded on
	// new deliveries per channel.
	EmailProvider string
	SMSProvider   string

	// MaxRetries is the dispatch retry budget stamped on new deliveries.
	MaxRetries int

	// Now allows tests to control the clock.
	Now func() time.Time
}

// Scanner runs reminder scan passes against the store.
type Scanner struct {
	store *store.Store
	log   *slog.Logger
	cfg   Config
}

// New constructs a Scanner, applying defaults for unset config fields.
func New(st *store.Store, log *slog.Logger, cfg Config) *Scanner {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en-US"
	}
	if cfg.EmailProvider == "" {
		cfg.EmailProvider = "smtp_primary"
	}
	if cfg.SMSProvider == "" {
		cfg.SMSProvider = "sms_primary"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scanner{store: st, log: log, cfg: cfg}
}

// DayReport is one lead time's scan outcome.
type DayReport struct {
	DaysOut    int
	Matched    int
	Queued     int
	Duplicates int
	Errors     int
}

// RunReport bundles the per-lead-time outcomes of one scan pass.
type RunReport struct {
	StartedAt time.Time
	Days      []DayReport
}

// Totals sums the per-day reports.
func (r RunReport) Totals() DayReport {
	var t DayReport
	for _, d := range r.Days {
		t.Matched += d.Matched
		t.Queued += d.Queued
		t.Duplicates += d.Duplicates
		t.Errors += d.Errors
	}
	return t
}

// Run executes one scan pass over all lead times. Failures on one
// (license, channel) pair or one lead time never abort the others; the
// error return is reserved for context cancellation.
func (s *Scanner) Run(ctx context.Context) (RunReport, error) {
	now := s.cfg.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	report := RunReport{StartedAt: now}

	for _, daysOut := range reminderDays {
		day := DayReport{DaysOut: daysOut}
		from := today.AddDate(0, 0, daysOut)
		to := from.AddDate(0, 0, 1)

		licenses, err := s.store.ListExpiringLicenses(ctx, from, to)
		if err != nil {
			day.Errors++
			s.log.Error("license scan failed",
				slog.Int("days_out", daysOut),
				slog.String("error", err.Error()),
			)
			metrics.AddScannerRun(daysOut, 0, 0, 0, 1)
			report.Days = append(report.Days, day)
			continue
		}
		day.Matched = len(licenses)

		for _, lic := range licenses {
			if ctx.Err() != nil {
				report.Days = append(report.Days, day)
				return report, ctx.Err()
			}
			targets := []struct {
				channel   models.Channel
				recipient string
				provider  string
			}{
				{models.ChannelEmail, strings.TrimSpace(lic.UserEmail), s.cfg.EmailProvider},
				{models.ChannelSMS, strings.TrimSpace(lic.UserPhone), s.cfg.SMSProvider},
			}
			for _, tgt := range targets {
				if tgt.recipient == "" {
					continue
				}
				created, err := s.queueReminder(ctx, lic, daysOut, tgt.channel, tgt.recipient, tgt.provider, now)
				switch {
				case err != nil:
					day.Errors++
					s.log.Warn("reminder skipped",
						slog.Int64("license_id", lic.ID),
						slog.Int("days_out", daysOut),
						slog.String("channel", tgt.channel.String()),
						slog.String("error", err.Error()),
					)
				case created:
					day.Queued++
				default:
					day.Duplicates++
				}
			}
		}

		metrics.AddScannerRun(daysOut, day.Matched, day.Queued, day.Duplicates, day.Errors)
		s.log.Info("reminder scan pass",
			slog.Int("days_out", daysOut),
			slog.Int("matched", day.Matched),
			slog.Int("queued", day.Queued),
			slog.Int("duplicates", day.Duplicates),
			slog.Int("errors", day.Errors),
		)
		report.Days = append(report.Days, day)
	}

	return report, nil
}

// queueReminder renders one (license, channel) reminder and inserts its
// delivery row. Returns false with a nil error when the dedup constraint
// says the reminder already exists.
func (s *Scanner) queueReminder(ctx context.Context, lic models.License, daysOut int, channel models.Channel, recipient, provider string, now time.Time) (bool, error) {
	tpl, err := s.resolveTemplate(ctx, reminderKind(daysOut), channel, lic.UserLanguage)
	if err != nil {
		return false, err
	}

	vars := map[string]string{
		"user_name":         lic.UserName,
		"user_email":        lic.UserEmail,
		"license_kind":      lic.Kind,
		"days_remaining":    strconv.Itoa(daysOut),
		"ends_at_formatted": lic.EndsAt.UTC().Format("02.01.2006"),
		"renewal_link":      s.cfg.RenewalLink,
		"support_email":     s.cfg.SupportEmail,
		"company_name":      s.cfg.CompanyName,
	}

	subject, err := Render(tpl.Subject, vars)
	if err != nil {
		return false, fmt.Errorf("render subject: %w", err)
	}
	body, err := Render(tpl.Body, vars)
	if err != nil {
		return false, fmt.Errorf("render body: %w", err)
	}
	if channel == models.ChannelSMS && utf8.RuneCountInString(body) > smsMaxLen {
		return false, fmt.Errorf("sms body is %d characters, limit %d", utf8.RuneCountInString(body), smsMaxLen)
	}

	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return false, fmt.Errorf("marshal variables: %w", err)
	}

	delivery := &models.NotificationDelivery{
		ID:              uuid.NewString(),
		UserID:          lic.UserID,
		LicenseID:       &lic.ID,
		TemplateID:      tpl.ID,
		Channel:         channel,
		Recipient:       recipient,
		DaysOut:         &daysOut,
		Subject:         subject,
		Body:            body,
		Variables:       varsJSON,
		Status:          models.DeliveryStatusQueued,
		PrimaryProvider: provider,
		MaxRetries:      s.cfg.MaxRetries,
		ScheduledAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return s.store.InsertDelivery(ctx, delivery)
}

// resolveTemplate looks up the template in the user's language and falls
// back to the default language when absent.
func (s *Scanner) resolveTemplate(ctx context.Context, kind string, channel models.Channel, language string) (*models.NotificationTemplate, error) {
	if language == "" {
		language = s.cfg.DefaultLanguage
	}
	tpl, err := s.store.GetTemplate(ctx, kind, channel, language)
	if errors.Is(err, store.ErrNotFound) && language != s.cfg.DefaultLanguage {
		tpl, err = s.store.GetTemplate(ctx, kind, channel, s.cfg.DefaultLanguage)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve template %s/%s/%s: %w", kind, channel, language, err)
	}
	return tpl, nil
}

// placeholderRe matches {{variable}} markers in template bodies.
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Render substitutes {{variable}} markers from vars. Unknown variables are
// an error so a broken template never reaches a recipient half-filled.
func Render(tpl string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		val, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unknown template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
