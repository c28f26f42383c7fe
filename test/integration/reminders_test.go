package integration

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

// Tests for the license reminder pipeline end to end: scan passes that stay
// idempotent across reruns, and dispatch failing over to the fallback
// gateway once the primary's breaker opens.

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"camforge/internal/notify"
	"camforge/internal/scanner"
	"camforge/internal/store"
	"camforge/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func seedRecipient(t *testing.T, st *store.Store, id int64, name, email, phone string) {
	t.Helper()
	u := &models.User{ID: id, Name: name, Email: email, Phone: phone, Language: "en-US"}
	if err := st.InsertUser(context.Background(), u); err != nil {
		t.Fatalf("InsertUser failed: %v", err)
	}
}

func seedActiveLicense(t *testing.T, st *store.Store, userID int64, kind string, endsAt time.Time) int64 {
	t.Helper()
	l := &models.License{UserID: userID, Kind: kind, Status: models.LicenseStatusActive, EndsAt: endsAt}
	if err := st.InsertLicense(context.Background(), l); err != nil {
		t.Fatalf("InsertLicense failed: %v", err)
	}
	return l.ID
}

// seedReminderTemplates installs the en-US email and SMS templates for one
// lead time.
func seedReminderTemplates(t *testing.T, st *store.Store, daysOut int) {
	t.Helper()
	ctx := context.Background()
	kind := fmt.Sprintf("LICENSE_REMINDER_D%d", daysOut)
	email := &models.NotificationTemplate{
		ID:       "tpl-" + kind + "-email-en",
		Kind:     kind,
		Channel:  models.ChannelEmail,
		Language: "en-US",
		Subject:  "{{company_name}}: {{license_kind}} license expires in {{days_remaining}} days",
		Body:     "Hello {{user_name}}, your {{license_kind}} license ends on {{ends_at_formatted}}. Renew at {{renewal_link}} or write {{support_email}}.",
	}
	sms := &models.NotificationTemplate{
		ID:       "tpl-" + kind + "-sms-en",
		Kind:     kind,
		Channel:  models.ChannelSMS,
		Language: "en-US",
		Body:     "{{company_name}}: {{license_kind}} license ends {{ends_at_formatted}}. Renew: {{renewal_link}}",
	}
	if err := st.UpsertTemplate(ctx, email); err != nil {
		t.Fatalf("UpsertTemplate failed: %v", err)
	}
	if err := st.UpsertTemplate(ctx, sms); err != nil {
		t.Fatalf("UpsertTemplate failed: %v", err)
	}
}

func newScanner(t *testing.T, st *store.Store, clock *fakeClock) *scanner.Scanner {
	t.Helper()
	return scanner.New(st, discardLogger(), scanner.Config{
		CompanyName:  "Camforge",
		SupportEmail: "support@camforge.io",
		RenewalLink:  "https://camforge.io/renew",
		Now:          clock.Now,
	})
}

func leadDay(t *testing.T, rep scanner.RunReport, daysOut int) scanner.DayReport {
	t.Helper()
	for _, d := range rep.Days {
		if d.DaysOut == daysOut {
			return d
		}
	}
	t.Fatalf("no report for days_out=%d", daysOut)
	return scanner.DayReport{}
}

func TestReminderScanRerunQueuesNothingNew(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)}

	seedReminderTemplates(t, st, 7)
	seedRecipient(t, st, 1, "Aylin Demir", "aylin@example.com", "+905551112233")
	licID := seedActiveLicense(t, st, 1, "cam_pro", clock.Now().AddDate(0, 0, 7).Add(6*time.Hour))

	sc := newScanner(t, st, clock)

	rep, err := sc.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if d := leadDay(t, rep, 7); d.Matched != 1 || d.Queued != 2 || d.Duplicates != 0 || d.Errors != 0 {
		t.Fatalf("unexpected first-pass D7 report: %+v", d)
	}

	// An immediate rerun matches the license again but only counts the
	// existing reminders.
	rep, err = sc.Run(ctx)
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if d := leadDay(t, rep, 7); d.Matched != 1 || d.Queued != 0 || d.Duplicates != 2 || d.Errors != 0 {
		t.Fatalf("unexpected rerun D7 report: %+v", d)
	}

	// So does a later pass on the same UTC day: the dedup key is the day
	// window, not the scan timestamp.
	clock.Advance(5 * time.Hour)
	rep, err = sc.Run(ctx)
	if err != nil {
		t.Fatalf("same-day rerun failed: %v", err)
	}
	if totals := rep.Totals(); totals.Queued != 0 || totals.Duplicates != 2 {
		t.Fatalf("unexpected same-day totals: %+v", totals)
	}

	due, err := st.ListDueDeliveries(ctx, clock.Now(), 10)
	if err != nil {
		t.Fatalf("ListDueDeliveries failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 queued deliveries after three passes, got %d", len(due))
	}
	seen := map[models.Channel]bool{}
	for _, d := range due {
		seen[d.Channel] = true
		if d.LicenseID == nil || *d.LicenseID != licID {
			t.Errorf("delivery %s not linked to license %d", d.ID, licID)
		}
		if d.DaysOut == nil || *d.DaysOut != 7 {
			t.Errorf("delivery %s has days_out %v, want 7", d.ID, d.DaysOut)
		}
	}
	if !seen[models.ChannelEmail] || !seen[models.ChannelSMS] {
		t.Errorf("expected one delivery per channel, got %v", seen)
	}
}

// fakeGateway is a notification gateway endpoint with a fixed scripted
// answer.
type fakeGateway struct {
	status int
	body   string

	mu   sync.Mutex
	hits int
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	g.hits++
	g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(g.status)
	_, _ = w.Write([]byte(g.body))
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hits
}

func TestReminderFailoverToFallbackGateway(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)}

	seedReminderTemplates(t, st, 3)
	seedRecipient(t, st, 9, "Mehmet Kaya", "mehmet@example.com", "")
	seedActiveLicense(t, st, 9, "sim_pro", clock.Now().AddDate(0, 0, 3).Add(4*time.Hour))

	primary := &fakeGateway{status: http.StatusServiceUnavailable, body: `{"code":"smtp_outage","message":"relay down"}`}
	primarySrv := httptest.NewServer(primary)
	defer primarySrv.Close()
	fallback := &fakeGateway{status: http.StatusOK, body: `{"message_id":"fb-000183"}`}
	fallbackSrv := httptest.NewServer(fallback)
	defer fallbackSrv.Close()

	reg := notify.NewRegistry(discardLogger())
	reg.Register(notify.NewHTTPProvider("smtp_primary", primarySrv.URL, "key-primary", primarySrv.Client()), 0)
	reg.Register(notify.NewHTTPProvider("smtp_fallback", fallbackSrv.URL, "key-fallback", fallbackSrv.Client()), 0)

	rep, err := newScanner(t, st, clock).Run(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if d := leadDay(t, rep, 3); d.Queued != 1 {
		t.Fatalf("unexpected D3 report: %+v", d)
	}
	due, err := st.ListDueDeliveries(ctx, clock.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due delivery, got %d (err %v)", len(due), err)
	}
	delivery := due[0]
	if delivery.PrimaryProvider != "smtp_primary" {
		t.Fatalf("unexpected primary provider: %s", delivery.PrimaryProvider)
	}

	disp := notify.NewDispatcher(st, reg, notify.Config{
		BatchSize: 5,
		RetryBase: time.Second,
		Fallbacks: map[string]string{"smtp_primary": "smtp_fallback"},
		Logger:    discardLogger(),
		Now:       clock.Now,
	})

	// Three transient gateway failures in a row trip the primary's breaker.
	// Each advance clears the pending backoff so the next poll is due.
	for attempt := 1; attempt <= 3; attempt++ {
		n, err := disp.RunOnce(ctx)
		if err != nil || n != 1 {
			t.Fatalf("attempt %d: picked %d deliveries, err %v", attempt, n, err)
		}
		clock.Advance(10 * time.Second)
	}

	// With the breaker open the next attempt goes to the fallback gateway.
	if n, err := disp.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("failover attempt: picked %d deliveries, err %v", n, err)
	}

	got, err := st.GetDelivery(ctx, delivery.ID)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if got.Status != models.DeliveryStatusSent {
		t.Fatalf("expected SENT, got %s", got.Status)
	}
	if got.ActualProvider == nil || *got.ActualProvider != "smtp_fallback" {
		t.Errorf("unexpected actual provider: %v", got.ActualProvider)
	}
	if got.ProviderMessageID == nil || *got.ProviderMessageID != "fb-000183" {
		t.Errorf("unexpected provider message id: %v", got.ProviderMessageID)
	}

	attempts, err := st.ListAttempts(ctx, delivery.ID)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(attempts))
	}
	for i, a := range attempts[:3] {
		if a.Provider != "smtp_primary" {
			t.Errorf("attempt %d used provider %s, want smtp_primary", i+1, a.Provider)
		}
		if a.ErrorKind == nil || *a.ErrorKind != models.AttemptErrorTransient {
			t.Errorf("attempt %d error kind = %v, want transient", i+1, a.ErrorKind)
		}
		if a.ErrorCode == nil || *a.ErrorCode != "smtp_outage" {
			t.Errorf("attempt %d error code = %v, want smtp_outage", i+1, a.ErrorCode)
		}
	}
	if last := attempts[3]; last.Provider != "smtp_fallback" || last.ErrorKind != nil {
		t.Errorf("unexpected final attempt: provider %s, error kind %v", last.Provider, last.ErrorKind)
	}

	if primary.count() != 3 {
		t.Errorf("primary gateway saw %d requests, want 3", primary.count())
	}
	if fallback.count() != 1 {
		t.Errorf("fallback gateway saw %d requests, want 1", fallback.count())
	}
}
