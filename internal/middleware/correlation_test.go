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
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"camforge/internal/ctxkeys"
)

func TestCorrelation_AdoptsCallerID(t *testing.T) {
	var seen string
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxkeys.GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/jobs/abc", nil)
	req.Header.Set(CorrelationHeader, "req-777")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen != "req-777" {
		t.Errorf("handler saw correlation id %q, want req-777", seen)
	}
	if got := w.Header().Get(CorrelationHeader); got != "req-777" {
		t.Errorf("response echoed %q, want req-777", got)
	}
}

func TestCorrelation_MintsID(t *testing.T) {
	var seen string
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxkeys.GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/jobs/abc", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen == "" {
		t.Fatal("no correlation id minted")
	}
	if got := w.Header().Get(CorrelationHeader); got != seen {
		t.Errorf("response echoed %q, handler saw %q", got, seen)
	}
}

func TestRequestLog(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Correlation(RequestLog(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest("POST", "/v1/jobs", nil)
	req.Header.Set(CorrelationHeader, "req-log-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	line := buf.String()
	for _, want := range []string{`"method":"POST"`, `"path":"/v1/jobs"`, `"status":418`, `"correlation_id":"req-log-1"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}
