package api

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

// Tests for the job HTTP surface: submission statuses, lifecycle reports
// from workers, cancellation, and the probe endpoints, exercised end to end
// through the middleware chain against a real store.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"camforge/internal/billing"
	"camforge/internal/cancel"
	"camforge/internal/intake"
	"camforge/internal/middleware"
	"camforge/internal/position"
	"camforge/internal/queue"
	"camforge/internal/store"
	"camforge/internal/validate"
	"camforge/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	failures int
	calls    int
	events   []string
	bodies   [][]byte
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return "", errors.New("broker unavailable")
	}
	s.events = append(s.events, event)
	s.bodies = append(s.bodies, payload)
	return fmt.Sprintf("%d-0", s.calls), nil
}

type fakeBroker struct {
	streams map[string]*fakeStream
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{streams: make(map[string]*fakeStream)}
}

func (b *fakeBroker) Stream(name string) (queue.Stream, error) {
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	s := &fakeStream{}
	b.streams[name] = s
	return s, nil
}

type testAPI struct {
	handler  http.Handler
	store    *store.Store
	broker   *fakeBroker
	verifier *billing.HMACVerifier
}

func newTestAPI(t *testing.T, limits middleware.Limits) *testAPI {
	t.Helper()
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := discardLogger()
	limiter := middleware.NewRateLimiter(nil, limits, log)
	t.Cleanup(limiter.Stop)

	broker := newFakeBroker()
	svc := intake.NewService(st, validate.NewRegistry(validate.Options{}), limiter,
		queue.NewPublisher(broker, log), intake.Config{Logger: log})

	verifier := billing.NewHMACVerifier("whsec_api_test", 0)
	proc := billing.NewProcessor(st, billing.Config{WorkerID: "api-test", Logger: log})
	proc.RegisterProvider("craftgate", verifier, billing.JSONParser{}, "")

	h := New(Deps{
		Store:    st,
		Intake:   svc,
		Position: position.NewService(st, log),
		Cancel:   cancel.NewCoordinator(st, cancel.NewSignals(nil, time.Minute, log), log),
		Webhooks: proc,
		Logger:   log,
	})
	return &testAPI{handler: h, store: st, broker: broker, verifier: verifier}
}

func doRequest(t *testing.T, h http.Handler, method, path, user string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	return b
}

func submitPayload(key string, priority int) map[string]any {
	m := map[string]any{
		"kind":     "ai",
		"params":   map[string]any{"prompt": "a parametric hinge bracket with slots"},
		"priority": priority,
	}
	if key != "" {
		m["idempotency_key"] = key
	}
	return m
}

// jobBody is the decoded job snapshot the endpoints return.
type jobBody struct {
	JobID           string `json:"job_id"`
	Kind            string `json:"kind"`
	State           string `json:"state"`
	Priority        int    `json:"priority"`
	Attempts        int    `json:"attempts"`
	CancelRequested bool   `json:"cancel_requested"`
	Progress        struct {
		Percent int    `json:"percent"`
		Step    string `json:"step"`
	} `json:"progress"`
	LastError       *models.JobError `json:"last_error"`
	QueuePosition   *int             `json:"queue_position"`
	Duplicate       bool             `json:"duplicate"`
	Retried         bool             `json:"retried"`
	AlreadyTerminal bool             `json:"already_terminal"`
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobBody {
	t.Helper()
	var jb jobBody
	if err := json.Unmarshal(rec.Body.Bytes(), &jb); err != nil {
		t.Fatalf("decode job response: %v (body %s)", err, rec.Body.String())
	}
	return jb
}

// apiError is the decoded error payload, flattened across all variants.
type apiError struct {
	Code          string                `json:"code"`
	Message       string                `json:"message"`
	Errors        []validate.FieldError `json:"errors"`
	PayloadSize   int                   `json:"payload_size"`
	ExistingJobID string                `json:"existing_job_id"`
	Scope         string                `json:"scope"`
	RetryAfter    int                   `json:"retry_after"`
	Limit         int                   `json:"limit"`
	Remaining     int                   `json:"remaining"`
	ResetAt       string                `json:"reset_at"`
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error response: %v (body %s)", err, rec.Body.String())
	}
	return env.Error
}

func hasFieldError(errs []validate.FieldError, field, code string) bool {
	for _, fe := range errs {
		if fe.Field == field && fe.Code == code {
			return true
		}
	}
	return false
}

// submitJob pushes one submission through the handler and fails the test on
// anything but 201.
func submitJob(t *testing.T, env *testAPI, key string, priority int) jobBody {
	t.Helper()
	rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, submitPayload(key, priority)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit returned %d: %s", rec.Code, rec.Body.String())
	}
	return decodeJob(t, rec)
}

func reportProgress(t *testing.T, env *testAPI, id string, percent int) *httptest.ResponseRecorder {
	t.Helper()
	body := jsonBody(t, map[string]any{"percent": percent, "step": "machining"})
	return doRequest(t, env.handler, http.MethodPost, "/v1/jobs/"+id+"/progress", "", body)
}

func reportCompletion(t *testing.T, env *testAPI, id string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, env.handler, http.MethodPost, "/v1/jobs/"+id+"/complete", "", jsonBody(t, body))
}

func TestSubmitCreatesJob(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())

	rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, submitPayload("press-brake-batch-41", 5)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	jb := decodeJob(t, rec)
	if jb.JobID == "" || jb.State != "QUEUED" || jb.Kind != "ai" || jb.Priority != 5 || jb.Attempts != 1 {
		t.Fatalf("job snapshot mismatch: %+v", jb)
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/jobs/"+jb.JobID {
		t.Fatalf("Location header mismatch: %q", loc)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type mismatch: %q", ct)
	}

	stream := env.broker.streams["default"]
	if stream == nil || stream.calls != 1 || stream.events[0] != "jobs.ai" {
		t.Fatalf("publish mismatch: %+v", env.broker.streams)
	}
}

func TestSubmitIdempotency(t *testing.T) {
	const key = "press-brake-batch-42"
	env := newTestAPI(t, middleware.DefaultLimits())
	first := submitJob(t, env, key, 5)

	// Wire-identical replay returns the original row without republishing.
	rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, submitPayload(key, 5)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", rec.Code, rec.Body.String())
	}
	replay := decodeJob(t, rec)
	if !replay.Duplicate || replay.JobID != first.JobID {
		t.Fatalf("replay mismatch: %+v", replay)
	}
	if stream := env.broker.streams["default"]; stream.calls != 1 {
		t.Fatalf("replay republished: %d calls", stream.calls)
	}

	// Same key, different params.
	mutated := submitPayload(key, 5)
	mutated["params"] = map[string]any{"prompt": "a completely different fixture plate"}
	rec = doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, mutated))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	apiErr := decodeErr(t, rec)
	if apiErr.Code != "ERR-JOB-409" || apiErr.ExistingJobID != first.JobID {
		t.Fatalf("conflict body mismatch: %+v", apiErr)
	}
}

func TestSubmitRejections(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())

	t.Run("missing user header", func(t *testing.T) {
		rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "", jsonBody(t, submitPayload("", 0)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if apiErr := decodeErr(t, rec); apiErr.Code != "ERR-JOB-400" || !strings.Contains(apiErr.Message, UserHeader) {
			t.Fatalf("error body mismatch: %+v", apiErr)
		}
	})

	t.Run("non-numeric user header", func(t *testing.T) {
		rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "operator-9", jsonBody(t, submitPayload("", 0)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", []byte(`{"kind":`))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		body := submitPayload("", 0)
		body["kind"] = "etch"
		rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, body))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
		if apiErr := decodeErr(t, rec); apiErr.Message != "unknown job kind" {
			t.Fatalf("error body mismatch: %+v", apiErr)
		}
	})

	t.Run("invalid params", func(t *testing.T) {
		body := submitPayload("", 0)
		body["params"] = map[string]any{"prompt": "too short"}
		rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, body))
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
		}
		apiErr := decodeErr(t, rec)
		if apiErr.Code != "ERR-JOB-422" || len(apiErr.Errors) == 0 || apiErr.Errors[0].Field != "prompt" {
			t.Fatalf("error body mismatch: %+v", apiErr)
		}
	})

	t.Run("priority out of range", func(t *testing.T) {
		rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, submitPayload("", 999)))
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
		}
		if apiErr := decodeErr(t, rec); !hasFieldError(apiErr.Errors, "priority", validate.CodeRange) {
			t.Fatalf("error body mismatch: %+v", apiErr)
		}
	})

	t.Run("oversized params", func(t *testing.T) {
		body := submitPayload("", 0)
		body["params"] = map[string]any{"prompt": strings.Repeat("spiral pocketing pass ", 16384)}
		rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, body))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
		}
		apiErr := decodeErr(t, rec)
		if apiErr.Code != "ERR-JOB-413" || apiErr.PayloadSize <= validate.MaxPayloadBytes {
			t.Fatalf("error body mismatch: %+v", apiErr)
		}
	})
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestAPI(t, middleware.Limits{
		PerPrincipal:   30,
		AIPerPrincipal: 1,
		Global:         100,
		Window:         time.Minute,
	})
	submitJob(t, env, "", 0)

	rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs", "7", jsonBody(t, submitPayload("", 0)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	apiErr := decodeErr(t, rec)
	if apiErr.Code != "ERR-JOB-429" || apiErr.Scope != "ai" || apiErr.Limit != 1 || apiErr.Remaining != 0 {
		t.Fatalf("rate limit body mismatch: %+v", apiErr)
	}
	if apiErr.RetryAfter < 1 {
		t.Fatalf("retry_after not populated: %+v", apiErr)
	}
	if _, err := time.Parse(time.RFC3339, apiErr.ResetAt); err != nil {
		t.Fatalf("reset_at not RFC3339: %q", apiErr.ResetAt)
	}

	if ra, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || ra < 1 {
		t.Fatalf("Retry-After header mismatch: %q", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Fatalf("X-RateLimit-Limit mismatch: %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining mismatch: %q", got)
	}
	if _, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64); err != nil {
		t.Fatalf("X-RateLimit-Reset mismatch: %q", rec.Header().Get("X-RateLimit-Reset"))
	}

	// Only the first submission reached the queue.
	if stream := env.broker.streams["default"]; stream.calls != 1 {
		t.Fatalf("rate limited submission was published: %d calls", stream.calls)
	}
}

func TestJobLifecycle(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())
	jb := submitJob(t, env, "hinge-bracket-rev-007", 5)

	rec := doRequest(t, env.handler, http.MethodGet, "/v1/jobs/"+jb.JobID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decodeJob(t, rec)
	if got.State != "QUEUED" || got.QueuePosition == nil || *got.QueuePosition != 1 {
		t.Fatalf("queued snapshot mismatch: %+v", got)
	}

	// First progress report doubles as pickup.
	rec = reportProgress(t, env, jb.JobID, 40)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var pr struct {
		Applied         bool `json:"applied"`
		CancelRequested bool `json:"cancel_requested"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pr); err != nil {
		t.Fatalf("decode progress response: %v", err)
	}
	if !pr.Applied || pr.CancelRequested {
		t.Fatalf("progress response mismatch: %+v", pr)
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/v1/jobs/"+jb.JobID, "", nil)
	got = decodeJob(t, rec)
	if got.State != "RUNNING" || got.Progress.Percent != 40 || got.QueuePosition == nil || *got.QueuePosition != 0 {
		t.Fatalf("running snapshot mismatch: %+v", got)
	}

	// Regressions are dropped, not stored.
	rec = reportProgress(t, env, jb.JobID, 30)
	if err := json.Unmarshal(rec.Body.Bytes(), &pr); err != nil {
		t.Fatalf("decode progress response: %v", err)
	}
	if rec.Code != http.StatusOK || pr.Applied {
		t.Fatalf("regression was applied: %d %+v", rec.Code, pr)
	}

	rec = reportProgress(t, env, jb.JobID, 101)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad percent, got %d", rec.Code)
	}

	rec = reportCompletion(t, env, jb.JobID, map[string]any{
		"outcome": "SUCCESS",
		"artefacts": []map[string]any{
			{"type": "gcode", "blob_key": "out/7/program.nc", "size": 2048, "sha256": "aa11"},
			{"type": "report", "blob_key": "out/7/toolpath.pdf", "size": 512, "sha256": "bb22"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got = decodeJob(t, rec)
	if got.State != "COMPLETED" || got.Progress.Percent != 100 {
		t.Fatalf("completed snapshot mismatch: %+v", got)
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/v1/jobs/"+jb.JobID+"/artefacts", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ab struct {
		Artefacts []models.Artefact `json:"artefacts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ab); err != nil {
		t.Fatalf("decode artefacts response: %v", err)
	}
	if len(ab.Artefacts) != 2 || ab.Artefacts[0].Type != "gcode" || ab.Artefacts[1].BlobKey != "out/7/toolpath.pdf" {
		t.Fatalf("artefacts mismatch: %+v", ab.Artefacts)
	}

	// Terminal jobs have no queue position.
	rec = doRequest(t, env.handler, http.MethodGet, "/v1/jobs/"+jb.JobID, "", nil)
	if got = decodeJob(t, rec); got.QueuePosition != nil {
		t.Fatalf("terminal job still has a position: %+v", got)
	}

	// A repeated report of the recorded outcome acknowledges idempotently.
	rec = reportCompletion(t, env, jb.JobID, map[string]any{"outcome": "SUCCESS"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d: %s", rec.Code, rec.Body.String())
	}
	if got = decodeJob(t, rec); got.State != "COMPLETED" {
		t.Fatalf("repeat snapshot mismatch: %+v", got)
	}

	// A different outcome after the fact is a real conflict.
	rec = reportCompletion(t, env, jb.JobID, map[string]any{"outcome": "FAIL"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = reportProgress(t, env, jb.JobID, 99)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal progress, got %d", rec.Code)
	}
}

func TestCompleteUnknownOutcome(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())
	jb := submitJob(t, env, "", 0)

	rec := reportCompletion(t, env, jb.JobID, map[string]any{"outcome": "DONE"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if apiErr := decodeErr(t, rec); !hasFieldError(apiErr.Errors, "outcome", validate.CodeRange) {
		t.Fatalf("error body mismatch: %+v", apiErr)
	}

	rec = reportCompletion(t, env, jb.JobID, map[string]any{
		"outcome":   "SUCCESS",
		"artefacts": []map[string]any{{"type": "gcode"}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bare artefact, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCompleteFailureAutoRetries(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())
	jb := submitJob(t, env, "", 0)

	fail := func(percent int) *httptest.ResponseRecorder {
		t.Helper()
		if rec := reportProgress(t, env, jb.JobID, percent); rec.Code != http.StatusOK {
			t.Fatalf("progress returned %d: %s", rec.Code, rec.Body.String())
		}
		return reportCompletion(t, env, jb.JobID, map[string]any{
			"outcome":    "FAIL",
			"last_error": map[string]string{"code": "TOOL_CRASH", "message": "spindle fault at step 3"},
		})
	}

	// The ai route allows two retries, so the first two failures requeue.
	for round, wantAttempts := range []int{2, 3} {
		rec := fail((round + 1) * 10)
		if rec.Code != http.StatusOK {
			t.Fatalf("round %d returned %d: %s", round, rec.Code, rec.Body.String())
		}
		got := decodeJob(t, rec)
		if !got.Retried || got.State != "QUEUED" || got.Attempts != wantAttempts {
			t.Fatalf("round %d retry mismatch: %+v", round, got)
		}
		if got.LastError != nil {
			t.Fatalf("round %d carried stale error: %+v", round, got.LastError)
		}
	}

	// Budget exhausted: the third failure sticks.
	rec := fail(30)
	if rec.Code != http.StatusOK {
		t.Fatalf("final failure returned %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeJob(t, rec)
	if got.Retried || got.State != "FAILED" || got.Attempts != 3 {
		t.Fatalf("final snapshot mismatch: %+v", got)
	}
	if got.LastError == nil || got.LastError.Code != "TOOL_CRASH" {
		t.Fatalf("last error mismatch: %+v", got.LastError)
	}

	if stream := env.broker.streams["default"]; stream.calls != 3 {
		t.Fatalf("expected 3 publishes (initial + 2 retries), got %d", stream.calls)
	}
}

func TestCancelFlow(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())

	// A waiting job cancels immediately.
	waiting := submitJob(t, env, "", 0)
	rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs/"+waiting.JobID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeJob(t, rec)
	if got.State != "CANCELLED" || got.AlreadyTerminal {
		t.Fatalf("cancel snapshot mismatch: %+v", got)
	}

	rec = doRequest(t, env.handler, http.MethodPost, "/v1/jobs/"+waiting.JobID+"/cancel", "", nil)
	if got = decodeJob(t, rec); rec.Code != http.StatusOK || !got.AlreadyTerminal {
		t.Fatalf("repeat cancel mismatch: %d %+v", rec.Code, got)
	}

	// A running job is only flagged; the worker confirms at its next
	// checkpoint and reports the CANCELLED outcome.
	running := submitJob(t, env, "", 0)
	if rec = reportProgress(t, env, running.JobID, 25); rec.Code != http.StatusOK {
		t.Fatalf("pickup returned %d", rec.Code)
	}
	rec = doRequest(t, env.handler, http.MethodPost, "/v1/jobs/"+running.JobID+"/cancel", "", nil)
	got = decodeJob(t, rec)
	if rec.Code != http.StatusOK || got.State != "RUNNING" || !got.CancelRequested {
		t.Fatalf("running cancel mismatch: %d %+v", rec.Code, got)
	}

	rec = reportProgress(t, env, running.JobID, 50)
	var pr struct {
		Applied         bool `json:"applied"`
		CancelRequested bool `json:"cancel_requested"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pr); err != nil {
		t.Fatalf("decode progress response: %v", err)
	}
	if !pr.CancelRequested {
		t.Fatalf("checkpoint did not observe the cancel: %+v", pr)
	}

	rec = reportCompletion(t, env, running.JobID, map[string]any{"outcome": "CANCELLED"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got = decodeJob(t, rec); got.State != "CANCELLED" {
		t.Fatalf("cancelled snapshot mismatch: %+v", got)
	}

	// CANCELLED is the worker's acknowledgement, not a unilateral outcome.
	fresh := submitJob(t, env, "", 0)
	rec = reportCompletion(t, env, fresh.JobID, map[string]any{"outcome": "CANCELLED"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, env.handler, http.MethodPost, "/v1/jobs/no-such-job/cancel", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRoutingAndMethods(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())
	jb := submitJob(t, env, "", 0)

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"list jobs unsupported", http.MethodGet, "/v1/jobs", http.StatusMethodNotAllowed},
		{"job update unsupported", http.MethodPut, "/v1/jobs/" + jb.JobID, http.StatusMethodNotAllowed},
		{"cancel wrong method", http.MethodDelete, "/v1/jobs/" + jb.JobID + "/cancel", http.StatusMethodNotAllowed},
		{"artefacts wrong method", http.MethodPost, "/v1/jobs/" + jb.JobID + "/artefacts", http.StatusMethodNotAllowed},
		{"unknown action", http.MethodGet, "/v1/jobs/" + jb.JobID + "/logs", http.StatusNotFound},
		{"unknown job", http.MethodGet, "/v1/jobs/no-such-job", http.StatusNotFound},
		{"deep path", http.MethodGet, "/v1/jobs/" + jb.JobID + "/artefacts/1", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, env.handler, tc.method, tc.path, "7", nil)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := doRequest(t, env.handler, http.MethodPost, "/v1/jobs/no-such-job/progress", "", jsonBody(t, map[string]any{"percent": 1}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job progress, got %d", rec.Code)
	}
	rec = doRequest(t, env.handler, http.MethodPost, "/v1/jobs/no-such-job/complete", "", jsonBody(t, map[string]any{"outcome": "SUCCESS"}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job completion, got %d", rec.Code)
	}
}

func TestHealthzAndMiddleware(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())

	rec := doRequest(t, env.handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var hb map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &hb); err != nil || hb["status"] != "ok" {
		t.Fatalf("health body mismatch: %s", rec.Body.String())
	}
	if rec.Header().Get(middleware.CorrelationHeader) == "" {
		t.Fatal("correlation id header missing")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}

	// Inbound correlation ids are echoed, not replaced.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(middleware.CorrelationHeader, "req-123")
	echo := httptest.NewRecorder()
	env.handler.ServeHTTP(echo, req)
	if got := echo.Header().Get(middleware.CorrelationHeader); got != "req-123" {
		t.Fatalf("correlation id not echoed: %q", got)
	}

	if rec = doRequest(t, env.handler, http.MethodPost, "/healthz", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestAPI(t, middleware.DefaultLimits())
	submitJob(t, env, "", 0)

	rec := doRequest(t, env.handler, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "camforge_core_job_submissions_total") {
		t.Fatal("submission counter missing from scrape")
	}
}
