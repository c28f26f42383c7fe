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

// Tests for the job lifecycle over the wire: idempotent replays, queue
// positions tracking priority and pickup, and the cancel round trip between
// client and worker.

import (
	"encoding/json"
	"net/http"
	"testing"

	"camforge/internal/queue"
)

func camParams() map[string]any {
	return map[string]any{
		"model_blob_key": "blobs/models/bracket-7712.step",
		"material":       "aluminum",
		"process":        "mill3",
	}
}

// submitCAM pushes one toolpath job through the API and fails the test on
// anything but a fresh 201.
func submitCAM(t *testing.T, ts *TestServer, user int64, key string, priority int) jobBody {
	t.Helper()
	status, raw := ts.postJSON(t, "/v1/jobs", user, map[string]any{
		"kind":            "cam",
		"params":          camParams(),
		"idempotency_key": key,
		"priority":        priority,
	})
	if status != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (body %s)", status, raw)
	}
	jb := decodeJob(t, raw)
	if jb.State != "QUEUED" {
		t.Fatalf("expected submission to land QUEUED, got %s", jb.State)
	}
	return jb
}

func fetchJob(t *testing.T, ts *TestServer, user int64, id string) jobBody {
	t.Helper()
	status, raw := ts.getJSON(t, "/v1/jobs/"+id, user)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 for job %s, got %d (body %s)", id, status, raw)
	}
	return decodeJob(t, raw)
}

func wantPosition(t *testing.T, jb jobBody, want int) {
	t.Helper()
	if jb.QueuePosition == nil {
		t.Fatalf("job %s has no queue position, want %d", jb.JobID, want)
	}
	if *jb.QueuePosition != want {
		t.Errorf("job %s queue position = %d, want %d", jb.JobID, *jb.QueuePosition, want)
	}
}

// progressReply is the worker-facing progress acknowledgement.
type progressReply struct {
	Applied         bool `json:"applied"`
	CancelRequested bool `json:"cancel_requested"`
}

func reportProgress(t *testing.T, ts *TestServer, id string, percent int, step string) progressReply {
	t.Helper()
	status, raw := ts.postJSON(t, "/v1/jobs/"+id+"/progress", 0, map[string]any{
		"percent": percent,
		"step":    step,
	})
	if status != http.StatusOK {
		t.Fatalf("expected status 200 for progress on %s, got %d (body %s)", id, status, raw)
	}
	var pr progressReply
	if err := json.Unmarshal(raw, &pr); err != nil {
		t.Fatalf("decode progress response: %v (body %s)", err, raw)
	}
	return pr
}

func TestSubmitIdempotentReplay(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	payload := map[string]any{
		"kind":            "cam",
		"params":          camParams(),
		"idempotency_key": "order-7712-cam-plan-001",
		"priority":        5,
	}

	status, raw := ts.postJSON(t, "/v1/jobs", 42, payload)
	if status != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (body %s)", status, raw)
	}
	first := decodeJob(t, raw)
	if first.JobID == "" {
		t.Fatal("first submission returned no job id")
	}
	if first.State != "QUEUED" || first.Duplicate {
		t.Fatalf("unexpected first submission: %+v", first)
	}

	// The identical submission acknowledges the existing job instead of
	// creating another.
	status, raw = ts.postJSON(t, "/v1/jobs", 42, payload)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 on replay, got %d (body %s)", status, raw)
	}
	replay := decodeJob(t, raw)
	if !replay.Duplicate {
		t.Error("replay response not flagged duplicate")
	}
	if replay.JobID != first.JobID {
		t.Errorf("replay returned job %s, want %s", replay.JobID, first.JobID)
	}

	// Exactly one task reached the queue, addressed by the cam routing key.
	events, payloads := ts.Broker.published("cam")
	if len(events) != 1 {
		t.Fatalf("expected 1 published task, got %d", len(events))
	}
	if events[0] != "jobs.cam" {
		t.Errorf("unexpected routing key: %s", events[0])
	}
	env, err := queue.Decode(payloads[0])
	if err != nil {
		t.Fatalf("decode task envelope: %v", err)
	}
	if env.JobID != first.JobID || env.Kind != "cam" || env.Attempt != 1 {
		t.Errorf("unexpected task envelope: %+v", env)
	}
}

func TestQueuePositionsTrackPriorityAndPickup(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	// Two routine jobs first, then a rush order that outranks them.
	slowA := submitCAM(t, ts, 7, "press-brake-batch-41-a", 5)
	slowB := submitCAM(t, ts, 7, "press-brake-batch-41-b", 5)
	rush := submitCAM(t, ts, 8, "rush-spindle-repair-007", 10)

	wantPosition(t, fetchJob(t, ts, 8, rush.JobID), 1)
	wantPosition(t, fetchJob(t, ts, 7, slowA.JobID), 2)
	wantPosition(t, fetchJob(t, ts, 7, slowB.JobID), 3)

	// A worker picks up the rush job: its first progress report moves it to
	// RUNNING, which reads as position zero while the others still count it.
	if pr := reportProgress(t, ts, rush.JobID, 5, "toolpath_roughing"); !pr.Applied || pr.CancelRequested {
		t.Fatalf("unexpected pickup response: %+v", pr)
	}
	running := fetchJob(t, ts, 8, rush.JobID)
	if running.State != "RUNNING" {
		t.Fatalf("expected rush job RUNNING after pickup, got %s", running.State)
	}
	wantPosition(t, running, 0)
	wantPosition(t, fetchJob(t, ts, 7, slowA.JobID), 2)
	wantPosition(t, fetchJob(t, ts, 7, slowB.JobID), 3)

	// Completion drops the rush job out of the arithmetic entirely.
	status, raw := ts.postJSON(t, "/v1/jobs/"+rush.JobID+"/complete", 0, map[string]any{
		"outcome": "SUCCESS",
		"artefacts": []map[string]any{
			{"type": "gcode", "blob_key": "blobs/gcode/spindle-repair-007.nc", "size": 2048},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("expected status 200 on completion, got %d (body %s)", status, raw)
	}
	done := decodeJob(t, raw)
	if done.State != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", done.State)
	}

	if jb := fetchJob(t, ts, 8, rush.JobID); jb.QueuePosition != nil {
		t.Errorf("terminal job still reports queue position %d", *jb.QueuePosition)
	}
	wantPosition(t, fetchJob(t, ts, 7, slowA.JobID), 1)
	wantPosition(t, fetchJob(t, ts, 7, slowB.JobID), 2)

	status, raw = ts.getJSON(t, "/v1/jobs/"+rush.JobID+"/artefacts", 8)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 for artefacts, got %d (body %s)", status, raw)
	}
	var arts struct {
		Artefacts []struct {
			Type    string `json:"type"`
			BlobKey string `json:"blob_key"`
		} `json:"artefacts"`
	}
	if err := json.Unmarshal(raw, &arts); err != nil {
		t.Fatalf("decode artefacts response: %v", err)
	}
	if len(arts.Artefacts) != 1 || arts.Artefacts[0].BlobKey != "blobs/gcode/spindle-repair-007.nc" {
		t.Errorf("unexpected artefacts: %+v", arts.Artefacts)
	}
}

func TestCancelMidRunAcknowledged(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	job := submitCAM(t, ts, 3, "cancel-roundtrip-plate-12", 0)

	if pr := reportProgress(t, ts, job.JobID, 10, "toolpath_roughing"); !pr.Applied || pr.CancelRequested {
		t.Fatalf("unexpected pickup response: %+v", pr)
	}

	// The client cancels while the worker is mid-cut. The job stays RUNNING;
	// only the flag flips until the worker confirms.
	status, raw := ts.postJSON(t, "/v1/jobs/"+job.JobID+"/cancel", 3, nil)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 on cancel, got %d (body %s)", status, raw)
	}
	cancelled := decodeJob(t, raw)
	if cancelled.State != "RUNNING" || !cancelled.CancelRequested || cancelled.AlreadyTerminal {
		t.Fatalf("unexpected cancel response: %+v", cancelled)
	}

	// The worker's next checkpoint sees the request.
	pr := reportProgress(t, ts, job.JobID, 40, "toolpath_finishing")
	if !pr.Applied || !pr.CancelRequested {
		t.Fatalf("worker was not told to stop: %+v", pr)
	}

	// It acknowledges by completing with the CANCELLED outcome.
	status, raw = ts.postJSON(t, "/v1/jobs/"+job.JobID+"/complete", 0, map[string]any{"outcome": "CANCELLED"})
	if status != http.StatusOK {
		t.Fatalf("expected status 200 on cancelled completion, got %d (body %s)", status, raw)
	}
	if done := decodeJob(t, raw); done.State != "CANCELLED" {
		t.Fatalf("expected CANCELLED, got %s", done.State)
	}

	final := fetchJob(t, ts, 3, job.JobID)
	if final.State != "CANCELLED" || final.QueuePosition != nil {
		t.Fatalf("unexpected terminal snapshot: %+v", final)
	}
	if final.Progress.Percent != 40 {
		t.Errorf("expected progress frozen at 40, got %d", final.Progress.Percent)
	}

	// A second cancel is a polite no-op.
	status, raw = ts.postJSON(t, "/v1/jobs/"+job.JobID+"/cancel", 3, nil)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 on repeat cancel, got %d (body %s)", status, raw)
	}
	if again := decodeJob(t, raw); !again.AlreadyTerminal || again.State != "CANCELLED" {
		t.Fatalf("unexpected repeat cancel response: %+v", again)
	}
}
