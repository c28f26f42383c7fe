package queue

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

// Tests for envelope construction, conditional compression, bounded publish
// retries, and the pulse broker wiring.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"camforge/internal/routing"
	"camforge/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	failures int
	err      error

	calls  int
	events []string
	bodies [][]byte
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	f.events = append(f.events, event)
	f.bodies = append(f.bodies, payload)
	return fmt.Sprintf("%d-0", f.calls), nil
}

type fakeBroker struct {
	streams map[string]*fakeStream
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{streams: make(map[string]*fakeStream)}
}

func (b *fakeBroker) Stream(name string) (Stream, error) {
	s, ok := b.streams[name]
	if !ok {
		s = &fakeStream{}
		b.streams[name] = s
	}
	return s, nil
}

func testPublisher(b Broker) *Publisher {
	p := NewPublisher(b, discardLogger())
	p.delays = []time.Duration{0, 0, 0}
	return p
}

func publishableJob(kind models.Kind, params string) *models.Job {
	j := models.NewJob(42, "user:42", kind, json.RawMessage(params))
	j.ID = "job-1"
	j.CreatedAt = time.Date(2026, 7, 1, 10, 30, 0, 123456789, time.UTC)
	return &j
}

func TestPublishEnvelope(t *testing.T) {
	b := newFakeBroker()
	p := testPublisher(b)

	job := publishableJob(models.KindCAM, `{"model_blob_key":"blob/9","material":"steel","process":"mill3"}`)
	id, err := p.Publish(context.Background(), job)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id != "1-0" {
		t.Fatalf("unexpected entry id: %s", id)
	}

	s := b.streams["cam"]
	if s == nil || s.calls != 1 {
		t.Fatalf("expected one add on the cam stream, got %+v", b.streams)
	}
	if s.events[0] != "jobs.cam" {
		t.Fatalf("routing key mismatch: %s", s.events[0])
	}
	if bytes.HasPrefix(s.bodies[0], gzipMagic) {
		t.Fatal("small envelope was compressed")
	}

	env, err := Decode(s.bodies[0])
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.JobID != "job-1" || env.Kind != "cam" || env.SubmittedBy != "user:42" || env.Attempt != 1 {
		t.Fatalf("envelope mismatch: %+v", env)
	}
	if env.CreatedAt != "2026-07-01T10:30:00.123Z" {
		t.Fatalf("created_at mismatch: %s", env.CreatedAt)
	}
	if string(env.Params) != string(job.Params) {
		t.Fatalf("params mismatch: %s", env.Params)
	}

	// Legacy kinds land on their family queue.
	alias := publishableJob(models.KindGCodePost, `{"toolpath_blob_key":"t"}`)
	if _, err := p.Publish(context.Background(), alias); err != nil {
		t.Fatalf("Publish alias failed: %v", err)
	}
	if s.calls != 2 || s.events[1] != "jobs.cam" {
		t.Fatalf("alias did not reuse the cam stream: %+v", s.events)
	}
}

func TestPublishCompression(t *testing.T) {
	b := newFakeBroker()
	p := testPublisher(b)

	params := fmt.Sprintf(`{"prompt":%q}`, strings.Repeat("a bracket with eight mounting holes ", 64))
	job := publishableJob(models.KindAI, params)
	if _, err := p.Publish(context.Background(), job); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	body := b.streams["default"].bodies[0]
	if !bytes.HasPrefix(body, gzipMagic) {
		t.Fatalf("large envelope was not compressed (%d bytes)", len(body))
	}
	env, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(env.Params) != params {
		t.Fatal("params did not survive compression round trip")
	}
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	brokerErr := errors.New("stream unavailable")
	b := newFakeBroker()
	b.streams["erp"] = &fakeStream{failures: 2, err: brokerErr}
	p := testPublisher(b)

	id, err := p.Publish(context.Background(), publishableJob(models.KindERP, `{"operation":"stock_sync"}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id != "3-0" {
		t.Fatalf("unexpected entry id: %s", id)
	}
	if b.streams["erp"].calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", b.streams["erp"].calls)
	}
}

func TestPublishExhaustsRetries(t *testing.T) {
	brokerErr := errors.New("stream unavailable")
	b := newFakeBroker()
	b.streams["sim"] = &fakeStream{failures: 99, err: brokerErr}
	p := testPublisher(b)

	_, err := p.Publish(context.Background(), publishableJob(models.KindSim, `{"setup_blob_key":"s"}`))
	if !errors.Is(err, brokerErr) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
	// One initial try plus one per configured delay.
	if got := b.streams["sim"].calls; got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestPublishStopsOnCancelledContext(t *testing.T) {
	b := newFakeBroker()
	b.streams["model"] = &fakeStream{failures: 99, err: errors.New("down")}
	p := NewPublisher(b, discardLogger())
	p.delays = []time.Duration{50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Publish(ctx, publishableJob(models.KindModel, `{"box":{"w":1,"h":1,"d":1}}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPublishUnknownKind(t *testing.T) {
	p := testPublisher(newFakeBroker())
	_, err := p.Publish(context.Background(), publishableJob(models.Kind("mystery"), `{}`))
	if !errors.Is(err, routing.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestPulseBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if _, err := NewPulseBroker(BrokerOptions{}); err == nil {
		t.Fatal("NewPulseBroker accepted nil redis")
	}

	b, err := NewPulseBroker(BrokerOptions{Redis: rdb, StreamMaxLen: 100, OperationTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewPulseBroker failed: %v", err)
	}
	if _, err := b.Stream(""); err == nil {
		t.Fatal("Stream accepted empty name")
	}

	s1, err := b.Stream("cam")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	s2, err := b.Stream("cam")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if s1 != s2 {
		t.Fatal("stream handle not cached")
	}

	p := NewPublisher(b, discardLogger())
	id, err := p.Publish(context.Background(), publishableJob(models.KindCAM, `{"model_blob_key":"b","material":"abs","process":"mill3"}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty entry id")
	}

	keys, err := rdb.Keys(context.Background(), "*").Result()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	var found bool
	for _, k := range keys {
		if strings.Contains(k, "cam") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no cam stream key in redis: %v", keys)
	}
}
