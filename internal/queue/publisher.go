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

// Package queue publishes task envelopes to the work queues. Each queue is
// a pulse stream over Redis; the routing key doubles as the stream event
// name so workers can subscribe per family. Publishing is best-effort with
// a short bounded retry: a job whose publish ultimately fails stays
// PENDING and is re-published by the recovery sweep.
package queue

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"camforge/internal/canonical"
	"camforge/internal/ctxkeys"
	"camforge/internal/metrics"
	"camforge/internal/routing"
	"camforge/pkg/models"
)

// Envelopes above this many bytes are gzip-compressed before enqueue.
// Workers sniff the gzip magic to know whether to inflate.
const compressThreshold = 1024

var gzipMagic = []byte{0x1f, 0x8b}

// defaultRetryDelays sits between publish attempts: one immediate retry,
// then two short pauses. Anything longer belongs to the recovery sweep.
var defaultRetryDelays = []time.Duration{0, 200 * time.Millisecond, 200 * time.Millisecond}

// Envelope is the task payload workers consume. Params carry the job's
// canonicalized parameters verbatim; CreatedAt is ISO-8601 UTC.
type Envelope struct {
	JobID       string          `json:"job_id"`
	Kind        string          `json:"kind"`
	Params      json.RawMessage `json:"params"`
	SubmittedBy string          `json:"submitted_by"`
	Attempt     int             `json:"attempt"`
	CreatedAt   string          `json:"created_at"`
}

// Stream is the slice of a queue stream the publisher needs.
type Stream interface {
	// Add appends an event to the stream and returns the broker-assigned
	// entry id.
	Add(ctx context.Context, event string, payload []byte) (string, error)
}

// Broker opens named queue streams. *PulseBroker is the production
// implementation; tests substitute in-memory fakes.
type Broker interface {
	Stream(name string) (Stream, error)
}

// BrokerOptions configures the pulse-backed broker.
type BrokerOptions struct {
	// Redis is the connection backing the streams. Required; the caller
	// owns its lifecycle.
	Redis *redis.Client
	// StreamMaxLen bounds entries kept per queue stream. Zero uses pulse
	// defaults.
	StreamMaxLen int
	// OperationTimeout bounds individual Add calls. Zero means no timeout.
	OperationTimeout time.Duration
}

// PulseBroker opens one pulse stream per queue over a shared Redis
// connection and caches the handles.
type PulseBroker struct {
	rdb     *redis.Client
	maxLen  int
	timeout time.Duration

	mu      sync.Mutex
	streams map[string]Stream
}

// NewPulseBroker validates the options and returns a broker.
func NewPulseBroker(opts BrokerOptions) (*PulseBroker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &PulseBroker{
		rdb:     opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		streams: make(map[string]Stream),
	}, nil
}

// Stream returns the handle for a queue, creating it on first use.
func (b *PulseBroker) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	str, err := streaming.NewStream(name, b.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %s: %w", name, err)
	}
	s := &pulseStream{stream: str, timeout: b.timeout}
	b.streams[name] = s
	return s, nil
}

// pulseStream narrows *streaming.Stream to the Stream interface and applies
// the broker's operation timeout.
type pulseStream struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (s *pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// Publisher serializes jobs into task envelopes and publishes them onto
// their routed queue.
type Publisher struct {
	broker Broker
	log    *slog.Logger
	delays []time.Duration
}

// NewPublisher returns a publisher with the default retry cadence.
func NewPublisher(broker Broker, log *slog.Logger) *Publisher {
	return &Publisher{broker: broker, log: log, delays: defaultRetryDelays}
}

// Publish routes the job, builds its envelope, and adds it to the queue's
// stream under the routing key. It returns the broker entry id, which the
// caller records as the job's broker task id when marking it QUEUED. The
// job row must already be committed.
func (p *Publisher) Publish(ctx context.Context, job *models.Job) (string, error) {
	route, err := routing.Lookup(job.Kind)
	if err != nil {
		return "", err
	}

	env := Envelope{
		JobID:       job.ID,
		Kind:        job.Kind.String(),
		Params:      job.Params,
		SubmittedBy: job.SubmittedBy,
		Attempt:     job.Attempts,
		CreatedAt:   canonical.FormatTime(job.CreatedAt),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if len(payload) > compressThreshold {
		if payload, err = compress(payload); err != nil {
			return "", fmt.Errorf("compress envelope: %w", err)
		}
	}

	stream, err := p.broker.Stream(route.Queue)
	if err != nil {
		return "", fmt.Errorf("open stream %s: %w", route.Queue, err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= len(p.delays); attempt++ {
		if attempt > 0 {
			metrics.IncPublishRetry(route.Queue)
			cid := ctxkeys.GetCorrelationID(ctx)
			if cid != "" {
				p.log.Debug("publish retry", "queue", route.Queue, "job_id", job.ID, "attempt", attempt, "sleep", p.delays[attempt-1], "err", lastErr, "correlation_id", cid)
			} else {
				p.log.Debug("publish retry", "queue", route.Queue, "job_id", job.ID, "attempt", attempt, "sleep", p.delays[attempt-1], "err", lastErr)
			}
			timer := time.NewTimer(p.delays[attempt-1])
			select {
			case <-ctx.Done():
				timer.Stop()
				metrics.ObservePublish(route.Queue, false, time.Since(start))
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		id, err := stream.Add(ctx, route.RoutingKey, payload)
		if err == nil {
			metrics.ObservePublish(route.Queue, true, time.Since(start))
			return id, nil
		}
		lastErr = err
	}

	metrics.ObservePublish(route.Queue, false, time.Since(start))
	return "", fmt.Errorf("publish job %s to %s: %w", job.ID, route.Queue, lastErr)
}

// Decode parses a task payload read off a stream, inflating it first when
// the gzip magic is present.
func Decode(payload []byte) (*Envelope, error) {
	if bytes.HasPrefix(payload, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("open gzip envelope: %w", err)
		}
		defer zr.Close()
		if payload, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("inflate envelope: %w", err)
		}
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
