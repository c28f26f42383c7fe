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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"camforge/pkg/models"
)

// HTTPProvider sends notifications through a JSON-over-HTTP gateway, the
// shape most transactional email and SMS services expose. The gateway's
// answer is classified by status: 2xx succeeded, 429 and 5xx are transient,
// any other 4xx is a permanent rejection.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider builds a gateway adapter. A nil client gets a 30s default
// timeout; the dispatcher's send timeout still applies through ctx.
func NewHTTPProvider(name, endpoint, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{name: name, endpoint: endpoint, apiKey: apiKey, client: client}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

// Send implements Provider.
func (p *HTTPProvider) Send(ctx context.Context, channel models.Channel, recipient, subject, body string, meta map[string]string) (Result, error) {
	payload, err := json.Marshal(map[string]any{
		"channel":   channel,
		"recipient": recipient,
		"subject":   subject,
		"body":      body,
		"meta":      meta,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post to %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, fmt.Errorf("read %s response: %w", p.name, err)
	}
	// Gateways answer JSON; tolerate anything else and fall back to the
	// status code alone.
	var parsed struct {
		MessageID string `json:"message_id"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	}
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Outcome: OutcomeSuccess, MessageID: parsed.MessageID}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{Outcome: OutcomeTransientFail, Code: failCode(parsed.Code, resp.StatusCode), Message: parsed.Message}, nil
	default:
		return Result{Outcome: OutcomePermanentFail, Code: failCode(parsed.Code, resp.StatusCode), Message: parsed.Message}, nil
	}
}

func failCode(code string, status int) string {
	if code != "" {
		return code
	}
	return fmt.Sprintf("http_%d", status)
}

// LogProvider writes notifications to the log instead of sending them, so
// deployments without gateway credentials still drain the queue.
type LogProvider struct {
	name string
	log  *slog.Logger
}

// NewLogProvider returns a provider that records sends at info level.
func NewLogProvider(name string, log *slog.Logger) *LogProvider {
	if log == nil {
		log = slog.Default()
	}
	return &LogProvider{name: name, log: log}
}

// Name implements Provider.
func (p *LogProvider) Name() string { return p.name }

// Send implements Provider.
func (p *LogProvider) Send(_ context.Context, channel models.Channel, recipient, subject, _ string, meta map[string]string) (Result, error) {
	p.log.Info("notification delivered to log",
		"provider", p.name, "channel", channel, "recipient", recipient,
		"subject", subject, "delivery_id", meta["delivery_id"])
	return Result{Outcome: OutcomeSuccess, MessageID: "log-" + meta["delivery_id"]}, nil
}
