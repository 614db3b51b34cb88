// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alerting delivers high-priority findings to the operator's
// webhook or message bus once triage assigns a priority at or above a
// configured floor (High unless configured otherwise).
// The webhook leg signs every request body the same way the inbound
// webhook receiver in the reference pipeline verifies one, just from the
// other side of the handshake.
package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/abcxyz/secrethunter/pkg/store"
	"github.com/abcxyz/secrethunter/pkg/triage"
)

// SHA256SignatureHeader is the header carrying the HMAC-SHA256 hexdigest of
// the request body, matching the header name GitHub itself uses.
const SHA256SignatureHeader = "X-Hub-Signature-256"

// Alert is the payload POSTed to the configured webhook.
type Alert struct {
	Hash         string    `json:"hash"`
	Repo         string    `json:"repo"`
	DetectorName string    `json:"detector_name"`
	Filename     string    `json:"filename"`
	Severity     string    `json:"severity"`
	Priority     string    `json:"priority"`
	Impact       float64   `json:"impact"`
	Bounty       float64   `json:"bounty"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// Messager is satisfied by pkg/messaging's PubSubMessager, giving alerts an
// unsigned transport used instead of, or alongside, the webhook.
type Messager interface {
	Send(ctx context.Context, msg []byte) error
}

// WebhookSink POSTs a signed JSON alert to a fixed URL.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink constructs a WebhookSink. secret must be non-empty; an
// unsigned alert sink is not offered, since an unauthenticated webhook
// could be used to spam a victim's infrastructure with forged alerts.
func NewWebhookSink(url, secret string, client *http.Client) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("alerting: webhook url is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("alerting: webhook secret is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{url: url, secret: secret, client: client}, nil
}

// Send signs body with HMAC-SHA256 over the webhook secret and POSTs it.
// Invariant: the receiver must be able to recompute an identical digest
// from the raw body and the shared secret alone.
func (w *WebhookSink) Send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SHA256SignatureHeader, Sign(w.secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the "sha256=<hex>" signature GitHub-style webhook consumers
// expect in SHA256SignatureHeader.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher decides, per finding, whether to alert and through which
// transport.
type Dispatcher struct {
	webhook   *WebhookSink
	messager  Messager
	minImpact triage.Priority
}

// NewDispatcher wires whichever transports are configured. Either may be
// nil; a nil Dispatcher call becomes a no-op.
func NewDispatcher(webhook *WebhookSink, messager Messager, minPriority triage.Priority) *Dispatcher {
	return &Dispatcher{webhook: webhook, messager: messager, minImpact: minPriority}
}

// Notify alerts on f if its triage priority meets the configured floor.
func (d *Dispatcher) Notify(ctx context.Context, f store.StoredFinding, rec triage.Record) error {
	if d == nil || (d.webhook == nil && d.messager == nil) {
		return nil
	}
	if rec.Priority < d.minImpact {
		return nil
	}

	alert := Alert{
		Hash:         f.Hash,
		Repo:         f.Repo,
		DetectorName: f.DetectorName,
		Filename:     f.Filename,
		Severity:     f.Severity,
		Priority:     rec.Priority.String(),
		Impact:       rec.Impact,
		Bounty:       rec.Bounty,
		Verified:     f.Verified,
		CreatedAt:    f.CreatedAt,
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alerting: marshal alert: %w", err)
	}

	if d.webhook != nil {
		if err := d.webhook.Send(ctx, body); err != nil {
			return err
		}
	}
	if d.messager != nil {
		if err := d.messager.Send(ctx, body); err != nil {
			return fmt.Errorf("alerting: publish alert: %w", err)
		}
	}
	return nil
}
