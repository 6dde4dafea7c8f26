// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// BlockedEvent is the payload posted to a tenant's webhook when an action
// is blocked. Simulated validations never produce one.
type BlockedEvent struct {
	Event       string          `json:"event"`
	TenantID    string          `json:"tenant_id"`
	ActionID    string          `json:"action_id"`
	AgentName   string          `json:"agent_name"`
	ActionType  string          `json:"action_type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Reason      string          `json:"reason"`
	MatchedRule string          `json:"matched_rule,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// WebhookNotifier delivers blocked-action events to tenant endpoints.
// Delivery is best-effort and off the hot path: a failed webhook never
// affects the validation verdict.
type WebhookNotifier struct {
	client  *http.Client
	retries int
}

func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client:  &http.Client{Timeout: timeout},
		retries: 3,
	}
}

// NotifyBlocked posts the event to the endpoint, retrying transient
// failures with backoff. Intended to run in its own goroutine.
func (n *WebhookNotifier) NotifyBlocked(ctx context.Context, endpoint string, event BlockedEvent) {
	if endpoint == "" {
		return
	}
	event.Event = "action_blocked"
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := payloadFor(endpoint, event)
	if err != nil {
		log.Printf("Failed to encode webhook payload for %s: %v", event.TenantID, err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < n.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = n.post(ctx, endpoint, body); lastErr == nil {
			webhookSentTotal.WithLabelValues("true").Inc()
			return
		}
	}
	webhookSentTotal.WithLabelValues("false").Inc()
	log.Printf("Webhook delivery failed for tenant %s after %d attempts: %v", event.TenantID, n.retries, lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// payloadFor shapes the event for the destination. Slack and Discord want
// their own envelope; anything else receives the raw event.
func payloadFor(endpoint string, event BlockedEvent) ([]byte, error) {
	text := fmt.Sprintf("🚫 Action blocked: agent '%s' attempted '%s': %s",
		event.AgentName, event.ActionType, event.Reason)

	switch {
	case strings.Contains(endpoint, "hooks.slack.com"):
		return json.Marshal(map[string]string{"text": text})
	case strings.Contains(endpoint, "discord.com/api/webhooks"):
		return json.Marshal(map[string]string{"content": text})
	default:
		return json.Marshal(event)
	}
}
