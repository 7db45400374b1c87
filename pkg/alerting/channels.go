/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/slack-go/slack"
	"knative.dev/pkg/logging"

	"github.com/seanly/NodeGuardian/pkg/config"
)

const (
	webhookTimeout = 30 * time.Second
	chatTimeout    = 10 * time.Second
)

// logChannel writes the alert as a structured log line: warn for
// triggers, info for recoveries.
type logChannel struct{}

func (*logChannel) Send(ctx context.Context, alert *Alert) error {
	log := logging.FromContext(ctx).With("subject", alert.Subject, "severity", alert.Severity)
	if alert.Recovery {
		log.Infow(alert.Body)
	} else {
		log.Warnw(alert.Body)
	}
	return nil
}

// webhookChannel posts the rendered alert with its full fire context to
// the configured endpoint. Non-2xx responses fail the delivery; retries
// are the receiver's concern.
type webhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func newWebhookChannel(cfg config.AlertConfig) *webhookChannel {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = webhookTimeout
	return &webhookChannel{url: cfg.WebhookURL, headers: cfg.WebhookHeaders, client: client}
}

func (w *webhookChannel) Send(ctx context.Context, alert *Alert) error {
	if w.url == "" {
		return fmt.Errorf("webhook channel selected but no webhook URL configured")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"alert": map[string]interface{}{
			"subject":  alert.Subject,
			"body":     alert.Body,
			"severity": alert.Severity,
			"recovery": alert.Recovery,
			"context":  alert.Context,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload, %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("constructing webhook request, %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// chatChannel posts a pre-shaped message to the configured chat endpoint.
type chatChannel struct {
	endpoint string
	client   *http.Client
}

func newChatChannel(cfg config.AlertConfig) *chatChannel {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = chatTimeout
	return &chatChannel{endpoint: cfg.ChatEndpoint, client: client}
}

func (c *chatChannel) Send(ctx context.Context, alert *Alert) error {
	if c.endpoint == "" {
		return fmt.Errorf("chat channel selected but no chat endpoint configured")
	}
	color := "danger"
	if alert.Recovery {
		color = "good"
	}
	msg := &slack.WebhookMessage{
		Text: alert.Subject,
		Attachments: []slack.Attachment{{
			Color:  color,
			Text:   alert.Body,
			Footer: "NodeGuardian",
		}},
	}
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()
	if err := slack.PostWebhookCustomHTTPContext(ctx, c.endpoint, c.client, msg); err != nil {
		return fmt.Errorf("posting chat message, %w", err)
	}
	return nil
}
