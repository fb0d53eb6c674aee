/*
Copyright 2025 Jordi Gil.

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

package delivery

import (
	"context"
	"net/http"

	"github.com/slack-go/slack"

	sharedhttp "github.com/jordigilh/selfheal/pkg/shared/http"
)

// SlackDeliveryService posts a Notification to an incoming webhook URL.
// It is the one concrete "escalating to humans" chat-transport adapter
// this core ships — notifier transport itself is an external concern,
// but a reference implementation demonstrates the EscalationEvent
// really does reach a delivery boundary, not just a log line.
type SlackDeliveryService struct {
	webhookURL string
	httpClient *http.Client
	post       func(ctx context.Context, url string, httpClient *http.Client, msg *slack.WebhookMessage) error
}

// NewSlackDeliveryService returns a Service posting to webhookURL via
// the real Slack webhook API, over the shared short-timeout, few-retry
// transport tuned for chat webhooks (pkg/shared/http.SlackClientConfig).
func NewSlackDeliveryService(webhookURL string) *SlackDeliveryService {
	return &SlackDeliveryService{
		webhookURL: webhookURL,
		httpClient: sharedhttp.NewClient(sharedhttp.SlackClientConfig()),
		post:       slack.PostWebhookCustomHTTPContext,
	}
}

// Deliver posts n as a Slack message. Webhook POST failures are
// retryable: a rate-limited or momentarily-down webhook endpoint
// should not permanently drop the escalation.
func (s *SlackDeliveryService) Deliver(ctx context.Context, n *Notification) error {
	msg := &slack.WebhookMessage{
		Text: "*" + n.Subject + "*\n" + n.Body,
	}
	if err := s.post(ctx, s.webhookURL, s.httpClient, msg); err != nil {
		return &RetryableError{Op: "failed to post slack webhook", Cause: err}
	}
	return nil
}
