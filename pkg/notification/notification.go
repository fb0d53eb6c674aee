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

// Package notification emits the structured escalation events the
// data flow describes ("attempts autonomous remediation before
// escalating to humans") at the one boundary this core owns: building
// and sanitizing the message. Delivery transport itself
// (email, chat) is an external collaborator; pkg/notification/delivery
// supplies one concrete reference backend per real transport so that
// boundary is exercised by something other than an interface.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/jordigilh/selfheal/pkg/notification/delivery"
	"github.com/jordigilh/selfheal/pkg/notification/sanitization"
)

// Severity mirrors the classifier's severities for the purpose of
// deciding how loudly an escalation should be delivered (the
// visibility table: LOW never alerted, MEDIUM/HIGH alerted, CRITICAL
// paged — this package only ever emits at MEDIUM or above, since a
// LOW-severity issue never reaches the escalation path).
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// EscalationEvent is the structured payload emitted when a healing
// execution needs a human: it paused at the approval gate, it was
// rejected, or it terminated FAILED with no further automated recourse.
type EscalationEvent struct {
	HealingID   string
	ExecutionID string
	PipelineID  string
	PatternID   string
	ActionID    string
	Category    string
	Severity    Severity
	Reason      string
	Details     map[string]interface{}
	OccurredAt  time.Time
}

// Emitter turns an EscalationEvent into a sanitized Notification and
// hands it to a delivery.Service. A nil *Emitter is valid everywhere
// one is accepted — Emit is a no-op, so callers that don't want
// escalation delivery wired just never construct one (same convention
// as observability.Metrics and lineage.Graph elsewhere in this module).
type Emitter struct {
	sanitizer *sanitization.Sanitizer
	service   delivery.Service
}

// NewEmitter builds an Emitter that sanitizes with s (a fresh
// sanitization.NewSanitizer() if s is nil) and delivers through svc.
func NewEmitter(svc delivery.Service, s *sanitization.Sanitizer) *Emitter {
	if s == nil {
		s = sanitization.NewSanitizer()
	}
	return &Emitter{sanitizer: s, service: svc}
}

// Emit formats ev into a Notification, sanitizes the body, and
// delivers it. Sanitization failures degrade to the safe fallback
// rather than blocking delivery (BR-NOT-055: never lose an alert to a
// sanitization bug); delivery failures are returned for the caller to
// log-and-swallow, mirroring "lineage emission never rolls back an
// already-committed healing outcome" precedent — an escalation is
// best-effort, not part of the terminal transition's atomicity.
func (e *Emitter) Emit(ctx context.Context, ev EscalationEvent) error {
	if e == nil || e.service == nil {
		return nil
	}
	body, _ := e.sanitizer.SanitizeWithFallback(formatBody(ev))
	n := &delivery.Notification{
		Subject: fmt.Sprintf("[%s] healing %s requires attention: %s", ev.Severity, ev.HealingID, ev.Reason),
		Body:    body,
	}
	return e.service.Deliver(ctx, n)
}

func formatBody(ev EscalationEvent) string {
	return fmt.Sprintf(
		"execution_id: %s\npipeline_id: %s\npattern_id: %s\naction_id: %s\ncategory: %s\nreason: %s\ndetails: %v\noccurred_at: %s",
		ev.ExecutionID, ev.PipelineID, ev.PatternID, ev.ActionID, ev.Category, ev.Reason, ev.Details, ev.OccurredAt.Format(time.RFC3339),
	)
}
