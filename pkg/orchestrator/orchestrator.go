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

// Package orchestrator implements the at-most-one-active, auditable
// state machine per healing attempt. It selects one of the correction
// engines (directly, or a pre-selected action for manual healing),
// drives execution through the approval gate when confidence is low,
// and atomically records the outcome against the owning pattern and
// action counters.
package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/selfheal/pkg/correction"
	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/lineage"
	"github.com/jordigilh/selfheal/pkg/notification"
	"github.com/jordigilh/selfheal/pkg/observability"
	"github.com/jordigilh/selfheal/pkg/pattern"
	"github.com/jordigilh/selfheal/pkg/rootcause"
	"github.com/jordigilh/selfheal/pkg/store"
)

const collection = "healing_executions"

// State is one step of the healing state machine.
type State string

const (
	StatePending           State = "PENDING"
	StateInProgress        State = "IN_PROGRESS"
	StateApprovalRequired  State = "APPROVAL_REQUIRED"
	StateApproved          State = "APPROVED"
	StateRejected          State = "REJECTED"
	StateSuccess           State = "SUCCESS"
	StateFailed            State = "FAILED"
)

func (s State) terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

// Execution is one HealingExecution record.
type Execution struct {
	HealingID       string                 `json:"healing_id"`
	ExecutionID     string                 `json:"execution_id"`
	PipelineID      string                 `json:"pipeline_id"`
	PatternID       string                 `json:"pattern_id"`
	ActionID        string                 `json:"action_id"`
	ValidationID    string                 `json:"validation_id,omitempty"`
	Status          State                  `json:"status"`
	Confidence      float64                `json:"confidence"`
	IssueSignature  string                 `json:"issue_signature"`
	StartTime       time.Time              `json:"start_time"`
	CompletionTime  *time.Time             `json:"completion_time,omitempty"`
	ApprovalByTime  *time.Time             `json:"approval_by_time,omitempty"`
	IssueDetails    map[string]interface{} `json:"issue_details"`
	ExecutionDetails map[string]interface{} `json:"execution_details,omitempty"`
	Metrics         map[string]interface{} `json:"metrics,omitempty"`
	Successful      bool                   `json:"successful"`
	Reason          string                 `json:"reason,omitempty"`
	Forced          bool                   `json:"forced,omitempty"`
}

func execToDoc(e Execution) map[string]interface{} {
	doc := map[string]interface{}{
		"healing_id":      e.HealingID,
		"execution_id":    e.ExecutionID,
		"pipeline_id":     e.PipelineID,
		"pattern_id":      e.PatternID,
		"action_id":       e.ActionID,
		"validation_id":   e.ValidationID,
		"status":          string(e.Status),
		"confidence":      e.Confidence,
		"issue_signature": e.IssueSignature,
		"start_time":      e.StartTime,
		"issue_details":   e.IssueDetails,
		"successful":      e.Successful,
		"reason":          e.Reason,
		"forced":          e.Forced,
	}
	if e.CompletionTime != nil {
		doc["completion_time"] = *e.CompletionTime
	}
	if e.ApprovalByTime != nil {
		doc["approval_by_time"] = *e.ApprovalByTime
	}
	if e.ExecutionDetails != nil {
		doc["execution_details"] = e.ExecutionDetails
	}
	if e.Metrics != nil {
		doc["metrics"] = e.Metrics
	}
	return doc
}

func execFromDoc(doc map[string]interface{}) Execution {
	e := Execution{
		HealingID:      asString(doc["healing_id"]),
		ExecutionID:    asString(doc["execution_id"]),
		PipelineID:     asString(doc["pipeline_id"]),
		PatternID:      asString(doc["pattern_id"]),
		ActionID:       asString(doc["action_id"]),
		ValidationID:   asString(doc["validation_id"]),
		Status:         State(asString(doc["status"])),
		IssueSignature: asString(doc["issue_signature"]),
		Reason:         asString(doc["reason"]),
	}
	if v, ok := doc["confidence"].(float64); ok {
		e.Confidence = v
	}
	if v, ok := doc["successful"].(bool); ok {
		e.Successful = v
	}
	if v, ok := doc["forced"].(bool); ok {
		e.Forced = v
	}
	if v, ok := doc["start_time"].(time.Time); ok {
		e.StartTime = v
	}
	if v, ok := doc["completion_time"].(time.Time); ok {
		e.CompletionTime = &v
	}
	if v, ok := doc["approval_by_time"].(time.Time); ok {
		e.ApprovalByTime = &v
	}
	if m, ok := doc["issue_details"].(map[string]interface{}); ok {
		e.IssueDetails = m
	}
	if m, ok := doc["execution_details"].(map[string]interface{}); ok {
		e.ExecutionDetails = m
	}
	if m, ok := doc["metrics"].(map[string]interface{}); ok {
		e.Metrics = m
	}
	return e
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// DefaultMaxRecoveryAttempts is the default cap on healing
// executions per (execution_id, issue signature).
const DefaultMaxRecoveryAttempts = 3

// DefaultQueueDepth is the default bounded healing-queue depth per
// pipeline.
const DefaultQueueDepth = 10

// Request is one issue submitted for autonomous healing.
type Request struct {
	ExecutionID    string
	PipelineID     string
	Issue          issue.Classification
	RootCause      rootcause.RootCause
	Matches        []pattern.Match
	OriginalState   map[string]interface{}
	AutoThreshold   float64 // confidence at/above which the engine runs immediately (approval_required_below_confidence)
	ActionThreshold float64 // success-rate floor an existing action must clear for rule 1 (falls back to DefaultActionThreshold)
	Force           bool    // manual healing only: bypass the approval gate
	ManualActionID  string  // manual healing only: pre-selected action, bypasses strategy selection
}

// Signature is the issue-identity key the retry policy counts
// healing attempts against: ("execution_id, issue signature").
func Signature(iss issue.Classification) string {
	return string(iss.Category) + ":" + iss.IssueType
}

// Orchestrator is the recovery orchestrator.
type Orchestrator struct {
	docs       store.DocumentStore
	patterns   *pattern.Recognizer
	actions    *pattern.ActionStore
	lineageG    *lineage.Graph
	engineTable map[pattern.ActionKind]correction.Engine
	nextID      func() string
	nowFn       func() time.Time
	maxAttempts int
	queueDepth  int
	metrics     *observability.Metrics
	notifier    *notification.Emitter
	logger      *zap.Logger

	mu     sync.Mutex
	queues map[string]chan struct{} // pipelineID -> depth token bucket
}

// SetMetrics attaches a metrics sink the orchestrator reports healing
// outcomes to from terminal(). Optional — call once after New, before
// concurrent use begins.
func (o *Orchestrator) SetMetrics(m *observability.Metrics) {
	o.metrics = m
}

// SetNotifier attaches the escalation-event emitter the orchestrator
// reports the approval gate and terminal FAILED/REJECTED outcomes to
// (escalating to humans). Optional — call once after New,
// before concurrent use begins.
func (o *Orchestrator) SetNotifier(n *notification.Emitter) {
	o.notifier = n
}

// SetLogger replaces the orchestrator's no-op logger. Optional — call
// once after New, before concurrent use begins.
func (o *Orchestrator) SetLogger(l *zap.Logger) {
	if l != nil {
		o.logger = l
	}
}

// New builds an Orchestrator. engines maps an action kind to the correction
// engine that implements it.
func New(
	docs store.DocumentStore,
	patterns *pattern.Recognizer,
	actions *pattern.ActionStore,
	lineageG *lineage.Graph,
	engines map[pattern.ActionKind]correction.Engine,
	nextID func() string,
	now func() time.Time,
	maxAttempts, queueDepth int,
) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRecoveryAttempts
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Orchestrator{
		docs: docs, patterns: patterns, actions: actions, lineageG: lineageG,
		engineTable: engines,
		nextID: nextID, nowFn: now, maxAttempts: maxAttempts, queueDepth: queueDepth,
		queues: make(map[string]chan struct{}),
		logger: zap.NewNop(),
	}
}
