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

package orchestrator

import (
	"context"
	"fmt"

	"github.com/jordigilh/selfheal/internal/validation"
	"github.com/jordigilh/selfheal/pkg/lineage"
	"github.com/jordigilh/selfheal/pkg/notification"
	"github.com/jordigilh/selfheal/pkg/observability"
	"github.com/jordigilh/selfheal/pkg/pattern"
	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/shared/logging"
	"github.com/jordigilh/selfheal/pkg/store"
	"go.opentelemetry.io/otel/attribute"
)

// queueToken returns the per-pipeline admission channel, creating it on
// first use.
func (o *Orchestrator) queueToken(pipelineID string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.queues[pipelineID]
	if !ok {
		ch = make(chan struct{}, o.queueDepth)
		o.queues[pipelineID] = ch
	}
	return ch
}

// acquire reserves one slot in pipelineID's bounded healing queue,
// returning false without blocking if it is already saturated.
func (o *Orchestrator) acquire(pipelineID string) bool {
	select {
	case o.queueToken(pipelineID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// release frees one slot in pipelineID's healing queue, called once an
// execution reaches a terminal state.
func (o *Orchestrator) release(pipelineID string) {
	select {
	case <-o.queueToken(pipelineID):
	default:
	}
}

// existingForSignature returns every HealingExecution already recorded
// for (executionID, signature), most recent semantics irrelevant — the
// caller only needs the count and whether any is non-terminal.
func (o *Orchestrator) existingForSignature(ctx context.Context, executionID, signature string) ([]Execution, error) {
	recs, err := o.docs.Query(ctx, collection, store.Criteria{
		"execution_id":    executionID,
		"issue_signature": signature,
	}, 0)
	if err != nil {
		return nil, selfherrors.DatabaseError("query healing executions for "+executionID, err)
	}
	out := make([]Execution, 0, len(recs))
	for _, rec := range recs {
		out = append(out, execFromDoc(rec.Doc))
	}
	return out, nil
}

// Submit admits an autonomously-detected issue into the healing state
// machine. It enforces the retry policy (at most maxAttempts
// per signature, no duplicate in-flight attempt) and the per-pipeline
// backpressure queue before creating a PENDING HealingExecution and
// immediately advancing it.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Execution, error) {
	signature := Signature(req.Issue)

	prior, err := o.existingForSignature(ctx, req.ExecutionID, signature)
	if err != nil {
		return nil, err
	}
	for _, p := range prior {
		if !p.Status.terminal() {
			return nil, ErrDuplicateInFlight
		}
	}
	if len(prior) >= o.maxAttempts {
		return nil, ErrMaxAttemptsExceeded
	}

	if !o.acquire(req.PipelineID) {
		o.logger.Warn("healing queue full", logging.NewFields().
			Component("orchestrator").
			Custom("pipeline_id", req.PipelineID).
			Custom("execution_id", req.ExecutionID).
			Custom("issue_signature", signature).
			ToZap()...)
		return nil, ErrQueueFull
	}

	exec := Execution{
		HealingID:      o.nextID(),
		ExecutionID:    req.ExecutionID,
		PipelineID:     req.PipelineID,
		ValidationID:   req.Issue.IssueID,
		Status:         StatePending,
		IssueSignature: signature,
		StartTime:      o.nowFn(),
		IssueDetails:   req.Issue.Features,
		Confidence:     req.Issue.Confidence,
	}
	if len(req.Matches) > 0 {
		exec.PatternID = req.Matches[0].Pattern.PatternID
	}

	if err := o.docs.Set(ctx, collection, exec.HealingID, execToDoc(exec)); err != nil {
		o.release(req.PipelineID)
		return nil, selfherrors.DatabaseError("persist healing execution "+exec.HealingID, err)
	}

	return o.advance(ctx, exec, req, req.AutoThreshold)
}

// ManualHeal accepts a pre-selected action, bypassing strategy
// selection. It still goes through the approval gate (confidence vs
// req.AutoThreshold) unless req.Force is true.
func (o *Orchestrator) ManualHeal(ctx context.Context, req Request) (*Execution, error) {
	signature := Signature(req.Issue)
	if !o.acquire(req.PipelineID) {
		o.logger.Warn("healing queue full", logging.NewFields().
			Component("orchestrator").
			Custom("pipeline_id", req.PipelineID).
			Custom("execution_id", req.ExecutionID).
			Custom("issue_signature", signature).
			ToZap()...)
		return nil, ErrQueueFull
	}

	exec := Execution{
		HealingID:      o.nextID(),
		ExecutionID:    req.ExecutionID,
		PipelineID:     req.PipelineID,
		ActionID:       req.ManualActionID,
		ValidationID:   req.Issue.IssueID,
		Status:         StatePending,
		IssueSignature: signature,
		StartTime:      o.nowFn(),
		IssueDetails:   req.Issue.Features,
		Confidence:     req.Issue.Confidence,
		Forced:         req.Force,
	}
	if len(req.Matches) > 0 {
		exec.PatternID = req.Matches[0].Pattern.PatternID
	}
	if err := o.docs.Set(ctx, collection, exec.HealingID, execToDoc(exec)); err != nil {
		o.release(req.PipelineID)
		return nil, selfherrors.DatabaseError("persist healing execution "+exec.HealingID, err)
	}

	return o.advance(ctx, exec, req, req.AutoThreshold)
}

// advance moves exec from PENDING into either an immediate engine run
// or the approval gate, depending on the confidence check.
func (o *Orchestrator) advance(ctx context.Context, exec Execution, req Request, approvalRequiredBelow float64) (*Execution, error) {
	action, confidence, err := o.resolveAction(ctx, exec, req)
	if err != nil {
		return o.failNoStrategy(ctx, exec, req, err)
	}
	exec.ActionID = action.ActionID
	exec.PatternID = firstNonEmpty(exec.PatternID, action.PatternID)
	exec.Confidence = confidence

	if !exec.Forced && confidence < approvalRequiredBelow {
		exec.Status = StateApprovalRequired
		if err := o.persist(ctx, exec); err != nil {
			return nil, err
		}
		o.logger.Info("healing execution awaiting approval", logging.NewFields().
			Component("orchestrator").
			Custom("healing_id", exec.HealingID).
			Custom("action_id", exec.ActionID).
			Custom("confidence", confidence).
			Custom("approval_required_below", approvalRequiredBelow).
			ToZap()...)
		o.escalate(ctx, exec, notification.SeverityMedium, "confidence below approval threshold")
		return &exec, nil
	}

	exec.Status = StateInProgress
	if err := o.persist(ctx, exec); err != nil {
		return nil, err
	}
	return o.runEngine(ctx, exec, req, action)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// resolveAction either looks up the pre-selected manual action or runs
// strategy selection.
func (o *Orchestrator) resolveAction(ctx context.Context, exec Execution, req Request) (pattern.Action, float64, error) {
	if req.ManualActionID != "" {
		a, err := o.actions.Get(ctx, req.ManualActionID)
		if err != nil {
			return pattern.Action{}, 0, err
		}
		if a == nil {
			return pattern.Action{}, 0, fmt.Errorf("manual action %s not found", req.ManualActionID)
		}
		return *a, req.Issue.Confidence, nil
	}
	sel, err := o.selectStrategy(ctx, req, req.ActionThreshold)
	if err != nil {
		return pattern.Action{}, 0, err
	}
	return sel.action, sel.confidence, nil
}

// Approve transitions an APPROVAL_REQUIRED execution to IN_PROGRESS and
// runs its engine.
func (o *Orchestrator) Approve(ctx context.Context, healingID string, req Request) (*Execution, error) {
	exec, err := o.get(ctx, healingID)
	if err != nil {
		return nil, err
	}
	if exec.Status != StateApprovalRequired {
		return nil, ErrNotApprovalRequired
	}
	action, err := o.actions.Get(ctx, exec.ActionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, fmt.Errorf("action %s not found", exec.ActionID)
	}
	exec.Status = StateInProgress
	if err := o.persist(ctx, *exec); err != nil {
		return nil, err
	}
	return o.runEngine(ctx, *exec, req, *action)
}

// Reject transitions an APPROVAL_REQUIRED execution to REJECTED
// (terminal, successful=false), without ever applying the action.
func (o *Orchestrator) Reject(ctx context.Context, healingID, reason string) (*Execution, error) {
	exec, err := o.get(ctx, healingID)
	if err != nil {
		return nil, err
	}
	if exec.Status != StateApprovalRequired {
		return nil, ErrNotApprovalRequired
	}
	return o.terminal(ctx, *exec, StateRejected, false, reason, nil)
}

func (o *Orchestrator) get(ctx context.Context, healingID string) (*Execution, error) {
	rec, err := o.docs.Get(ctx, collection, healingID)
	if err != nil {
		return nil, selfherrors.DatabaseError("get healing execution "+healingID, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	exec := execFromDoc(rec.Doc)
	return &exec, nil
}

func (o *Orchestrator) persist(ctx context.Context, exec Execution) error {
	if err := o.docs.Set(ctx, collection, exec.HealingID, execToDoc(exec)); err != nil {
		return selfherrors.DatabaseError("persist healing execution "+exec.HealingID, err)
	}
	return nil
}

// runEngine invokes the engine for action.Kind against req.OriginalState
// and resolves the execution to its terminal state.
func (o *Orchestrator) runEngine(ctx context.Context, exec Execution, req Request, action pattern.Action) (*Execution, error) {
	engine, ok := o.engineTable[action.Kind]
	if !ok || engine == nil {
		return o.terminal(ctx, exec, StateFailed, false, "no engine registered for action kind "+string(action.Kind), nil)
	}

	ctx, end := observability.Span(ctx, "orchestrator.engine.apply",
		attribute.String("action_kind", string(action.Kind)),
		attribute.String("healing_id", exec.HealingID),
	)
	result, err := engine.Apply(ctx, req.OriginalState, req.Issue, req.RootCause)
	end(err)
	if err != nil {
		return o.terminal(ctx, exec, StateFailed, false, err.Error(), nil)
	}

	details := map[string]interface{}{
		"strategy":        result.Strategy,
		"corrected_state": result.CorrectedState,
		"metadata":        result.Metadata,
	}
	if result.Successful {
		return o.terminal(ctx, exec, StateSuccess, true, "", details)
	}
	return o.terminal(ctx, exec, StateFailed, false, "engine reported unsuccessful correction", details)
}

// failNoStrategy records a FAILED execution when strategy selection
// could not produce a viable action (selection rule 3).
func (o *Orchestrator) failNoStrategy(ctx context.Context, exec Execution, req Request, cause error) (*Execution, error) {
	exec.Status = StateInProgress
	if err := o.persist(ctx, exec); err != nil {
		return nil, err
	}
	return o.terminal(ctx, exec, StateFailed, false, cause.Error(), nil)
}

// terminal performs the atomic terminal transition: the healing
// execution's own status/completion_time, its owning pattern's
// counters, and its owning action's counters are all written through
// one store.TransactUpdate, so no intermediate observer ever sees one
// update applied without the other. It then
// releases the pipeline's queue slot and appends the (separate,
// append-only, idempotent) lineage healing record.
func (o *Orchestrator) terminal(ctx context.Context, exec Execution, status State, successful bool, reason string, details map[string]interface{}) (*Execution, error) {
	now := o.nowFn()
	exec.Status = status
	exec.CompletionTime = &now
	exec.Successful = successful
	exec.Reason = reason
	if details != nil {
		exec.ExecutionDetails = details
	}

	mutations := []store.Mutation{
		{Collection: collection, ID: exec.HealingID, Fn: func(_ map[string]interface{}) (map[string]interface{}, error) {
			return execToDoc(exec), nil
		}},
	}
	if status != StateRejected {
		if exec.PatternID != "" {
			mutations = append(mutations, pattern.PatternStatsMutation(exec.PatternID, successful, o.nowFn))
		}
		if exec.ActionID != "" {
			mutations = append(mutations, pattern.ActionStatsMutation(exec.ActionID, successful))
		}
	}

	if _, err := o.docs.TransactUpdate(ctx, mutations); err != nil {
		return nil, selfherrors.Wrapf(err, "terminal transition for healing execution %s", exec.HealingID)
	}

	o.release(exec.PipelineID)
	o.emitLineage(ctx, exec)
	o.metrics.ObserveHealingOutcome(string(status), now.Sub(exec.StartTime).Seconds())

	o.logger.Info("healing execution terminal", logging.NewFields().
		Component("orchestrator").
		Custom("healing_id", exec.HealingID).
		Custom("status", string(status)).
		Custom("successful", successful).
		Custom("reason", validation.SanitizeForLogging(reason)).
		Duration(now.Sub(exec.StartTime)).
		ToZap()...)

	if status == StateFailed || status == StateRejected {
		sev := notification.SeverityHigh
		if status == StateRejected {
			sev = notification.SeverityMedium
		}
		o.escalate(ctx, exec, sev, reason)
	}

	return &exec, nil
}

// escalate emits an EscalationEvent for a healing execution a human
// now needs to act on. Best-effort: a
// delivery failure is logged-and-swallowed, matching emitLineage's own
// reasoning — an escalation notice is not part of the terminal
// transition's atomicity guarantee.
func (o *Orchestrator) escalate(ctx context.Context, exec Execution, severity notification.Severity, reason string) {
	if o.notifier == nil {
		return
	}
	category, _ := exec.IssueDetails["category"].(string)
	err := o.notifier.Emit(ctx, notification.EscalationEvent{
		HealingID:   exec.HealingID,
		ExecutionID: exec.ExecutionID,
		PipelineID:  exec.PipelineID,
		PatternID:   exec.PatternID,
		ActionID:    exec.ActionID,
		Category:    category,
		Severity:    severity,
		Reason:      reason,
		Details:     exec.IssueDetails,
		OccurredAt:  o.nowFn(),
	})
	if err != nil {
		o.logger.Warn("escalation delivery failed", logging.NewFields().
			Component("orchestrator").
			Custom("healing_id", exec.HealingID).
			Error(err).
			ToZap()...)
	}
}

// emitLineage appends a healing lineage edge when the issue details
// carry a dataset/table; lineage emission failure is logged-and-
// swallowed rather than propagated, since the graph is a derived,
// eventually-consistent view and must never roll back an
// already-committed healing outcome.
func (o *Orchestrator) emitLineage(ctx context.Context, exec Execution) {
	if o.lineageG == nil {
		return
	}
	dataset, _ := exec.IssueDetails["dataset"].(string)
	table, _ := exec.IssueDetails["table"].(string)
	if dataset == "" || table == "" {
		return
	}
	err := o.lineageG.RecordHealing(ctx, o.nextID(), exec.ExecutionID, lineage.DatasetNode{Dataset: dataset, Table: table}, map[string]interface{}{
		"healing_id": exec.HealingID,
		"status":     string(exec.Status),
		"successful": exec.Successful,
	})
	if err != nil {
		o.logger.Warn("lineage healing record append failed", logging.NewFields().
			Component("orchestrator").
			Custom("healing_id", exec.HealingID).
			Resource("dataset", dataset+"."+table).
			Error(err).
			ToZap()...)
	}
}
