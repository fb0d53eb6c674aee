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

// Package hooks is the inbound surface the external workflow
// orchestrator invokes: quality validation of a dataset, data-quality
// healing after a failed validation task, pipeline-config adjustment
// after an execution failure, and full issue-to-healing recovery
// orchestration. Each hook composes the core components and returns a
// typed result the calling DAG task can branch on.
package hooks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/selfheal/internal/config"
	"github.com/jordigilh/selfheal/internal/validation"
	"github.com/jordigilh/selfheal/pkg/correction"
	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/lineage"
	"github.com/jordigilh/selfheal/pkg/metadata"
	"github.com/jordigilh/selfheal/pkg/orchestrator"
	"github.com/jordigilh/selfheal/pkg/pattern"
	"github.com/jordigilh/selfheal/pkg/rootcause"
	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/shared/logging"
)

// DefaultQualityThreshold is the pass floor Validate applies when the
// caller leaves qualityThreshold at its zero value.
const DefaultQualityThreshold = 0.9

// SampleSource supplies rows from the dataset under validation. The
// concrete reader (warehouse query, object-store scan) is an external
// collaborator; tests and local runs inject an in-memory one.
type SampleSource interface {
	Sample(ctx context.Context, dataset, table string, limit int) ([]map[string]interface{}, error)
}

// ValidationResult is what the validate hook returns to the DAG task.
type ValidationResult struct {
	ValidationID string
	Dataset      string
	Table        string
	QualityScore float64
	Threshold    float64
	Passed       bool
	RuleResults  []RuleResult
}

// RuleResult is one rule's outcome over the sampled rows.
type RuleResult struct {
	Rule    string
	Column  string
	Checked int
	Failed  int
}

// HealingResult is what the heal_data_quality hook returns.
type HealingResult struct {
	HealingID  string
	PatternID  string
	ActionID   string
	Status     string
	Successful bool
	Reason     string
}

// AdjustmentResult is what the adjust_pipeline hook returns. The
// adjusted config is handed back to the workflow orchestrator, which
// owns applying it to the next run.
type AdjustmentResult struct {
	PipelineID     string
	ExecutionID    string
	Adjusted       bool
	Strategy       string
	AdjustedConfig map[string]interface{}
	Confidence     float64
}

// RecoveryResult is what the orchestrate_recovery hook returns.
type RecoveryResult struct {
	IssueID    string
	HealingID  string
	Status     string
	Successful bool
	Reason     string
}

// Hooks composes the self-healing core behind the four inbound
// operations. meta, classify, patterns and orch are required. lineageG
// and rootCause may be nil (no validation lineage edge is recorded, and
// the classifier's recommended action stands in for a root cause);
// adjuster is only needed by AdjustPipeline and samples only by Validate.
type Hooks struct {
	meta      *metadata.Store
	lineageG  *lineage.Graph
	classify  issue.Classifier
	patterns  *pattern.Recognizer
	rootCause *rootcause.Analyzer
	orch      *orchestrator.Orchestrator
	adjuster  correction.Engine
	samples   SampleSource

	mode            config.HealingMode
	environment     string
	autoThreshold   float64
	actionThreshold float64
	sampleLimit     int
	nextID          func() string
	nowFn           func() time.Time
	logger          *zap.Logger
}

// Config carries the hook-level knobs.
type Config struct {
	Mode            config.HealingMode
	Environment     string
	AutoThreshold   float64 // approval_required_below_confidence
	ActionThreshold float64
	SampleLimit     int
}

// New builds the hook surface. adjuster is the pipeline-adjustment
// engine used by AdjustPipeline; samples may be nil if Validate is
// never called.
func New(
	meta *metadata.Store,
	lineageG *lineage.Graph,
	classify issue.Classifier,
	patterns *pattern.Recognizer,
	rootCause *rootcause.Analyzer,
	orch *orchestrator.Orchestrator,
	adjuster correction.Engine,
	samples SampleSource,
	cfg Config,
	nextID func() string,
	now func() time.Time,
) *Hooks {
	if cfg.Mode == "" {
		cfg.Mode = config.HealingModeAutomatic
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = 1000
	}
	return &Hooks{
		meta: meta, lineageG: lineageG, classify: classify,
		patterns: patterns, rootCause: rootCause, orch: orch,
		adjuster: adjuster, samples: samples,
		mode:            cfg.Mode,
		environment:     cfg.Environment,
		autoThreshold:   cfg.AutoThreshold,
		actionThreshold: cfg.ActionThreshold,
		sampleLimit:     cfg.SampleLimit,
		nextID:          nextID,
		nowFn:           now,
		logger:          zap.NewNop(),
	}
}

// SetLogger replaces the hooks' no-op logger. Optional — call once
// after New, before concurrent use begins.
func (h *Hooks) SetLogger(l *zap.Logger) {
	if l != nil {
		h.logger = l
	}
}

// ErrHealingDisabled is returned by the healing hooks when the process
// is configured with healing_mode=disabled.
var ErrHealingDisabled = fmt.Errorf("healing mode is disabled")

// Validate samples rows from dataset.table, evaluates the rule set
// loaded from rulesPath against every row, and records the outcome as
// data-quality metadata plus a validation lineage edge. A zero
// qualityThreshold means DefaultQualityThreshold.
func (h *Hooks) Validate(ctx context.Context, dataset, table, rulesPath string, qualityThreshold float64) (*ValidationResult, error) {
	if err := validation.ValidateStringInput("dataset", dataset, 100); err != nil {
		return nil, err
	}
	if err := validation.ValidateStringInput("table", table, 100); err != nil {
		return nil, err
	}
	if h.samples == nil {
		return nil, selfherrors.ValidationError("samples", "no sample source configured")
	}
	if qualityThreshold <= 0 {
		qualityThreshold = DefaultQualityThreshold
	}

	rules, err := LoadRules(rulesPath)
	if err != nil {
		return nil, err
	}

	rows, err := h.samples.Sample(ctx, dataset, table, h.sampleLimit)
	if err != nil {
		return nil, selfherrors.Wrapf(err, "sample %s.%s for validation", dataset, table)
	}

	result := &ValidationResult{
		ValidationID: h.nextID(),
		Dataset:      dataset,
		Table:        table,
		Threshold:    qualityThreshold,
		RuleResults:  make([]RuleResult, 0, len(rules)),
	}

	checked, failed := 0, 0
	for _, rule := range rules {
		rr := RuleResult{Rule: rule.Name, Column: rule.Column}
		for _, row := range rows {
			ok, err := rule.Evaluate(row)
			if err != nil {
				continue
			}
			rr.Checked++
			if !ok {
				rr.Failed++
			}
		}
		checked += rr.Checked
		failed += rr.Failed
		result.RuleResults = append(result.RuleResults, rr)
	}
	if checked > 0 {
		result.QualityScore = float64(checked-failed) / float64(checked)
	} else {
		result.QualityScore = 1.0
	}
	result.Passed = result.QualityScore >= qualityThreshold

	ruleDocs := make([]map[string]interface{}, 0, len(result.RuleResults))
	for _, rr := range result.RuleResults {
		ruleDocs = append(ruleDocs, map[string]interface{}{
			"rule": rr.Rule, "column": rr.Column, "checked": rr.Checked, "failed": rr.Failed,
		})
	}
	if err := h.meta.TrackDataQualityMetadata(ctx, result.ValidationID, h.environment, map[string]interface{}{
		"dataset":       dataset,
		"table":         table,
		"rules_path":    rulesPath,
		"quality_score": result.QualityScore,
		"threshold":     qualityThreshold,
		"passed":        result.Passed,
		"rule_results":  ruleDocs,
		"component":     "data_quality",
	}); err != nil {
		return nil, err
	}
	if h.lineageG != nil {
		if err := h.lineageG.RecordValidation(ctx, h.nextID(), result.ValidationID,
			lineage.DatasetNode{Dataset: dataset, Table: table}, map[string]interface{}{
				"validation_id": result.ValidationID,
				"quality_score": result.QualityScore,
				"passed":        result.Passed,
			}); err != nil {
			h.logger.Warn("validation lineage record append failed", logging.NewFields().
				Component("hooks").
				Resource("dataset", dataset+"."+table).
				Error(err).
				ToZap()...)
		}
	}

	h.logger.Info("dataset validated", logging.NewFields().
		Component("hooks").
		Operation("validate").
		Resource("dataset", dataset+"."+table).
		Custom("quality_score", result.QualityScore).
		Custom("passed", result.Passed).
		ToZap()...)

	return result, nil
}

// HealDataQuality submits the failed validation task identified by
// validationTaskID for autonomous healing. dataSource carries the
// execution context the correction engine needs (execution_id,
// pipeline_id, staging location).
func (h *Hooks) HealDataQuality(ctx context.Context, validationTaskID string, dataSource map[string]interface{}) (*HealingResult, error) {
	if h.mode == config.HealingModeDisabled {
		return nil, ErrHealingDisabled
	}

	record, err := h.meta.GetMetadataRecord(ctx, validationTaskID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, selfherrors.ValidationError("validation_task_id", "validation task "+validationTaskID+" not found")
	}

	d := descriptorFromValidation(record, dataSource)
	exec, err := h.submitIssue(ctx, d, validationTaskID, dataSource)
	if err != nil {
		return nil, err
	}
	return &HealingResult{
		HealingID:  exec.HealingID,
		PatternID:  exec.PatternID,
		ActionID:   exec.ActionID,
		Status:     string(exec.Status),
		Successful: exec.Successful,
		Reason:     exec.Reason,
	}, nil
}

// AdjustPipeline runs the pipeline-adjustment engine directly against
// pipelineConfig for a failed execution and returns the adjusted
// config for the workflow orchestrator to apply. No HealingExecution
// is created: the adjustment is advisory until the orchestrator
// re-runs the pipeline with it.
func (h *Hooks) AdjustPipeline(ctx context.Context, pipelineID, executionID string, pipelineConfig map[string]interface{}) (*AdjustmentResult, error) {
	if h.mode == config.HealingModeDisabled {
		return nil, ErrHealingDisabled
	}
	if h.adjuster == nil {
		return nil, selfherrors.ValidationError("adjuster", "no pipeline-adjustment engine configured")
	}

	errText := ""
	if em, err := h.meta.GetExecutionMetadata(ctx, executionID, false, false, false); err == nil && em != nil {
		if v, ok := em.Execution["error_details"].(string); ok {
			errText = v
		}
	}
	if errText == "" {
		errText = "pipeline execution failed"
	}

	cl, err := h.classify.Classify(ctx, issue.Descriptor{
		ErrorMessage: errText,
		Component:    "pipeline",
	})
	if err != nil {
		return nil, err
	}
	cl.IssueID = h.nextID()

	res, err := h.adjuster.Apply(ctx, pipelineConfig, cl, rootcause.RootCause{
		Category:          string(cl.Category),
		Type:              cl.IssueType,
		Confidence:        cl.Confidence,
		RecommendedAction: cl.RecommendedAction,
	})
	if err != nil {
		return nil, err
	}

	if err := h.meta.TrackSelfHealingMetadata(ctx, h.nextID(), h.environment, map[string]interface{}{
		"pipeline_id":  pipelineID,
		"execution_id": executionID,
		"operation":    "adjust_pipeline",
		"strategy":     res.Strategy,
		"successful":   res.Successful,
		"confidence":   res.Confidence,
	}); err != nil {
		return nil, err
	}

	return &AdjustmentResult{
		PipelineID:     pipelineID,
		ExecutionID:    executionID,
		Adjusted:       res.Successful,
		Strategy:       res.Strategy,
		AdjustedConfig: res.CorrectedState,
		Confidence:     res.Confidence,
	}, nil
}

// OrchestrateRecovery drives the full classify → match → analyze →
// heal flow for one issue. recoveryContext carries at minimum
// error_message and component, plus execution_id/pipeline_id and the
// dataset coordinates when known.
func (h *Hooks) OrchestrateRecovery(ctx context.Context, issueID string, recoveryContext map[string]interface{}) (*RecoveryResult, error) {
	if h.mode == config.HealingModeDisabled {
		return nil, ErrHealingDisabled
	}

	d := issue.Descriptor{
		ErrorMessage: asString(recoveryContext["error_message"]),
		Component:    asString(recoveryContext["component"]),
		Dataset:      asString(recoveryContext["dataset"]),
		Table:        asString(recoveryContext["table"]),
	}
	if d.ErrorMessage == "" {
		return nil, selfherrors.ValidationError("error_message", "recovery context has no error_message")
	}

	exec, err := h.submitIssue(ctx, d, issueID, recoveryContext)
	if err != nil {
		return nil, err
	}
	return &RecoveryResult{
		IssueID:    issueID,
		HealingID:  exec.HealingID,
		Status:     string(exec.Status),
		Successful: exec.Successful,
		Reason:     exec.Reason,
	}, nil
}

// submitIssue is the shared classify → match → analyze → Submit spine
// behind HealDataQuality and OrchestrateRecovery.
func (h *Hooks) submitIssue(ctx context.Context, d issue.Descriptor, issueID string, state map[string]interface{}) (*orchestrator.Execution, error) {
	cl, err := h.classify.Classify(ctx, d)
	if err != nil {
		return nil, err
	}
	cl.IssueID = issueID

	matches, err := h.patterns.FindMatches(ctx, string(cl.Category), cl.Features)
	if err != nil {
		return nil, err
	}

	var cause rootcause.RootCause
	if h.rootCause != nil {
		analysis, err := h.rootCause.Analyze(ctx, rootcause.Event{
			EventID:   issueID,
			Category:  string(cl.Category),
			Type:      cl.IssueType,
			Component: d.Component,
			Timestamp: h.nowFn(),
		}, cl, d)
		if err != nil {
			return nil, err
		}
		if len(analysis.RootCauses) > 0 {
			cause = analysis.RootCauses[0]
		}
	}
	if cause.RecommendedAction == "" {
		cause.RecommendedAction = cl.RecommendedAction
		cause.Confidence = cl.Confidence
	}

	req := orchestrator.Request{
		ExecutionID:     asString(state["execution_id"]),
		PipelineID:      asString(state["pipeline_id"]),
		Issue:           cl,
		RootCause:       cause,
		Matches:         matches,
		OriginalState:   state,
		AutoThreshold:   h.autoThreshold,
		ActionThreshold: h.actionThreshold,
	}
	if req.ExecutionID == "" {
		req.ExecutionID = issueID
	}

	if h.mode == config.HealingModeAdvisory {
		// Advisory mode stops short of running an engine: record what
		// would have been done and surface it at the approval gate.
		req.AutoThreshold = 1.1
	}
	return h.orch.Submit(ctx, req)
}

// descriptorFromValidation turns a stored data-quality record into the
// issue descriptor the classifier consumes.
func descriptorFromValidation(record, dataSource map[string]interface{}) issue.Descriptor {
	msg := asString(record["error_details"])
	if msg == "" {
		msg = fmt.Sprintf("data quality validation failed with score %v below threshold %v",
			record["quality_score"], record["threshold"])
	}
	d := issue.Descriptor{
		ErrorMessage: msg,
		Component:    "data_quality",
		Dataset:      asString(record["dataset"]),
		Table:        asString(record["table"]),
	}
	if d.Dataset == "" {
		d.Dataset = asString(dataSource["dataset"])
	}
	if d.Table == "" {
		d.Table = asString(dataSource["table"])
	}
	return d
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
