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

package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jordigilh/selfheal/internal/config"
	"github.com/jordigilh/selfheal/pkg/correction"
	"github.com/jordigilh/selfheal/pkg/correction/pipelineadjuster"
	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/lineage"
	"github.com/jordigilh/selfheal/pkg/metadata"
	"github.com/jordigilh/selfheal/pkg/orchestrator"
	"github.com/jordigilh/selfheal/pkg/pattern"
	"github.com/jordigilh/selfheal/pkg/rootcause"
	"github.com/jordigilh/selfheal/pkg/store/memory"
)

type fakeSamples struct {
	rows []map[string]interface{}
	err  error
}

func (f fakeSamples) Sample(_ context.Context, _, _ string, _ int) ([]map[string]interface{}, error) {
	return f.rows, f.err
}

type fakeEngine struct {
	successful bool
}

func (f fakeEngine) Apply(_ context.Context, original map[string]interface{}, _ issue.Classification, _ rootcause.RootCause) (correction.CorrectionResult, error) {
	return correction.CorrectionResult{
		CorrectionID:   "corr-1",
		Strategy:       "fake",
		OriginalState:  original,
		CorrectedState: original,
		Confidence:     0.95,
		Successful:     f.successful,
	}, nil
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

type harness struct {
	meta  *metadata.Store
	hooks *Hooks
}

func newHarness(t *testing.T, cfg Config, samples SampleSource) *harness {
	t.Helper()
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	docs := memory.New(func() int64 { return 0 })
	meta := metadata.New(docs, memory.NewAnalyticalStore(), now)
	graph := lineage.New(docs, now)
	patterns := pattern.New(docs, nil, sequentialIDs("pattern"), now)
	actions := pattern.NewActionStore(docs, sequentialIDs("action"))
	engines := map[pattern.ActionKind]correction.Engine{
		pattern.ActionDataCorrection:      fakeEngine{successful: true},
		pattern.ActionParameterAdjustment: fakeEngine{successful: true},
	}
	orch := orchestrator.New(docs, patterns, actions, graph, engines, sequentialIDs("healing"), now, 3, 10)
	classifier := issue.NewLocalClassifier(nil, issue.DefaultConfidenceThreshold)
	adjuster := pipelineadjuster.New(sequentialIDs("corr"), nil)

	h := New(meta, graph, classifier, patterns, nil, orch, adjuster, samples,
		cfg, sequentialIDs("id"), now)
	return &harness{meta: meta, hooks: h}
}

func TestLoadRules_CompilesAndEvaluates(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: id_not_null
    column: id
    check: value != nil
  - name: amount_positive
    column: amount
    check: value > 0
`)
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("LoadRules() got %d rules, want 2", len(rules))
	}

	ok, err := rules[0].Evaluate(map[string]interface{}{"id": "r1", "amount": 5})
	if err != nil || !ok {
		t.Fatalf("Evaluate(id_not_null, valid row) = %v, %v, want true", ok, err)
	}
	ok, err = rules[1].Evaluate(map[string]interface{}{"id": "r2", "amount": -3})
	if err != nil || ok {
		t.Fatalf("Evaluate(amount_positive, negative row) = %v, %v, want false", ok, err)
	}
}

func TestLoadRules_RejectsEmptyFile(t *testing.T) {
	path := writeRules(t, "rules: []\n")
	if _, err := LoadRules(path); err == nil {
		t.Fatal("LoadRules() on empty rule set expected error")
	}
}

func TestValidate_ScoresAndRecords(t *testing.T) {
	samples := fakeSamples{rows: []map[string]interface{}{
		{"id": "r1", "amount": 10},
		{"id": "r2", "amount": 20},
		{"id": nil, "amount": 30},
		{"id": "r4", "amount": 40},
	}}
	h := newHarness(t, Config{}, samples)
	path := writeRules(t, `
rules:
  - name: id_not_null
    column: id
    check: value != nil
`)

	res, err := h.hooks.Validate(context.Background(), "sales", "orders", path, 0.9)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.QualityScore != 0.75 {
		t.Errorf("QualityScore = %v, want 0.75 (3 of 4 rows pass)", res.QualityScore)
	}
	if res.Passed {
		t.Error("Passed = true, want false at threshold 0.9")
	}
	if len(res.RuleResults) != 1 || res.RuleResults[0].Failed != 1 {
		t.Errorf("RuleResults = %+v, want one rule with 1 failure", res.RuleResults)
	}

	record, err := h.meta.GetMetadataRecord(context.Background(), res.ValidationID)
	if err != nil {
		t.Fatalf("GetMetadataRecord() error = %v", err)
	}
	if record == nil {
		t.Fatal("Validate() did not track a data-quality metadata record")
	}
	if passed, _ := record["passed"].(bool); passed {
		t.Error("tracked record passed = true, want false")
	}
}

func TestValidate_PassesAboveThreshold(t *testing.T) {
	samples := fakeSamples{rows: []map[string]interface{}{
		{"id": "r1"}, {"id": "r2"},
	}}
	h := newHarness(t, Config{}, samples)
	path := writeRules(t, `
rules:
  - name: id_not_null
    column: id
    check: value != nil
`)

	res, err := h.hooks.Validate(context.Background(), "sales", "orders", path, 0)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !res.Passed || res.QualityScore != 1.0 {
		t.Errorf("Validate() = score %v passed %v, want 1.0/true", res.QualityScore, res.Passed)
	}
	if res.Threshold != DefaultQualityThreshold {
		t.Errorf("Threshold = %v, want default %v", res.Threshold, DefaultQualityThreshold)
	}
}

func TestValidate_NoSampleSource(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	if _, err := h.hooks.Validate(context.Background(), "d", "t", "rules.yaml", 0.9); err == nil {
		t.Fatal("Validate() without a sample source expected error")
	}
}

func TestHealDataQuality_EndToEnd(t *testing.T) {
	h := newHarness(t, Config{AutoThreshold: 0.8}, nil)
	ctx := context.Background()

	err := h.meta.TrackDataQualityMetadata(ctx, "val-1", "development", map[string]interface{}{
		"dataset":       "sales",
		"table":         "orders",
		"error_details": "schema mismatch: column amount missing",
		"quality_score": 0.4,
		"threshold":     0.9,
		"passed":        false,
	})
	if err != nil {
		t.Fatalf("TrackDataQualityMetadata() error = %v", err)
	}

	res, err := h.hooks.HealDataQuality(ctx, "val-1", map[string]interface{}{
		"execution_id": "exec-1",
		"pipeline_id":  "pipe-1",
	})
	if err != nil {
		t.Fatalf("HealDataQuality() error = %v", err)
	}
	if res.Status != string(orchestrator.StateSuccess) {
		t.Errorf("HealDataQuality() status = %v, want SUCCESS", res.Status)
	}
	if !res.Successful {
		t.Error("HealDataQuality() successful = false, want true")
	}
	if res.HealingID == "" || res.ActionID == "" {
		t.Errorf("HealDataQuality() result missing ids: %+v", res)
	}
}

func TestHealDataQuality_UnknownValidation(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	if _, err := h.hooks.HealDataQuality(context.Background(), "missing", nil); err == nil {
		t.Fatal("HealDataQuality() on unknown validation expected error")
	}
}

func TestAdjustPipeline_IncreasesTimeout(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	err := h.meta.TrackPipelineExecution(ctx, "exec-1", "pipe-1", "development", "FAILED", map[string]interface{}{
		"error_details": "task timed out after 300 seconds",
	})
	if err != nil {
		t.Fatalf("TrackPipelineExecution() error = %v", err)
	}

	res, err := h.hooks.AdjustPipeline(ctx, "pipe-1", "exec-1", map[string]interface{}{
		"timeout_seconds": 300.0,
		"batch_size":      1.0,
	})
	if err != nil {
		t.Fatalf("AdjustPipeline() error = %v", err)
	}
	if !res.Adjusted {
		t.Fatal("AdjustPipeline() adjusted = false, want true")
	}
	if res.Strategy != pipelineadjuster.StrategyIncreaseTimeout {
		t.Errorf("Strategy = %v, want %v", res.Strategy, pipelineadjuster.StrategyIncreaseTimeout)
	}
	if got, _ := res.AdjustedConfig["timeout_seconds"].(float64); got != 600.0 {
		t.Errorf("adjusted timeout_seconds = %v, want 600", got)
	}
}

func TestOrchestrateRecovery_SubmitsHealing(t *testing.T) {
	h := newHarness(t, Config{AutoThreshold: 0.8}, nil)

	res, err := h.hooks.OrchestrateRecovery(context.Background(), "issue-1", map[string]interface{}{
		"error_message": "schema mismatch: field type changed",
		"component":     "load_task",
		"execution_id":  "exec-9",
		"pipeline_id":   "pipe-9",
	})
	if err != nil {
		t.Fatalf("OrchestrateRecovery() error = %v", err)
	}
	if res.Status != string(orchestrator.StateSuccess) {
		t.Errorf("OrchestrateRecovery() status = %v, want SUCCESS", res.Status)
	}
	if res.IssueID != "issue-1" {
		t.Errorf("IssueID = %v, want issue-1", res.IssueID)
	}
}

func TestOrchestrateRecovery_MissingErrorMessage(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	if _, err := h.hooks.OrchestrateRecovery(context.Background(), "issue-1", map[string]interface{}{}); err == nil {
		t.Fatal("OrchestrateRecovery() without error_message expected error")
	}
}

func TestHealingHooks_DisabledMode(t *testing.T) {
	h := newHarness(t, Config{Mode: config.HealingModeDisabled}, nil)
	ctx := context.Background()

	if _, err := h.hooks.HealDataQuality(ctx, "val-1", nil); !errors.Is(err, ErrHealingDisabled) {
		t.Errorf("HealDataQuality() error = %v, want ErrHealingDisabled", err)
	}
	if _, err := h.hooks.AdjustPipeline(ctx, "p", "e", nil); !errors.Is(err, ErrHealingDisabled) {
		t.Errorf("AdjustPipeline() error = %v, want ErrHealingDisabled", err)
	}
	if _, err := h.hooks.OrchestrateRecovery(ctx, "i", nil); !errors.Is(err, ErrHealingDisabled) {
		t.Errorf("OrchestrateRecovery() error = %v, want ErrHealingDisabled", err)
	}
}

func TestAdvisoryMode_StopsAtApprovalGate(t *testing.T) {
	h := newHarness(t, Config{Mode: config.HealingModeAdvisory, AutoThreshold: 0.5}, nil)

	res, err := h.hooks.OrchestrateRecovery(context.Background(), "issue-adv", map[string]interface{}{
		"error_message": "schema mismatch: field type changed",
		"component":     "load_task",
	})
	if err != nil {
		t.Fatalf("OrchestrateRecovery() error = %v", err)
	}
	if res.Status != string(orchestrator.StateApprovalRequired) {
		t.Errorf("advisory mode status = %v, want APPROVAL_REQUIRED", res.Status)
	}
	if res.Successful {
		t.Error("advisory mode successful = true, want false (nothing ran)")
	}
}
