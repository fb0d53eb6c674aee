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

package issue

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/expr-lang/expr/vm"
	"github.com/jordigilh/selfheal/pkg/classifier"
)

// ModelArtifact is the local-mode model: a flat set of per-issue-type
// confidence weights, gob-encoded on disk and loaded at startup.
type ModelArtifact struct {
	Weights map[string]float64 // issueType -> confidence multiplier
}

// LoadArtifact decodes a gob-encoded ModelArtifact from path.
func LoadArtifact(path string) (*ModelArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model artifact %s: %w", path, err)
	}
	defer f.Close()

	var a ModelArtifact
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode model artifact %s: %w", path, err)
	}
	return &a, nil
}

// SaveArtifact gob-encodes a into path, for use by the learning
// subsystem's model trainer when it registers a new local-mode
// artifact version.
func SaveArtifact(path string, a *ModelArtifact) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create model artifact %s: %w", path, err)
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(a)
}

// LocalClassifier implements Classifier with a deterministic rule
// engine plus an optional model artifact. The artifact pointer is
// swapped atomically on Reload so no in-flight Classify call can ever
// observe a half-written artifact.
type LocalClassifier struct {
	rules              []Rule
	artifact           atomic.Pointer[ModelArtifact]
	confidenceThreshold float64
	logger              *zap.Logger
}

// SetLogger attaches a logger low-confidence downgrades are reported
// to. Optional — call once after construction, before concurrent use.
func (c *LocalClassifier) SetLogger(l *zap.Logger) {
	c.logger = l
}

// NewLocalClassifier builds a LocalClassifier over rules (DefaultRules
// if nil) with no model artifact loaded; call Reload to attach one.
func NewLocalClassifier(rules []Rule, confidenceThreshold float64) *LocalClassifier {
	if rules == nil {
		rules = DefaultRules()
	}
	if confidenceThreshold <= 0 {
		confidenceThreshold = DefaultConfidenceThreshold
	}
	return &LocalClassifier{rules: rules, confidenceThreshold: confidenceThreshold}
}

// Reload atomically swaps in a freshly loaded model artifact.
func (c *LocalClassifier) Reload(a *ModelArtifact) {
	c.artifact.Store(a)
}

// Classify evaluates the rule set in order against d; the first
// matching rule determines category/issue_type/recommended_action,
// with confidence optionally scaled by the loaded artifact's
// per-issue-type weight. No matching rule yields a system-category
// "unclassified", zero-confidence, MANUAL_RECOVERABLE classification
// rather than an error, since an
// unrecognized issue must still be surfaced for human triage.
func (c *LocalClassifier) Classify(_ context.Context, d Descriptor) (Classification, error) {
	env := featureEnv{Message: d.ErrorMessage, Component: d.Component, Dataset: d.Dataset, Table: d.Table, Metrics: d.Metrics}

	for _, rule := range c.rules {
		out, err := vm.Run(rule.Program, env)
		if err != nil {
			continue
		}
		matched, ok := out.(bool)
		if !ok || !matched {
			continue
		}

		confidence := rule.BaseConfidence
		if a := c.artifact.Load(); a != nil {
			if w, ok := a.Weights[rule.IssueType]; ok {
				confidence *= w
			}
		}
		if confidence > 1 {
			confidence = 1
		}

		cl := Classification{
			Category:          rule.Category,
			Severity:          severityFor(rule.Category),
			IssueType:         rule.IssueType,
			Description:       d.ErrorMessage,
			RecommendedAction: rule.RecommendedAction,
			Confidence:        confidence,
			Recoverability:    classifier.AutoRecoverable,
			Features:          toFeatureMap(d),
		}
		applyThreshold(&cl, c.confidenceThreshold, c.logger)
		return cl, nil
	}

	cl := Classification{
		Category:          CategorySystem,
		Severity:          classifier.SeverityMedium,
		IssueType:         "unclassified",
		Description:       d.ErrorMessage,
		RecommendedAction: "manual_review",
		Confidence:        0.0,
		Recoverability:    classifier.ManualRecoverable,
		Features:          toFeatureMap(d),
	}
	return cl, nil
}
