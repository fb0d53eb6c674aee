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

// Package issue turns a raw failure signal into a structured
// IssueClassification, either through a local deterministic
// rule engine plus an optional model artifact, or through a remote
// inference endpoint (modelclient.ModelPredictor). Both paths produce
// the same output shape.
package issue

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/jordigilh/selfheal/pkg/classifier"
	"github.com/jordigilh/selfheal/pkg/shared/logging"
)

// Category is the closed taxonomy of issue categories, matching the
// pattern/action category alphabet the recognizer and orchestrator share.
type Category string

const (
	CategoryDataQuality Category = "data-quality"
	CategoryPipeline    Category = "pipeline"
	CategorySystem      Category = "system"
	CategoryResource    Category = "resource"
)

// DefaultConfidenceThreshold is the floor below which a
// classification is downgraded to MANUAL_RECOVERABLE.
const DefaultConfidenceThreshold = 0.85

// Descriptor is the structured issue input: an error message, its
// stack, the component that raised it, the dataset/table in scope (if
// any), and a metrics snapshot taken at failure time.
type Descriptor struct {
	ErrorMessage string
	Stack        string
	Component    string
	Dataset      string
	Table        string
	Metrics      map[string]float64
}

// Classification is the classifier's output. Features carries the extension bag
// consumers match on by enum tag, not string sniffing.
type Classification struct {
	IssueID           string
	Category          Category
	Severity          classifier.Severity
	IssueType         string
	Description       string
	RecommendedAction string
	Confidence        float64
	Recoverability    classifier.Recoverability
	Features          map[string]interface{}
}

// Classifier is the common contract both prediction paths satisfy.
type Classifier interface {
	Classify(ctx context.Context, d Descriptor) (Classification, error)
}

// featureEnv is the expr-lang evaluation environment for local rules.
type featureEnv struct {
	Message   string
	Component string
	Dataset   string
	Table     string
	Metrics   map[string]float64
}

// Rule is one local-mode classification rule: if Program evaluates
// truthy against the issue's featureEnv, the rule's fields populate
// the classification (before confidence weighting).
type Rule struct {
	Category          Category
	IssueType         string
	RecommendedAction string
	BaseConfidence     float64
	Program            *vm.Program
}

// CompileRule compiles a boolean expr-lang expression (evaluated
// against {Message, Component, Dataset, Table, Metrics}) into a Rule.
func CompileRule(category Category, issueType, recommendedAction string, baseConfidence float64, exprSrc string) (Rule, error) {
	program, err := expr.Compile(exprSrc, expr.Env(featureEnv{}), expr.AsBool())
	if err != nil {
		return Rule{}, fmt.Errorf("compile rule %s/%s: %w", category, issueType, err)
	}
	return Rule{Category: category, IssueType: issueType, RecommendedAction: recommendedAction, BaseConfidence: baseConfidence, Program: program}, nil
}

// DefaultRules is the built-in rule set covering one representative
// issue type per category, matched in order (first match wins).
func DefaultRules() []Rule {
	defs := []struct {
		category   Category
		issueType  string
		action     string
		confidence float64
		src        string
	}{
		{CategoryDataQuality, "schema_mismatch", "data_correction", 0.9, `lower(Message) contains "schema" and (lower(Message) contains "mismatch" or lower(Message) contains "missing")`},
		{CategoryDataQuality, "null_violation", "data_correction", 0.85, `lower(Message) contains "null" or lower(Message) contains "missing value"`},
		{CategoryPipeline, "timeout", "increase_timeout", 0.8, `lower(Message) contains "timeout" or lower(Message) contains "timed out"`},
		{CategoryPipeline, "configuration_error", "fix_configuration", 0.75, `lower(Message) contains "config"`},
		{CategorySystem, "dependency_unavailable", "retry_with_backoff", 0.7, `lower(Message) contains "unavailable" or lower(Message) contains "connection"`},
		{CategoryResource, "resource_exhaustion", "increase_resources", 0.8, `lower(Message) contains "memory" or lower(Message) contains "out of" or lower(Message) contains "quota"`},
	}
	rules := make([]Rule, 0, len(defs))
	for _, d := range defs {
		r, err := CompileRule(d.category, d.issueType, d.action, d.confidence, d.src)
		if err != nil {
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

func toFeatureMap(d Descriptor) map[string]interface{} {
	m := map[string]interface{}{
		"error_message": d.ErrorMessage,
		"component":     d.Component,
		"dataset":       d.Dataset,
		"table":         d.Table,
	}
	for k, v := range d.Metrics {
		m["metric_"+k] = v
	}
	return m
}

func severityFor(category Category) classifier.Severity {
	switch category {
	case CategorySystem:
		return classifier.SeverityHigh
	case CategoryResource, CategoryPipeline:
		return classifier.SeverityMedium
	default:
		return classifier.SeverityMedium
	}
}

// applyThreshold downgrades recoverability to MANUAL_RECOVERABLE when
// confidence falls below threshold. The downgrade is logged but the
// classification is still surfaced unchanged otherwise.
func applyThreshold(c *Classification, threshold float64, logger *zap.Logger) {
	if c.Confidence >= threshold {
		return
	}
	c.Recoverability = classifier.ManualRecoverable
	if logger != nil {
		logger.Warn("classification below confidence threshold, downgraded to manual recovery", logging.NewFields().
			Component("issue_classifier").
			Custom("category", string(c.Category)).
			Custom("issue_type", c.IssueType).
			Custom("confidence", c.Confidence).
			Custom("threshold", threshold).
			ToZap()...)
	}
}
