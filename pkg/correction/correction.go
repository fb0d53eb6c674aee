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

// Package correction declares the common contract the three
// correction engines (data corrector, pipeline adjuster, resource
// optimizer) implement.
package correction

import (
	"context"

	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/rootcause"
)

// CorrectionResult is the common output shape every engine produces.
type CorrectionResult struct {
	CorrectionID   string
	Strategy       string
	OriginalState  map[string]interface{}
	CorrectedState map[string]interface{}
	Confidence     float64
	Successful     bool
	Metadata       map[string]interface{}
}

// Engine is the common correction-engine contract: apply a strategy to
// originalState given the classified issue and its root cause.
type Engine interface {
	Apply(ctx context.Context, originalState map[string]interface{}, iss issue.Classification, cause rootcause.RootCause) (CorrectionResult, error)
}

// HistoricalSuccessRate looks up a strategy's historical success rate
// given a category->strategy->rate table, defaulting to 0.5 (neutral
// prior) when no history exists yet.
type HistoricalSuccessRate func(strategy string) float64

// Confidence computes the confidence every engine reports:
// basePrior × historicalSuccessRate(strategy) × classificationConfidence,
// clamped to [0,1].
func Confidence(basePrior float64, historical HistoricalSuccessRate, strategy string, classificationConfidence float64) float64 {
	rate := 0.5
	if historical != nil {
		rate = historical(strategy)
	}
	c := basePrior * rate * classificationConfidence
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
