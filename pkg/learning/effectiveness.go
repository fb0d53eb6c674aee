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

package learning

import (
	"context"
	"fmt"

	"github.com/jordigilh/selfheal/pkg/pattern"
	sharedmath "github.com/jordigilh/selfheal/pkg/shared/math"
)

// DefaultTrendWindow is the default rolling-window size (in feedback
// records) the effectiveness analyzer evaluates per action.
const DefaultTrendWindow = 20

// Severity classifies how urgent an ImprovementRecommendation is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// ImprovementRecommendation is the Effectiveness Analyzer's output:
// a concrete suggestion to act on one pattern or action.
type ImprovementRecommendation struct {
	Subject      string // "pattern" or "action"
	SubjectID    string
	Recommendation string
	Reason       string
	Severity     Severity
}

// Analyzer is the effectiveness analyzer: it reads per-action
// feedback history and the owning pattern/action aggregate counters,
// and flags actions and patterns whose recent trend has diverged from
// their lifetime success rate.
type Analyzer struct {
	collector *Collector
	patterns  *pattern.Recognizer
	actions   *pattern.ActionStore
	window    int
}

// NewAnalyzer builds an Analyzer. window <= 0 uses DefaultTrendWindow.
func NewAnalyzer(collector *Collector, patterns *pattern.Recognizer, actions *pattern.ActionStore, window int) *Analyzer {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	return &Analyzer{collector: collector, patterns: patterns, actions: actions, window: window}
}

// AnalyzeAction computes actionID's rolling-window success rate over
// its last `window` feedback records and emits a recommendation when
// the trend has gone cold (zero successes in the window, despite a
// non-trivial lifetime history) or has regressed sharply against the
// action's lifetime success rate.
func (a *Analyzer) AnalyzeAction(ctx context.Context, actionID string) (*ImprovementRecommendation, error) {
	action, err := a.actions.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, fmt.Errorf("action %s not found", actionID)
	}

	history, err := a.collector.ForAction(ctx, actionID, a.window)
	if err != nil {
		return nil, err
	}
	if len(history) < a.window || action.ExecutionCount == 0 {
		return nil, nil
	}

	successes := 0
	outcomes := make([]float64, 0, len(history))
	for _, f := range history {
		if f.Successful {
			successes++
			outcomes = append(outcomes, 1)
		} else {
			outcomes = append(outcomes, 0)
		}
	}
	rollingRate := sharedmath.Mean(outcomes)

	if successes == 0 {
		return &ImprovementRecommendation{
			Subject:        "action",
			SubjectID:      actionID,
			Recommendation: "deactivate action " + actionID,
			Reason:         fmt.Sprintf("0 successes in last %d attempts", a.window),
			Severity:       SeverityCritical,
		}, nil
	}

	const regressionMargin = 0.3
	if action.SuccessRate-rollingRate >= regressionMargin {
		return &ImprovementRecommendation{
			Subject:        "action",
			SubjectID:      actionID,
			Recommendation: "review action " + actionID,
			Reason:         fmt.Sprintf("rolling success rate %.2f has regressed against lifetime rate %.2f", rollingRate, action.SuccessRate),
			Severity:       SeverityWarning,
		}, nil
	}

	return nil, nil
}

// AnalyzePattern flags a pattern whose own lifetime success rate has
// fallen below floor despite a meaningful occurrence count, a coarser
// signal than AnalyzeAction since patterns don't carry per-occurrence
// feedback history of their own.
func (a *Analyzer) AnalyzePattern(ctx context.Context, patternID string, minOccurrences int, floor float64) (*ImprovementRecommendation, error) {
	p, err := a.patterns.Get(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Occurrences < minOccurrences {
		return nil, nil
	}
	if p.SuccessRate >= floor {
		return nil, nil
	}
	return &ImprovementRecommendation{
		Subject:        "pattern",
		SubjectID:      patternID,
		Recommendation: "review pattern " + patternID,
		Reason:         fmt.Sprintf("success rate %.2f below floor %.2f over %d occurrences", p.SuccessRate, floor, p.Occurrences),
		Severity:       SeverityWarning,
	}, nil
}

// Sweep runs AnalyzeAction over every action owned by every pattern in
// patternIDs, collecting the non-nil recommendations.
func (a *Analyzer) Sweep(ctx context.Context, patternIDs []string, minOccurrences int, floor float64) ([]ImprovementRecommendation, error) {
	var out []ImprovementRecommendation
	for _, pid := range patternIDs {
		if rec, err := a.AnalyzePattern(ctx, pid, minOccurrences, floor); err != nil {
			return nil, err
		} else if rec != nil {
			out = append(out, *rec)
		}

		actions, err := a.actions.ForPattern(ctx, pid)
		if err != nil {
			return nil, err
		}
		for _, act := range actions {
			rec, err := a.AnalyzeAction(ctx, act.ActionID)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				out = append(out, *rec)
			}
		}
	}
	return out, nil
}
