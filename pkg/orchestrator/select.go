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
	"sort"

	"github.com/jordigilh/selfheal/pkg/pattern"
)

// recommendedActionKind maps a classifier/analyzer recommended-action string to the
// HealingAction family that implements it, so a root-cause
// recommendation (rule 2 of strategy selection) can be bound to
// a concrete, countable Action even when no pattern already owns one.
var recommendedActionKind = map[string]pattern.ActionKind{
	"data_correction":     pattern.ActionDataCorrection,
	"increase_timeout":     pattern.ActionParameterAdjustment,
	"optimize_execution":   pattern.ActionParameterAdjustment,
	"fix_configuration":    pattern.ActionParameterAdjustment,
	"use_default_config":   pattern.ActionParameterAdjustment,
	"increase_resources":   pattern.ActionResourceScaling,
	"optimize_resource_usage": pattern.ActionResourceScaling,
	"retry_with_backoff":   pattern.ActionDependencyResolution,
	"skip_dependency":      pattern.ActionDependencyResolution,
	"schema_evolution":     pattern.ActionSchemaEvolution,
}

// DefaultActionThreshold is the success-rate floor rule 1 of the
// strategy selection requires of a pattern's action before it is
// eligible for automatic selection, used when Request.ActionThreshold
// is left at its zero value.
const DefaultActionThreshold = 0.7

// selection is the outcome of strategy selection: the Action to run
// and the confidence it should be evaluated against the approval gate
// with.
type selection struct {
	action     pattern.Action
	confidence float64
}

// selectStrategy implements the three-rule strategy selection:
//  1. a matching pattern with an active, sufficiently successful
//     action (its own success_rate at or above action_threshold);
//  2. else the highest-confidence root-cause recommendation, bound to
//     a (possibly newly created) Action;
//  3. else escalate with ErrNoViableStrategy.
//
// The classification confidence itself is NOT a rule-1 eligibility
// gate — it only decides, once an action is chosen, whether the
// execution runs immediately or pauses at the approval gate — the
// same action is selected either way; only the gate outcome differs.
func (o *Orchestrator) selectStrategy(ctx context.Context, req Request, actionThreshold float64) (selection, error) {
	if actionThreshold <= 0 {
		actionThreshold = DefaultActionThreshold
	}
	sorted := make([]pattern.Match, len(req.Matches))
	copy(sorted, req.Matches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Similarity > sorted[j].Similarity })

	for _, m := range sorted {
		actions, err := o.actions.ForPattern(ctx, m.Pattern.PatternID)
		if err != nil {
			return selection{}, err
		}
		var best *pattern.Action
		for i := range actions {
			a := actions[i]
			if !a.Active || a.SuccessRate < actionThreshold {
				continue
			}
			if best == nil || a.SuccessRate > best.SuccessRate {
				best = &a
			}
		}
		if best != nil {
			return selection{action: *best, confidence: req.Issue.Confidence}, nil
		}
	}

	if req.RootCause.RecommendedAction != "" {
		kind, ok := recommendedActionKind[req.RootCause.RecommendedAction]
		if !ok {
			kind = pattern.ActionParameterAdjustment
		}
		ownerPatternID := ""
		if len(sorted) > 0 {
			ownerPatternID = sorted[0].Pattern.PatternID
		}
		action, err := o.actionForRecommendation(ctx, ownerPatternID, kind)
		if err != nil {
			return selection{}, err
		}
		return selection{action: action, confidence: req.RootCause.Confidence}, nil
	}

	return selection{}, ErrNoViableStrategy
}

// actionForRecommendation returns the first active action of kind
// owned by patternID, creating one if none exists yet — the root-cause
// fallback path always needs a real, countable Action to attach stats
// to (patterns own their actions).
func (o *Orchestrator) actionForRecommendation(ctx context.Context, patternID string, kind pattern.ActionKind) (pattern.Action, error) {
	existing, err := o.actions.ForPattern(ctx, patternID)
	if err != nil {
		return pattern.Action{}, err
	}
	for _, a := range existing {
		if a.Active && a.Kind == kind {
			return a, nil
		}
	}
	return o.actions.Create(ctx, kind, nil, patternID)
}
