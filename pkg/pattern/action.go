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

package pattern

import (
	"context"
	"fmt"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

const actionCollection = "healing_actions"

// ActionKind is the closed set of remediation families a HealingAction
// may belong to.
type ActionKind string

const (
	ActionDataCorrection      ActionKind = "data-correction"
	ActionPipelineRetry       ActionKind = "pipeline-retry"
	ActionParameterAdjustment ActionKind = "parameter-adjustment"
	ActionResourceScaling     ActionKind = "resource-scaling"
	ActionSchemaEvolution     ActionKind = "schema-evolution"
	ActionDependencyResolution ActionKind = "dependency-resolution"
)

// Action is a specific, parameterized remediation recipe owned by a
// pattern. success_rate = success_count /
// execution_count, recomputed on every update; only Active actions are
// eligible for the orchestrator's strategy selection.
type Action struct {
	ActionID       string                 `json:"action_id"`
	Kind           ActionKind             `json:"kind"`
	Parameters     map[string]interface{} `json:"parameters"`
	PatternID      string                 `json:"pattern_id"`
	ExecutionCount int                    `json:"execution_count"`
	SuccessCount   int                    `json:"success_count"`
	SuccessRate    float64                `json:"success_rate"`
	Active         bool                   `json:"active"`
}

func actionToDoc(a Action) map[string]interface{} {
	return map[string]interface{}{
		"action_id":       a.ActionID,
		"kind":            string(a.Kind),
		"parameters":      a.Parameters,
		"pattern_id":      a.PatternID,
		"execution_count": a.ExecutionCount,
		"success_count":   a.SuccessCount,
		"success_rate":    a.SuccessRate,
		"active":          a.Active,
	}
}

func actionFromDoc(doc map[string]interface{}) Action {
	a := Action{
		ActionID:  stringField(doc, "action_id"),
		Kind:      ActionKind(stringField(doc, "kind")),
		PatternID: stringField(doc, "pattern_id"),
		Active:    boolField(doc, "active"),
	}
	if m, ok := doc["parameters"].(map[string]interface{}); ok {
		a.Parameters = m
	}
	a.ExecutionCount = intField(doc, "execution_count")
	a.SuccessCount = intField(doc, "success_count")
	a.SuccessRate = floatField(doc, "success_rate")
	return a
}

func stringField(doc map[string]interface{}, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func boolField(doc map[string]interface{}, key string) bool {
	if v, ok := doc[key].(bool); ok {
		return v
	}
	return false
}

func intField(doc map[string]interface{}, key string) int {
	switch v := doc[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func floatField(doc map[string]interface{}, key string) float64 {
	switch v := doc[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// ActionStore manages HealingAction documents. It is kept separate
// from Recognizer's pattern CRUD (distinct collection, distinct
// lifecycle) but shares the same document store and id/clock
// injection style.
type ActionStore struct {
	docs   store.DocumentStore
	nextID func() string
}

// NewActionStore builds an ActionStore.
func NewActionStore(docs store.DocumentStore, nextID func() string) *ActionStore {
	return &ActionStore{docs: docs, nextID: nextID}
}

// Create persists a new, active HealingAction owned by patternID.
func (s *ActionStore) Create(ctx context.Context, kind ActionKind, parameters map[string]interface{}, patternID string) (Action, error) {
	a := Action{
		ActionID:   s.nextID(),
		Kind:       kind,
		Parameters: parameters,
		PatternID:  patternID,
		Active:     true,
	}
	if err := s.docs.Set(ctx, actionCollection, a.ActionID, actionToDoc(a)); err != nil {
		return Action{}, selfherrors.DatabaseError("persist action "+a.ActionID, err)
	}
	return a, nil
}

// Get fetches one action by id.
func (s *ActionStore) Get(ctx context.Context, actionID string) (*Action, error) {
	rec, err := s.docs.Get(ctx, actionCollection, actionID)
	if err != nil {
		return nil, selfherrors.DatabaseError("get action "+actionID, err)
	}
	if rec == nil {
		return nil, nil
	}
	a := actionFromDoc(rec.Doc)
	return &a, nil
}

// ForPattern returns every action owned by patternID.
func (s *ActionStore) ForPattern(ctx context.Context, patternID string) ([]Action, error) {
	recs, err := s.docs.Query(ctx, actionCollection, store.Criteria{"pattern_id": patternID}, 0)
	if err != nil {
		return nil, selfherrors.DatabaseError("query actions for pattern "+patternID, err)
	}
	out := make([]Action, 0, len(recs))
	for _, rec := range recs {
		out = append(out, actionFromDoc(rec.Doc))
	}
	return out, nil
}

// actionStatsMutationFn is the read-modify-write body shared by
// UpdateStats and ActionStatsMutation.
func actionStatsMutationFn(actionID string, successful bool) func(map[string]interface{}) (map[string]interface{}, error) {
	return func(doc map[string]interface{}) (map[string]interface{}, error) {
		if doc == nil {
			return nil, fmt.Errorf("action %s not found", actionID)
		}
		a := actionFromDoc(doc)
		a.ExecutionCount++
		if successful {
			a.SuccessCount++
		}
		if a.ExecutionCount > 0 {
			a.SuccessRate = float64(a.SuccessCount) / float64(a.ExecutionCount)
		}
		return actionToDoc(a), nil
	}
}

// UpdateStats atomically increments an action's execution and (when
// successful) success counters and recomputes success_rate, mirroring
// Recognizer.UpdateStats's invariant for actions.
func (s *ActionStore) UpdateStats(ctx context.Context, actionID string, successful bool) (Action, error) {
	rec, err := s.docs.Update(ctx, actionCollection, actionID, actionStatsMutationFn(actionID, successful))
	if err != nil {
		return Action{}, selfherrors.Wrapf(err, "update stats for action %s", actionID)
	}
	return actionFromDoc(rec.Doc), nil
}

// ActionStatsMutation builds a store.Mutation applying the same
// execution/success-rate update as UpdateStats, for callers (the orchestrator) that
// fold it into a larger store.TransactUpdate.
func ActionStatsMutation(actionID string, successful bool) store.Mutation {
	return store.Mutation{Collection: actionCollection, ID: actionID, Fn: actionStatsMutationFn(actionID, successful)}
}

// Deactivate flips an action's active flag off, removing it from the orchestrator's
// selection pool without deleting its history.
func (s *ActionStore) Deactivate(ctx context.Context, actionID string) error {
	_, err := s.docs.Update(ctx, actionCollection, actionID, func(doc map[string]interface{}) (map[string]interface{}, error) {
		if doc == nil {
			return nil, fmt.Errorf("action %s not found", actionID)
		}
		a := actionFromDoc(doc)
		a.Active = false
		return actionToDoc(a), nil
	})
	if err != nil {
		return selfherrors.Wrapf(err, "deactivate action %s", actionID)
	}
	return nil
}
