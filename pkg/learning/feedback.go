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

// Package learning implements the learning subsystem: the feedback
// collector, the effectiveness analyzer, the knowledge base, and the
// model trainer that close the loop between healing outcomes and
// future classifications.
package learning

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/pattern"
	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

const feedbackCollection = "healing_feedback"

// Kind is the closed set of feedback record sources.
type Kind string

const (
	KindAutomatic  Kind = "automatic"  // system metric-based
	KindResolution Kind = "resolution" // pipeline-restart outcome
	KindManual     Kind = "manual"     // user-submitted form
	KindInferred   Kind = "inferred"   // downstream pipeline behaviour
)

// baseWeight is the per-kind weight in the impact formula.
var baseWeight = map[Kind]float64{
	KindAutomatic:  0.2,
	KindResolution: 0.5,
	KindManual:     0.7,
	KindInferred:   0.3,
}

// categoryMultiplier is the category weight in the impact formula.
// Any category other than data-quality/pipeline (system, resource)
// falls back to the "other" multiplier.
func categoryMultiplier(c issue.Category) float64 {
	switch c {
	case issue.CategoryDataQuality:
		return 1.2
	case issue.CategoryPipeline:
		return 0.8
	default:
		return 1.0
	}
}

// Feedback is one record a feedback source submits against a
// HealingAction.
type Feedback struct {
	FeedbackID string                 `json:"feedback_id"`
	ActionID   string                 `json:"action_id"`
	Kind       Kind                   `json:"kind"`
	Category   issue.Category         `json:"category"`
	Confidence float64                `json:"confidence"`
	Successful bool                   `json:"successful"`
	CreatedAt  time.Time              `json:"created_at"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Impact is the weight a feedback record carries into training data
// record: impact = base(kind) · confidence · category_multiplier ·
// decay(age_days), decay(d) = 0.9^(d/30).
func Impact(f Feedback, now time.Time) float64 {
	ageDays := now.Sub(f.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Pow(0.9, ageDays/30)
	return baseWeight[f.Kind] * f.Confidence * categoryMultiplier(f.Category) * decay
}

func feedbackToDoc(f Feedback) map[string]interface{} {
	b, _ := json.Marshal(f)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

func feedbackFromDoc(doc map[string]interface{}) (Feedback, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return Feedback{}, err
	}
	var f Feedback
	if err := json.Unmarshal(b, &f); err != nil {
		return Feedback{}, err
	}
	return f, nil
}

// Collector is the feedback collector: it records feedback against
// an action and rolls the outcome into that action's counters through
// the same ActionStore the orchestrator writes to, so an action's stats reflect both
// autonomous healing outcomes and out-of-band feedback uniformly.
type Collector struct {
	docs    store.DocumentStore
	actions *pattern.ActionStore
	nextID  func() string
	nowFn   func() time.Time
}

// NewCollector builds a Collector.
func NewCollector(docs store.DocumentStore, actions *pattern.ActionStore, nextID func() string, now func() time.Time) *Collector {
	return &Collector{docs: docs, actions: actions, nextID: nextID, nowFn: now}
}

// Record persists a feedback entry and updates the referenced action's
// execution/success counters. It returns the stored Feedback
// (with its computed FeedbackID and CreatedAt) so the caller can read
// back its Impact.
func (c *Collector) Record(ctx context.Context, kind Kind, actionID string, category issue.Category, confidence float64, successful bool, details map[string]interface{}) (Feedback, error) {
	f := Feedback{
		FeedbackID: c.nextID(),
		ActionID:   actionID,
		Kind:       kind,
		Category:   category,
		Confidence: confidence,
		Successful: successful,
		CreatedAt:  c.nowFn(),
		Details:    details,
	}
	if err := c.docs.Set(ctx, feedbackCollection, f.FeedbackID, feedbackToDoc(f)); err != nil {
		return Feedback{}, selfherrors.DatabaseError("persist feedback "+f.FeedbackID, err)
	}
	if _, err := c.actions.UpdateStats(ctx, actionID, successful); err != nil {
		return Feedback{}, selfherrors.Wrapf(err, "update action stats from feedback %s", f.FeedbackID)
	}
	return f, nil
}

// ForAction returns the feedback records against actionID, most
// recent first; when limit > 0 only the newest limit records are
// returned.
func (c *Collector) ForAction(ctx context.Context, actionID string, limit int) ([]Feedback, error) {
	recs, err := c.docs.Query(ctx, feedbackCollection, store.Criteria{"action_id": actionID}, 0)
	if err != nil {
		return nil, selfherrors.DatabaseError("query feedback for action "+actionID, err)
	}
	out := make([]Feedback, 0, len(recs))
	for _, rec := range recs {
		f, err := feedbackFromDoc(rec.Doc)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Collector) all(ctx context.Context) ([]Feedback, error) {
	recs, err := c.docs.Query(ctx, feedbackCollection, store.Criteria{}, 0)
	if err != nil {
		return nil, selfherrors.DatabaseError("query all feedback", err)
	}
	out := make([]Feedback, 0, len(recs))
	for _, rec := range recs {
		f, err := feedbackFromDoc(rec.Doc)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// Statistics summarizes every feedback record collected so far.
type Statistics struct {
	Total             int              `json:"total_feedback"`
	ByKind            map[Kind]int     `json:"feedback_by_kind"`
	SuccessRateByKind map[Kind]float64 `json:"success_rates"`
	AvgConfidence     float64          `json:"avg_confidence"`
}

// Statistics computes a Statistics summary over every stored feedback
// record (total count, per-kind counts and success rates, mean
// confidence).
func (c *Collector) Statistics(ctx context.Context) (Statistics, error) {
	records, err := c.all(ctx)
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{ByKind: map[Kind]int{}, SuccessRateByKind: map[Kind]float64{}}
	successByKind := map[Kind]int{}
	totalByKind := map[Kind]int{}
	var confidenceSum float64

	stats.Total = len(records)
	for _, f := range records {
		stats.ByKind[f.Kind]++
		totalByKind[f.Kind]++
		if f.Successful {
			successByKind[f.Kind]++
		}
		confidenceSum += f.Confidence
	}
	for kind, total := range totalByKind {
		if total > 0 {
			stats.SuccessRateByKind[kind] = float64(successByKind[kind]) / float64(total)
		}
	}
	if stats.Total > 0 {
		stats.AvgConfidence = confidenceSum / float64(stats.Total)
	}
	return stats, nil
}

// ClearOlderThan deletes every feedback record whose CreatedAt is older
// than retention relative to now, returning the number of records
// removed. It does not touch the action counters those records already
// contributed to.
func (c *Collector) ClearOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	records, err := c.all(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := c.nowFn().Add(-retention)
	removed := 0
	for _, f := range records {
		if f.CreatedAt.After(cutoff) {
			continue
		}
		if err := c.docs.Delete(ctx, feedbackCollection, f.FeedbackID); err != nil {
			return removed, selfherrors.DatabaseError("delete expired feedback "+f.FeedbackID, err)
		}
		removed++
	}
	return removed, nil
}
