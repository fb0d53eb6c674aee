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

// Package pattern matches incoming issues against a cache of learned
// patterns and promotes recurring unmatched issues into new patterns.
package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	sharedmath "github.com/jordigilh/selfheal/pkg/shared/math"
	"github.com/jordigilh/selfheal/pkg/store"
)

const collection = "issue_patterns"

// Pattern is a learned template of recurring issues.
type Pattern struct {
	PatternID           string                 `json:"pattern_id"`
	Name                string                 `json:"name"`
	Category            string                 `json:"category"`
	Features            map[string]interface{} `json:"features"`
	ConfidenceThreshold float64                `json:"confidence_threshold"`
	Occurrences         int                    `json:"occurrences"`
	SuccessCount        int                    `json:"success_count"`
	SuccessRate         float64                `json:"success_rate"`
	LastSeen            time.Time              `json:"last_seen"`
}

// Match pairs a candidate pattern with its similarity to the issue
// that was matched against it.
type Match struct {
	Pattern    Pattern
	Similarity float64
}

// Recognizer is the pattern recognizer, backed by a document store
// and an optional refresh-coordinated Cache.
type Recognizer struct {
	docs   store.DocumentStore
	cache  *Cache
	nextID func() string
	nowFn  func() time.Time
}

// New builds a Recognizer. cache may be nil, in which case every
// FindMatches call reads straight through to docs.
func New(docs store.DocumentStore, cache *Cache, nextID func() string, now func() time.Time) *Recognizer {
	return &Recognizer{docs: docs, cache: cache, nextID: nextID, nowFn: now}
}

func toDoc(p Pattern) map[string]interface{} {
	b, _ := json.Marshal(p)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

func fromDoc(doc map[string]interface{}) (Pattern, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return Pattern{}, err
	}
	var p Pattern
	if err := json.Unmarshal(b, &p); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// patternsForCategory loads every pattern in category, through the
// cache (single-flight-coordinated) when one is configured.
func (r *Recognizer) patternsForCategory(ctx context.Context, category string) ([]Pattern, error) {
	load := func(ctx context.Context) ([]Pattern, error) {
		recs, err := r.docs.Query(ctx, collection, store.Criteria{"category": category}, 0)
		if err != nil {
			return nil, selfherrors.DatabaseError("query patterns for category "+category, err)
		}
		out := make([]Pattern, 0, len(recs))
		for _, rec := range recs {
			p, err := fromDoc(rec.Doc)
			if err != nil {
				continue
			}
			out = append(out, p)
		}
		return out, nil
	}

	if r.cache == nil {
		return load(ctx)
	}
	return r.cache.GetOrLoad(ctx, category, load)
}

// similarity is the mean of (a) the Jaccard index over the two feature
// maps' key sets and (b) the fraction of overlapping keys whose values
// are equal.
func similarity(a, b map[string]interface{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	union := map[string]bool{}
	for k := range a {
		union[k] = true
	}
	for k := range b {
		union[k] = true
	}

	var overlap, equal int
	for k := range a {
		if bv, ok := b[k]; ok {
			overlap++
			if valuesEqual(a[k], bv) {
				equal++
			}
		}
	}

	jaccard := 0.0
	if len(union) > 0 {
		jaccard = float64(overlap) / float64(len(union))
	}
	valueEquality := 0.0
	if overlap > 0 {
		valueEquality = float64(equal) / float64(overlap)
	}
	return sharedmath.Mean([]float64{jaccard, valueEquality})
}

func valuesEqual(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// FindMatches returns every pattern in category whose similarity to
// features meets its own confidence threshold, sorted by similarity
// descending.
func (r *Recognizer) FindMatches(ctx context.Context, category string, features map[string]interface{}) ([]Match, error) {
	candidates, err := r.patternsForCategory(ctx, category)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, p := range candidates {
		sim := similarity(p.Features, features)
		if sim >= p.ConfidenceThreshold {
			matches = append(matches, Match{Pattern: p, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return matches, nil
}

// Create persists a brand-new pattern and invalidates its category's
// cache entry so the next FindMatches call observes it.
func (r *Recognizer) Create(ctx context.Context, name, category string, features map[string]interface{}, confidenceThreshold float64) (Pattern, error) {
	p := Pattern{
		PatternID:           r.nextID(),
		Name:                name,
		Category:            category,
		Features:            features,
		ConfidenceThreshold: confidenceThreshold,
		LastSeen:            r.nowFn(),
	}
	if err := r.docs.Set(ctx, collection, p.PatternID, toDoc(p)); err != nil {
		return Pattern{}, selfherrors.DatabaseError("persist pattern "+p.PatternID, err)
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx, category)
	}
	return p, nil
}

// statsMutationFn is the read-modify-write body shared by UpdateStats
// and PatternStatsMutation, so a standalone Update call and a
// cross-collection TransactUpdate apply identical logic.
func statsMutationFn(patternID string, healingSuccess bool, now func() time.Time) func(map[string]interface{}) (map[string]interface{}, error) {
	return func(doc map[string]interface{}) (map[string]interface{}, error) {
		if doc == nil {
			return nil, fmt.Errorf("pattern %s not found", patternID)
		}
		p, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		p.Occurrences++
		if healingSuccess {
			p.SuccessCount++
		}
		if p.Occurrences > 0 {
			p.SuccessRate = float64(p.SuccessCount) / float64(p.Occurrences)
		}
		p.LastSeen = now()
		return toDoc(p), nil
	}
}

// UpdateStats atomically increments a pattern's occurrence and (when
// successful) success counters and recomputes success_rate, per the
// invariant success_rate = success_count / occurrences.
func (r *Recognizer) UpdateStats(ctx context.Context, patternID string, healingSuccess bool) (Pattern, error) {
	rec, err := r.docs.Update(ctx, collection, patternID, statsMutationFn(patternID, healingSuccess, r.nowFn))
	if err != nil {
		return Pattern{}, selfherrors.Wrapf(err, "update stats for pattern %s", patternID)
	}
	if r.cache != nil {
		if cat, ok := rec.Doc["category"].(string); ok {
			r.cache.Invalidate(ctx, cat)
		}
	}
	return fromDoc(rec.Doc)
}

// PatternStatsMutation builds a store.Mutation applying the same
// occurrence/success-rate update as UpdateStats, for callers (the orchestrator) that
// need it folded into a larger store.TransactUpdate alongside the
// owning action's and healing execution's own mutations.
func PatternStatsMutation(patternID string, healingSuccess bool, now func() time.Time) store.Mutation {
	return store.Mutation{Collection: collection, ID: patternID, Fn: statsMutationFn(patternID, healingSuccess, now)}
}

// Get fetches one pattern by id.
func (r *Recognizer) Get(ctx context.Context, patternID string) (*Pattern, error) {
	rec, err := r.docs.Get(ctx, collection, patternID)
	if err != nil {
		return nil, selfherrors.DatabaseError("get pattern "+patternID, err)
	}
	if rec == nil {
		return nil, nil
	}
	p, err := fromDoc(rec.Doc)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
