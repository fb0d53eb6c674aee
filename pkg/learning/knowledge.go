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
	"encoding/json"
	"fmt"
	"math"
	"time"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

const knowledgeCollection = "knowledge_entries"

// Flavor is the closed set of KnowledgeEntry kinds.
type Flavor string

const (
	FlavorIssue         Flavor = "issue"
	FlavorPattern        Flavor = "pattern"
	FlavorCorrection     Flavor = "correction"
	FlavorEffectiveness  Flavor = "effectiveness"
)

// Entry is one append-with-supersede knowledge record.
type Entry struct {
	EntryID      string                 `json:"entry_id"`
	Flavor       Flavor                 `json:"flavor"`
	Subject      string                 `json:"subject"` // stable key entries of the same flavor are deduped/superseded on
	Content      map[string]interface{} `json:"content"`
	CreatedAt    time.Time              `json:"created_at"`
	UsageCount   int                    `json:"usage_count"`
	SuccessRate  float64                `json:"success_rate"`
	SupersededBy string                 `json:"superseded_by,omitempty"`
}

// Relevance is the scoring function: relevance = recency ·
// usage_count_log · success_rate. recency decays like feedback impact
// (0.9^(age_days/30)); usage_count_log is log(1+usage_count) so a
// never-used entry (usage_count 0) still scores via log(1)=0 unless
// given at least one recorded use.
func Relevance(e Entry, now time.Time) float64 {
	ageDays := now.Sub(e.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Pow(0.9, ageDays/30)
	usageLog := math.Log(1 + float64(e.UsageCount))
	return recency * usageLog * e.SuccessRate
}

func entryToDoc(e Entry) map[string]interface{} {
	b, _ := json.Marshal(e)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

func entryFromDoc(doc map[string]interface{}) (Entry, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// KnowledgeBase is the append-with-supersede knowledge store: entries
// are never mutated in place, only appended and, for a repeat subject
// within the same flavor, marked superseded on their predecessor.
type KnowledgeBase struct {
	docs   store.DocumentStore
	nextID func() string
	nowFn  func() time.Time
}

// NewKnowledgeBase builds a KnowledgeBase.
func NewKnowledgeBase(docs store.DocumentStore, nextID func() string, now func() time.Time) *KnowledgeBase {
	return &KnowledgeBase{docs: docs, nextID: nextID, nowFn: now}
}

// Add appends a new Entry for (flavor, subject), superseding any prior
// active entry with the same flavor and subject.
func (kb *KnowledgeBase) Add(ctx context.Context, flavor Flavor, subject string, content map[string]interface{}, successRate float64) (Entry, error) {
	prior, err := kb.active(ctx, flavor, subject)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		EntryID:     kb.nextID(),
		Flavor:      flavor,
		Subject:     subject,
		Content:     content,
		CreatedAt:   kb.nowFn(),
		SuccessRate: successRate,
	}
	if err := kb.docs.Set(ctx, knowledgeCollection, e.EntryID, entryToDoc(e)); err != nil {
		return Entry{}, selfherrors.DatabaseError("persist knowledge entry "+e.EntryID, err)
	}

	if prior != nil {
		prior.SupersededBy = e.EntryID
		if err := kb.docs.Set(ctx, knowledgeCollection, prior.EntryID, entryToDoc(*prior)); err != nil {
			return Entry{}, selfherrors.DatabaseError("supersede knowledge entry "+prior.EntryID, err)
		}
	}
	return e, nil
}

// active returns the current (non-superseded) entry for (flavor,
// subject), or nil if none exists yet.
func (kb *KnowledgeBase) active(ctx context.Context, flavor Flavor, subject string) (*Entry, error) {
	recs, err := kb.docs.Query(ctx, knowledgeCollection, store.Criteria{"flavor": string(flavor), "subject": subject}, 0)
	if err != nil {
		return nil, selfherrors.DatabaseError("query knowledge entries for "+subject, err)
	}
	for _, rec := range recs {
		e, err := entryFromDoc(rec.Doc)
		if err != nil {
			continue
		}
		if e.SupersededBy == "" {
			return &e, nil
		}
	}
	return nil, nil
}

// Use increments usageID's usage_count, called whenever a consumer
// (e.g. strategy selection or the model trainer's feature prep)
// actually reads an entry, since Relevance is a function of how often
// an entry is used.
func (kb *KnowledgeBase) Use(ctx context.Context, entryID string) (Entry, error) {
	rec, err := kb.docs.Update(ctx, knowledgeCollection, entryID, func(doc map[string]interface{}) (map[string]interface{}, error) {
		if doc == nil {
			return nil, fmt.Errorf("knowledge entry %s not found", entryID)
		}
		e, err := entryFromDoc(doc)
		if err != nil {
			return nil, err
		}
		e.UsageCount++
		return entryToDoc(e), nil
	})
	if err != nil {
		return Entry{}, selfherrors.Wrapf(err, "record use of knowledge entry %s", entryID)
	}
	e, err := entryFromDoc(rec.Doc)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Relevant returns every active entry of flavor, ranked by Relevance
// descending, most-relevant first.
func (kb *KnowledgeBase) Relevant(ctx context.Context, flavor Flavor, now time.Time) ([]Entry, error) {
	recs, err := kb.docs.Query(ctx, knowledgeCollection, store.Criteria{"flavor": string(flavor)}, 0)
	if err != nil {
		return nil, selfherrors.DatabaseError("query knowledge entries for flavor "+string(flavor), err)
	}
	var out []Entry
	for _, rec := range recs {
		e, err := entryFromDoc(rec.Doc)
		if err != nil {
			continue
		}
		if e.SupersededBy == "" {
			out = append(out, e)
		}
	}
	sortByRelevanceDesc(out, now)
	return out, nil
}

func sortByRelevanceDesc(entries []Entry, now time.Time) {
	less := func(i, j int) bool { return Relevance(entries[i], now) > Relevance(entries[j], now) }
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
