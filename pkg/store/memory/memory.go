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

// Package memory implements store.DocumentStore and store.AnalyticalStore
// in-process, backing tests for every component layered on pkg/store
// without a real Postgres instance.
package memory

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/jordigilh/selfheal/pkg/store"
)

// DocumentStore is an in-memory store.DocumentStore, safe for
// concurrent use.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]*store.Record
	now  func() int64
}

// New builds an empty DocumentStore. now supplies the clock used for
// CreatedAt/UpdatedAt (tests pass a fixed function; production passes
// time.Now().Unix).
func New(now func() int64) *DocumentStore {
	return &DocumentStore{docs: make(map[string]map[string]*store.Record), now: now}
}

func (s *DocumentStore) Set(_ context.Context, collection, id string, doc map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]*store.Record)
	}
	ts := s.now()
	createdAt := ts
	if existing, ok := s.docs[collection][id]; ok {
		createdAt = existing.CreatedAt
	}
	cp := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	s.docs[collection][id] = &store.Record{
		Collection: collection,
		ID:         id,
		Doc:        cp,
		CreatedAt:  createdAt,
		UpdatedAt:  ts,
	}
	return nil
}

func (s *DocumentStore) Get(_ context.Context, collection, id string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[collection][id]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (s *DocumentStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs[collection], id)
	return nil
}

// Update performs an atomic read-modify-write under the store's single
// mutex: fn sees a private copy of the current document (nil if
// absent) and its return value becomes the new document, with
// created_at preserved and updated_at advanced exactly as Set does.
func (s *DocumentStore) Update(_ context.Context, collection, id string, fn func(doc map[string]interface{}) (map[string]interface{}, error)) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]*store.Record)
	}

	var current map[string]interface{}
	createdAt := s.now()
	if existing, ok := s.docs[collection][id]; ok {
		current = make(map[string]interface{}, len(existing.Doc))
		for k, v := range existing.Doc {
			current[k] = v
		}
		createdAt = existing.CreatedAt
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	ts := s.now()
	cp := make(map[string]interface{}, len(next))
	for k, v := range next {
		cp[k] = v
	}
	rec := &store.Record{Collection: collection, ID: id, Doc: cp, CreatedAt: createdAt, UpdatedAt: ts}
	s.docs[collection][id] = rec
	return cloneRecord(rec), nil
}

// TransactUpdate applies every mutation under the store's single
// mutex: each mutation's fn first runs against a private copy of its
// current document, and only once every fn has succeeded are the
// results committed together, so a failing mutation leaves every
// collection untouched.
func (s *DocumentStore) TransactUpdate(_ context.Context, mutations []store.Mutation) ([]*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type pending struct {
		collection, id string
		createdAt      int64
		next           map[string]interface{}
	}
	staged := make([]pending, 0, len(mutations))

	for _, m := range mutations {
		if s.docs[m.Collection] == nil {
			s.docs[m.Collection] = make(map[string]*store.Record)
		}
		var current map[string]interface{}
		createdAt := s.now()
		if existing, ok := s.docs[m.Collection][m.ID]; ok {
			current = make(map[string]interface{}, len(existing.Doc))
			for k, v := range existing.Doc {
				current[k] = v
			}
			createdAt = existing.CreatedAt
		}
		next, err := m.Fn(current)
		if err != nil {
			return nil, err
		}
		staged = append(staged, pending{collection: m.Collection, id: m.ID, createdAt: createdAt, next: next})
	}

	ts := s.now()
	out := make([]*store.Record, len(staged))
	for i, p := range staged {
		cp := make(map[string]interface{}, len(p.next))
		for k, v := range p.next {
			cp[k] = v
		}
		rec := &store.Record{Collection: p.collection, ID: p.id, Doc: cp, CreatedAt: p.createdAt, UpdatedAt: ts}
		s.docs[p.collection][p.id] = rec
		out[i] = cloneRecord(rec)
	}
	return out, nil
}

// Query evaluates criteria against each record's canonical JSON form
// using gjson dotted-path lookups, supporting equality, store.Gte,
// store.Lte, and store.Regex on scalar fields. Results are sorted by
// id for deterministic ordering and capped at limit (0 = unlimited).
func (s *DocumentStore) Query(_ context.Context, collection string, criteria store.Criteria, limit int) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*store.Record
	for _, rec := range s.docs[collection] {
		ok, err := matches(rec.Doc, criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, cloneRecord(rec))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func matches(doc map[string]interface{}, criteria store.Criteria) (bool, error) {
	if len(criteria) == 0 {
		return true, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	js := string(raw)

	for path, want := range criteria {
		result := gjson.Get(js, path)
		switch w := want.(type) {
		case store.Gte:
			if !result.Exists() || result.Num < toFloat(w.Value) {
				return false, nil
			}
		case store.Lte:
			if !result.Exists() || result.Num > toFloat(w.Value) {
				return false, nil
			}
		case store.Regex:
			re, err := regexp.Compile(w.Pattern)
			if err != nil {
				return false, err
			}
			if !re.MatchString(result.String()) {
				return false, nil
			}
		default:
			if !result.Exists() {
				return false, nil
			}
			if !scalarEquals(result, want) {
				return false, nil
			}
		}
	}
	return true, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func scalarEquals(result gjson.Result, want interface{}) bool {
	switch w := want.(type) {
	case string:
		return result.String() == w
	case bool:
		return result.Bool() == w
	case float64, int, int64:
		return result.Num == toFloat(w)
	default:
		return false
	}
}

func cloneRecord(rec *store.Record) *store.Record {
	cp := make(map[string]interface{}, len(rec.Doc))
	for k, v := range rec.Doc {
		cp[k] = v
	}
	return &store.Record{
		Collection: rec.Collection,
		ID:         rec.ID,
		Doc:        cp,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

// AnalyticalStore is an in-memory store.AnalyticalStore: Export simply
// overwrites its copy of each exported record, modeling a batch-export
// projection without real latency.
type AnalyticalStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]*store.Record
}

func NewAnalyticalStore() *AnalyticalStore {
	return &AnalyticalStore{docs: make(map[string]map[string]*store.Record)}
}

func (a *AnalyticalStore) Export(_ context.Context, collection string, records []*store.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.docs[collection] == nil {
		a.docs[collection] = make(map[string]*store.Record)
	}
	for _, rec := range records {
		a.docs[collection][rec.ID] = cloneRecord(rec)
	}
	return nil
}

func (a *AnalyticalStore) Query(_ context.Context, collection string, criteria store.Criteria, limit int) ([]*store.Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var matched []*store.Record
	for _, rec := range a.docs[collection] {
		ok, err := matches(rec.Doc, criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, cloneRecord(rec))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
