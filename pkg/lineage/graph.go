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

// Package lineage maintains an append-only directed lineage graph
// over dataset/table nodes, rebuildable from persisted lineage records
// on cold start.
package lineage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

const collection = "lineage_records"

// Stage names the five event recorders.
type Stage string

const (
	StageExtraction     Stage = "extraction"
	StageTransformation Stage = "transformation"
	StageLoad           Stage = "load"
	StageValidation     Stage = "validation"
	StageHealing        Stage = "healing"
)

// Edge is one directed lineage edge between two nodes.
type Edge struct {
	From        string
	To          string
	Operation   string
	ExecutionID string
	Timestamp   time.Time
	Details     map[string]interface{}
}

// Record is the persisted form of one or more edges inserted together
// by a single event recorder call.
type Record struct {
	ID          string
	ExecutionID string
	Stage       Stage
	Edges       []Edge
}

// DatasetNode identifies a dataset/table pair.
type DatasetNode struct {
	Dataset string
	Table   string
}

func (n DatasetNode) id() string {
	return fmt.Sprintf("dataset:%s:%s", n.Dataset, n.Table)
}

func healedNodeID(dataset string) string {
	return fmt.Sprintf("dataset:%s:healed", dataset)
}

// Graph is the in-memory lineage graph, rebuildable from its backing
// document store.
type Graph struct {
	mu      sync.RWMutex
	docs    store.DocumentStore
	nowFn   func() time.Time
	forward map[string][]Edge // node id -> outgoing edges
	reverse map[string][]Edge // node id -> incoming edges
}

// New builds a Graph with an empty in-memory index; call Rebuild to
// populate it from previously persisted records.
func New(docs store.DocumentStore, now func() time.Time) *Graph {
	return &Graph{
		docs:    docs,
		nowFn:   now,
		forward: make(map[string][]Edge),
		reverse: make(map[string][]Edge),
	}
}

func (g *Graph) indexEdge(e Edge) {
	g.forward[e.From] = append(g.forward[e.From], e)
	g.reverse[e.To] = append(g.reverse[e.To], e)
}

func (g *Graph) persist(ctx context.Context, rec Record) error {
	doc := map[string]interface{}{
		"record_id":    rec.ID,
		"execution_id": rec.ExecutionID,
		"stage":        string(rec.Stage),
		"edges":        edgesToDocs(rec.Edges),
	}
	if err := g.docs.Set(ctx, collection, rec.ID, doc); err != nil {
		return selfherrors.DatabaseError("persist lineage record "+rec.ID, err)
	}
	return nil
}

func edgesToDocs(edges []Edge) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(edges))
	for _, e := range edges {
		out = append(out, map[string]interface{}{
			"from":         e.From,
			"to":           e.To,
			"operation":    e.Operation,
			"execution_id": e.ExecutionID,
			"timestamp":    e.Timestamp.Format(time.RFC3339),
			"details":      e.Details,
		})
	}
	return out
}

func docsToEdges(raw interface{}) []Edge {
	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case []map[string]interface{}:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		return nil
	}

	var edges []Edge
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		e := Edge{
			From:        toString(m["from"]),
			To:          toString(m["to"]),
			Operation:   toString(m["operation"]),
			ExecutionID: toString(m["execution_id"]),
		}
		if ts, ok := m["timestamp"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				e.Timestamp = parsed
			}
		}
		if details, ok := m["details"].(map[string]interface{}); ok {
			e.Details = details
		}
		edges = append(edges, e)
	}
	return edges
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// recordEvent inserts edges atomically: the in-memory index and the
// persisted record are both written before returning, and a failure to
// persist leaves the in-memory index untouched (all-or-nothing).
func (g *Graph) recordEvent(ctx context.Context, id, executionID string, stage Stage, edges []Edge) error {
	for i := range edges {
		edges[i].ExecutionID = executionID
	}
	rec := Record{ID: id, ExecutionID: executionID, Stage: stage, Edges: edges}
	if err := g.persist(ctx, rec); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range edges {
		g.indexEdge(e)
	}
	return nil
}

// RecordExtraction records data flowing from a source system into a
// dataset/table.
func (g *Graph) RecordExtraction(ctx context.Context, id, executionID, source string, to DatasetNode, details map[string]interface{}) error {
	edge := Edge{From: "source:" + source, To: to.id(), Operation: string(StageExtraction), Timestamp: g.nowFn(), Details: details}
	return g.recordEvent(ctx, id, executionID, StageExtraction, []Edge{edge})
}

// RecordTransformation records a transformation edge between two
// dataset/table nodes.
func (g *Graph) RecordTransformation(ctx context.Context, id, executionID string, from, to DatasetNode, details map[string]interface{}) error {
	edge := Edge{From: from.id(), To: to.id(), Operation: string(StageTransformation), Timestamp: g.nowFn(), Details: details}
	return g.recordEvent(ctx, id, executionID, StageTransformation, []Edge{edge})
}

// RecordLoad records data flowing from a dataset/table into a sink.
func (g *Graph) RecordLoad(ctx context.Context, id, executionID string, from DatasetNode, sink string, details map[string]interface{}) error {
	edge := Edge{From: from.id(), To: "sink:" + sink, Operation: string(StageLoad), Timestamp: g.nowFn(), Details: details}
	return g.recordEvent(ctx, id, executionID, StageLoad, []Edge{edge})
}

// RecordValidation records a validation check performed on a
// dataset/table, as a self-loop edge carrying the check's details.
func (g *Graph) RecordValidation(ctx context.Context, id, executionID string, target DatasetNode, details map[string]interface{}) error {
	edge := Edge{From: target.id(), To: target.id(), Operation: string(StageValidation), Timestamp: g.nowFn(), Details: details}
	return g.recordEvent(ctx, id, executionID, StageValidation, []Edge{edge})
}

// RecordHealing records a correction applied to a dataset/table. The
// corrected data is attributed to a distinct "...:healed" node rather
// than back to target itself, so healing can never introduce a cycle
// in the dataset->dataset subgraph.
func (g *Graph) RecordHealing(ctx context.Context, id, executionID string, target DatasetNode, details map[string]interface{}) error {
	edge := Edge{From: target.id(), To: healedNodeID(target.Dataset), Operation: string(StageHealing), Timestamp: g.nowFn(), Details: details}
	return g.recordEvent(ctx, id, executionID, StageHealing, []Edge{edge})
}

// Rebuild reconstructs the in-memory graph from every persisted
// lineage record. It is idempotent: the same stored record set always
// produces the same graph, since it simply replays each record's edges
// in id order.
func (g *Graph) Rebuild(ctx context.Context) error {
	recs, err := g.docs.Query(ctx, collection, store.Criteria{}, 0)
	if err != nil {
		return selfherrors.DatabaseError("query lineage records for rebuild", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	g.mu.Lock()
	defer g.mu.Unlock()
	g.forward = make(map[string][]Edge)
	g.reverse = make(map[string][]Edge)

	for _, r := range recs {
		for _, e := range docsToEdges(r.Doc["edges"]) {
			g.indexEdge(e)
		}
	}
	return nil
}
