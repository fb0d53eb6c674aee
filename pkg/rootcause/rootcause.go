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

// Package rootcause builds a bounded causality graph around an issue
// and ranks its candidate root causes.
package rootcause

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/selfheal/pkg/issue"
)

// DefaultGraphDepth bounds the causality graph walk.
const DefaultGraphDepth = 3

// DefaultWindow is the ±N-minute related-event window's default.
const DefaultWindow = 15 * time.Minute

// DefaultConfidenceFloor flags (but does not discard) causes below this
// confidence.
const DefaultConfidenceFloor = 0.5

// Event is one metadata-store record in the causality neighborhood of
// an issue.
type Event struct {
	EventID   string
	Category  string
	Type      string
	Component string
	Timestamp time.Time
	Features  map[string]interface{}
}

// EventSource fetches the events correlated with one node of the
// causality graph. Implementations wrap the metadata store's
// RelatedEvents query.
type EventSource interface {
	RelatedEvents(ctx context.Context, component string, start, end time.Time, excludeID string) ([]Event, error)
}

// Edge is one causality-graph edge: from caused-by to.
type Edge struct {
	From     string
	To       string
	Strength float64
	Relation string // temporal | component | precedence
}

// CausalityGraph is the bounded graph built out from the issue's
// originating event.
type CausalityGraph struct {
	Nodes map[string]Event
	Edges []Edge
}

// RootCause is one ranked candidate cause.
type RootCause struct {
	CauseID           string
	Category          string
	Type              string
	Description       string
	Confidence        float64
	Evidence          []string
	RecommendedAction string
	RelatedCauses     []string
	BelowThreshold    bool
}

// RootCauseAnalysis is the analyzer's output.
type RootCauseAnalysis struct {
	AnalysisID     string
	IssueID        string
	RootCauses     []RootCause
	CausalityGraph CausalityGraph
	Context        map[string]interface{}
}

// ResourceSnapshotter returns a live resource-usage snapshot for
// component, when one is available.
type ResourceSnapshotter interface {
	Snapshot(ctx context.Context, component string) (map[string]float64, error)
}

// Analyzer is the root-cause analyzer.
type Analyzer struct {
	events      EventSource
	resources   ResourceSnapshotter // may be nil
	nextID      func() string
	maxDepth    int
	window      time.Duration
	confFloor   float64
}

// New builds an Analyzer. resources may be nil, in which case resource
// features fall back to the issue descriptor's own metrics snapshot.
func New(events EventSource, resources ResourceSnapshotter, nextID func() string, maxDepth int, window time.Duration, confFloor float64) *Analyzer {
	if maxDepth <= 0 {
		maxDepth = DefaultGraphDepth
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if confFloor <= 0 {
		confFloor = DefaultConfidenceFloor
	}
	return &Analyzer{events: events, resources: resources, nextID: nextID, maxDepth: maxDepth, window: window, confFloor: confFloor}
}

// causalFeatures extracts the feature set an analysis is rooted on, per
// analysis step 1: error text, component, time window, resource snapshot.
func (a *Analyzer) causalFeatures(ctx context.Context, root Event, d issue.Descriptor) map[string]interface{} {
	features := map[string]interface{}{
		"error_message": d.ErrorMessage,
		"component":     root.Component,
		"window_start":  root.Timestamp.Add(-a.window),
		"window_end":    root.Timestamp.Add(a.window),
	}
	if a.resources != nil {
		if snap, err := a.resources.Snapshot(ctx, root.Component); err == nil && len(snap) > 0 {
			features["resource_snapshot"] = snap
			return features
		}
	}
	if len(d.Metrics) > 0 {
		features["resource_snapshot"] = d.Metrics
	}
	return features
}

// correlate assigns an edge strength/relation between a root event and
// a candidate related event, combining temporal proximity, component
// adjacency and a known-precedence heuristic.
func correlate(root, candidate Event) Edge {
	delta := root.Timestamp.Sub(candidate.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	temporal := 1.0 - float64(delta)/float64(2*DefaultWindow)
	if temporal < 0 {
		temporal = 0
	}

	relation := "temporal"
	strength := temporal
	if candidate.Component == root.Component {
		relation = "component"
		strength = 0.6 + 0.4*temporal
	}
	if candidate.Timestamp.Before(root.Timestamp) && candidate.Category == root.Category {
		relation = "precedence"
		strength = 0.8 + 0.2*temporal
	}
	if strength > 1 {
		strength = 1
	}
	return Edge{From: candidate.EventID, To: root.EventID, Strength: strength, Relation: relation}
}

// BuildGraph fans out the related-event fetch for each frontier node
// concurrently (one goroutine per node, via errgroup) and adds edges by
// correlate, bounded to a.maxDepth levels out from root.
func (a *Analyzer) BuildGraph(ctx context.Context, root Event) (CausalityGraph, error) {
	graph := CausalityGraph{Nodes: map[string]Event{root.EventID: root}}
	frontier := []Event{root}

	for depth := 0; depth < a.maxDepth && len(frontier) > 0; depth++ {
		type fetch struct {
			from   Event
			events []Event
		}
		results := make([]fetch, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		for i, node := range frontier {
			i, node := i, node
			g.Go(func() error {
				related, err := a.events.RelatedEvents(gctx, node.Component, node.Timestamp.Add(-a.window), node.Timestamp.Add(a.window), node.EventID)
				if err != nil {
					return fmt.Errorf("fetch related events for %s: %w", node.EventID, err)
				}
				results[i] = fetch{from: node, events: related}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return graph, err
		}

		var next []Event
		for _, r := range results {
			for _, ev := range r.events {
				if _, seen := graph.Nodes[ev.EventID]; seen {
					continue
				}
				graph.Nodes[ev.EventID] = ev
				graph.Edges = append(graph.Edges, correlate(r.from, ev))
				next = append(next, ev)
			}
		}
		frontier = next
	}
	return graph, nil
}

// rank scores every non-root node by in-degree weighted by edge
// strength and returns them sorted by score descending.
func rank(graph CausalityGraph, rootID string) []Event {
	scores := map[string]float64{}
	for _, e := range graph.Edges {
		if e.To == rootID || e.From == rootID {
			scores[e.From] += e.Strength
		}
	}
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return scores[ids[i]] > scores[ids[j]] })

	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, graph.Nodes[id])
	}
	return out
}

// Analyze builds the causality graph rooted at root and classification
// c, ranks the candidate causes, and returns the full analysis. The
// primary cause is the highest-confidence entry; causes below
// a.confFloor are retained but flagged BelowThreshold.
func (a *Analyzer) Analyze(ctx context.Context, root Event, c issue.Classification, d issue.Descriptor) (RootCauseAnalysis, error) {
	graph, err := a.BuildGraph(ctx, root)
	if err != nil {
		return RootCauseAnalysis{}, err
	}
	ranked := rank(graph, root.EventID)

	scores := map[string]float64{}
	for _, e := range graph.Edges {
		scores[e.From] += e.Strength
	}
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	causes := make([]RootCause, 0, len(ranked))
	for i, ev := range ranked {
		confidence := 0.0
		if maxScore > 0 {
			confidence = scores[ev.EventID] / maxScore
		}
		related := make([]string, 0, len(ranked)-1)
		for j, other := range ranked {
			if j != i {
				related = append(related, other.EventID)
			}
		}
		causes = append(causes, RootCause{
			CauseID:           a.nextID(),
			Category:          ev.Category,
			Type:              ev.Type,
			Description:       fmt.Sprintf("%s in %s correlated at %.2f", ev.Type, ev.Component, confidence),
			Confidence:        confidence,
			Evidence:          []string{fmt.Sprintf("event %s at %s", ev.EventID, ev.Timestamp.Format(time.RFC3339))},
			RecommendedAction: c.RecommendedAction,
			RelatedCauses:     related,
			BelowThreshold:    confidence < a.confFloor,
		})
	}

	return RootCauseAnalysis{
		AnalysisID:     a.nextID(),
		IssueID:        c.IssueID,
		RootCauses:     causes,
		CausalityGraph: graph,
		Context:        a.causalFeatures(ctx, root, d),
	}, nil
}

// Intersect implements cross-issue mode: given one analysis per
// related issue, it returns the causes whose category+type key is
// common to every analysis, promoted into a single shared set ordered
// by mean confidence descending.
func Intersect(analyses []RootCauseAnalysis) []RootCause {
	if len(analyses) == 0 {
		return nil
	}
	counts := map[string]int{}
	sumConf := map[string]float64{}
	first := map[string]RootCause{}
	for _, a := range analyses {
		seen := map[string]bool{}
		for _, c := range a.RootCauses {
			key := c.Category + "|" + c.Type
			if seen[key] {
				continue
			}
			seen[key] = true
			counts[key]++
			sumConf[key] += c.Confidence
			if _, ok := first[key]; !ok {
				first[key] = c
			}
		}
	}

	var shared []RootCause
	for key, n := range counts {
		if n != len(analyses) {
			continue
		}
		c := first[key]
		c.Confidence = sumConf[key] / float64(n)
		c.BelowThreshold = false
		shared = append(shared, c)
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i].Confidence > shared[j].Confidence })
	return shared
}
