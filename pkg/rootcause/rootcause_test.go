package rootcause

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jordigilh/selfheal/pkg/issue"
)

type fakeEventSource struct {
	byComponent map[string][]Event
}

func (f fakeEventSource) RelatedEvents(_ context.Context, component string, _, _ time.Time, excludeID string) ([]Event, error) {
	var out []Event
	for _, ev := range f.byComponent[component] {
		if ev.EventID != excludeID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func sequentialCauseIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("cause-%d", n)
	}
}

func TestAnalyze_RanksRelatedEventsByCorrelationStrength(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	root := Event{EventID: "root", Category: "pipeline", Component: "extract", Timestamp: base}

	source := fakeEventSource{byComponent: map[string][]Event{
		"extract": {
			{EventID: "e-close", Category: "pipeline", Type: "timeout", Component: "extract", Timestamp: base.Add(-1 * time.Minute)},
			{EventID: "e-far", Category: "pipeline", Type: "retry", Component: "extract", Timestamp: base.Add(-14 * time.Minute)},
		},
	}}

	a := New(source, nil, sequentialCauseIDs(), 1, 15*time.Minute, 0.5)
	c := issue.Classification{IssueID: "issue-1", RecommendedAction: "retry"}
	d := issue.Descriptor{ErrorMessage: "boom", Metrics: map[string]float64{"cpu": 0.9}}

	analysis, err := a.Analyze(context.Background(), root, c, d)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(analysis.RootCauses) != 2 {
		t.Fatalf("RootCauses = %d, want 2", len(analysis.RootCauses))
	}
	if analysis.RootCauses[0].Confidence < analysis.RootCauses[1].Confidence {
		t.Errorf("expected the closer event to rank first: %+v", analysis.RootCauses)
	}
	if analysis.RootCauses[0].Confidence != 1.0 {
		t.Errorf("primary cause confidence = %v, want 1.0 (normalized max)", analysis.RootCauses[0].Confidence)
	}
}

func TestAnalyze_FallsBackToIssueMetricsWithoutSnapshotter(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	root := Event{EventID: "root", Component: "extract", Timestamp: base}
	source := fakeEventSource{}
	a := New(source, nil, sequentialCauseIDs(), 1, 15*time.Minute, 0.5)

	d := issue.Descriptor{Metrics: map[string]float64{"cpu": 0.42}}
	analysis, err := a.Analyze(context.Background(), root, issue.Classification{}, d)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	snap, ok := analysis.Context["resource_snapshot"].(map[string]float64)
	if !ok || snap["cpu"] != 0.42 {
		t.Errorf("Context[resource_snapshot] = %v, want fallback to descriptor metrics", analysis.Context["resource_snapshot"])
	}
}

func TestBuildGraph_BoundedByMaxDepth(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	root := Event{EventID: "root", Component: "a", Timestamp: base}

	source := fakeEventSource{byComponent: map[string][]Event{
		"a": {{EventID: "b", Component: "b", Timestamp: base}},
		"b": {{EventID: "c", Component: "c", Timestamp: base}},
		"c": {{EventID: "d", Component: "d", Timestamp: base}},
	}}

	a := New(source, nil, sequentialCauseIDs(), 2, 15*time.Minute, 0.5)
	graph, err := a.BuildGraph(context.Background(), root)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	if _, ok := graph.Nodes["d"]; ok {
		t.Errorf("node d reachable only at depth 3, should be excluded by maxDepth=2: nodes=%v", graph.Nodes)
	}
	if _, ok := graph.Nodes["c"]; !ok {
		t.Errorf("node c should be reachable at depth 2: nodes=%v", graph.Nodes)
	}
}

func TestIntersect_PromotesCommonCauses(t *testing.T) {
	shared := RootCause{Category: "resource", Type: "oom"}
	only1 := RootCause{Category: "pipeline", Type: "timeout"}
	only2 := RootCause{Category: "schema", Type: "drift"}

	a1 := RootCauseAnalysis{RootCauses: []RootCause{withConfidence(shared, 0.9), only1}}
	a2 := RootCauseAnalysis{RootCauses: []RootCause{withConfidence(shared, 0.7), only2}}

	got := Intersect([]RootCauseAnalysis{a1, a2})
	if len(got) != 1 {
		t.Fatalf("Intersect() = %d causes, want 1 shared cause: %+v", len(got), got)
	}
	if got[0].Category != "resource" || got[0].Type != "oom" {
		t.Errorf("Intersect()[0] = %+v", got[0])
	}
	if got[0].Confidence != 0.8 {
		t.Errorf("Intersect()[0].Confidence = %v, want mean 0.8", got[0].Confidence)
	}
}

func withConfidence(c RootCause, conf float64) RootCause {
	c.Confidence = conf
	return c
}
