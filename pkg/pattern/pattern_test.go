package pattern

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jordigilh/selfheal/pkg/store/memory"
)

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestRecognizer() *Recognizer {
	docs := memory.New(func() int64 { return 0 })
	return New(docs, nil, sequentialIDs("pattern"), fixedNow(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFindMatches_HappyPathScenario(t *testing.T) {
	r := newTestRecognizer()
	ctx := context.Background()

	_, err := r.Create(ctx, "schema-drift", "data-quality", map[string]interface{}{"error_kind": "schema_mismatch"}, 0.8)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	matches, err := r.FindMatches(ctx, "data-quality", map[string]interface{}{"error_kind": "schema_mismatch", "dataset": "d", "table": "t"})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("FindMatches() = %d matches, want 1", len(matches))
	}
}

func TestFindMatches_BelowThresholdExcluded(t *testing.T) {
	r := newTestRecognizer()
	ctx := context.Background()

	_, _ = r.Create(ctx, "p", "pipeline", map[string]interface{}{"a": 1, "b": 2, "c": 3}, 0.95)

	matches, err := r.FindMatches(ctx, "pipeline", map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("FindMatches() = %d matches, want 0 (similarity below threshold)", len(matches))
	}
}

func TestUpdateStats_RecomputesSuccessRate(t *testing.T) {
	r := newTestRecognizer()
	ctx := context.Background()

	p, _ := r.Create(ctx, "p", "resource", map[string]interface{}{"metric": "cpu"}, 0.5)

	for i := 0; i < 8; i++ {
		if _, err := r.UpdateStats(ctx, p.PatternID, true); err != nil {
			t.Fatalf("UpdateStats() error = %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := r.UpdateStats(ctx, p.PatternID, false); err != nil {
			t.Fatalf("UpdateStats() error = %v", err)
		}
	}

	got, err := r.Get(ctx, p.PatternID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Occurrences != 10 || got.SuccessCount != 8 {
		t.Fatalf("got = %+v, want occurrences=10 success_count=8", got)
	}
	if got.SuccessRate != 0.8 {
		t.Errorf("SuccessRate = %v, want 0.8", got.SuccessRate)
	}
}

func TestSimilarity_IdenticalMapsAreFullyMatched(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": "z"}
	if sim := similarity(a, a); sim != 1.0 {
		t.Errorf("similarity(a, a) = %v, want 1.0", sim)
	}
}

func TestSimilarity_DisjointMapsAreZero(t *testing.T) {
	a := map[string]interface{}{"x": 1}
	b := map[string]interface{}{"y": 2}
	if sim := similarity(a, b); sim != 0.0 {
		t.Errorf("similarity(a, b) = %v, want 0.0", sim)
	}
}

func TestDiscoverCandidates_ClustersRecurrence(t *testing.T) {
	history := []UnmatchedIssue{
		{Category: "pipeline", Features: map[string]interface{}{"error_kind": "timeout", "component": "extract"}},
		{Category: "pipeline", Features: map[string]interface{}{"error_kind": "timeout", "component": "extract"}},
		{Category: "pipeline", Features: map[string]interface{}{"error_kind": "timeout", "component": "extract"}},
		{Category: "resource", Features: map[string]interface{}{"error_kind": "oom"}},
	}

	candidates := DiscoverCandidates(history, 3, 0.9)
	if len(candidates) != 1 {
		t.Fatalf("DiscoverCandidates() = %d candidates, want 1", len(candidates))
	}
	if candidates[0].Category != "pipeline" || candidates[0].Occurrences != 3 {
		t.Errorf("candidates[0] = %+v", candidates[0])
	}
}

func TestPromoteCandidates_PersistsPatterns(t *testing.T) {
	r := newTestRecognizer()
	ctx := context.Background()

	candidates := []CandidatePattern{{Category: "system", Features: map[string]interface{}{"a": 1}, ConfidenceThreshold: 0.9, Occurrences: 5}}
	promoted, err := r.PromoteCandidates(ctx, candidates)
	if err != nil {
		t.Fatalf("PromoteCandidates() error = %v", err)
	}
	if len(promoted) != 1 {
		t.Fatalf("PromoteCandidates() = %d, want 1", len(promoted))
	}

	matches, err := r.FindMatches(ctx, "system", map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("FindMatches() after promotion = %d, want 1", len(matches))
	}
}
