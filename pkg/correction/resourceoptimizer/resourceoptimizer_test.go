package resourceoptimizer

import (
	"context"
	"fmt"
	"testing"

	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/rootcause"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("correction-%d", n)
	}
}

func TestApply_ScalesQuerySlotsWhenSaturated(t *testing.T) {
	o := New(sequentialIDs(), nil)
	state := map[string]interface{}{"query_slots": 30.0, "max_query_slots": 32.0}
	result, err := o.Apply(context.Background(), state, issue.Classification{IssueType: "resource_exhaustion", Confidence: 0.9}, rootcause.RootCause{})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Strategy != StrategyScaleQuerySlots {
		t.Fatalf("Strategy = %s, want %s", result.Strategy, StrategyScaleQuerySlots)
	}
	if result.CorrectedState["query_slots"] != 32.0 {
		t.Errorf("query_slots = %v, want capped at 32", result.CorrectedState["query_slots"])
	}
}

func TestApply_PrunesCacheOnCacheExhaustionCause(t *testing.T) {
	o := New(sequentialIDs(), nil)
	state := map[string]interface{}{"cache_used_bytes": 1000.0}
	result, err := o.Apply(context.Background(), state, issue.Classification{IssueType: "resource_exhaustion"}, rootcause.RootCause{Type: "cache_exhaustion"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Strategy != StrategyPruneCache {
		t.Fatalf("Strategy = %s, want %s", result.Strategy, StrategyPruneCache)
	}
	if result.CorrectedState["cache_used_bytes"] != 500.0 {
		t.Errorf("cache_used_bytes = %v, want halved to 500", result.CorrectedState["cache_used_bytes"])
	}
}

func TestApply_AdjustsHeadroomWhenNothingIsSaturated(t *testing.T) {
	o := New(sequentialIDs(), nil)
	state := map[string]interface{}{"memory_headroom": 0.2, "max_memory_headroom": 0.5}
	result, err := o.Apply(context.Background(), state, issue.Classification{}, rootcause.RootCause{})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Strategy != StrategyAdjustHeadroom {
		t.Fatalf("Strategy = %s, want %s", result.Strategy, StrategyAdjustHeadroom)
	}
	if result.CorrectedState["memory_headroom"] != 0.3 {
		t.Errorf("memory_headroom = %v, want 0.3", result.CorrectedState["memory_headroom"])
	}
}

func TestApply_ResizesWorkerPoolWhenMostSaturated(t *testing.T) {
	o := New(sequentialIDs(), nil)
	state := map[string]interface{}{
		"query_slots": 5.0, "max_query_slots": 32.0,
		"worker_pool_size": 60.0, "max_worker_pool": 64.0,
	}
	result, err := o.Apply(context.Background(), state, issue.Classification{}, rootcause.RootCause{})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Strategy != StrategyResizeWorkerPool {
		t.Fatalf("Strategy = %s, want %s", result.Strategy, StrategyResizeWorkerPool)
	}
	if result.CorrectedState["worker_pool_size"] != 64.0 {
		t.Errorf("worker_pool_size = %v, want capped at 64", result.CorrectedState["worker_pool_size"])
	}
}
