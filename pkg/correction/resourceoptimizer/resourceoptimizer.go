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

// Package resourceoptimizer implements the Resource Optimizer: the
// resource-health correction engine.
package resourceoptimizer

import (
	"context"
	"math"

	"github.com/jordigilh/selfheal/pkg/correction"
	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/rootcause"
)

const (
	StrategyScaleQuerySlots  = "scale_query_slots"
	StrategyResizeWorkerPool = "resize_worker_pool"
	StrategyAdjustHeadroom   = "adjust_memory_headroom"
	StrategyPruneCache       = "prune_cache"
)

var basePrior = map[string]float64{
	StrategyScaleQuerySlots:  0.65,
	StrategyResizeWorkerPool: 0.65,
	StrategyAdjustHeadroom:   0.6,
	StrategyPruneCache:       0.55,
}

// State is the Resource Optimizer's view of a resource pool's current
// sizing.
type State struct {
	QuerySlots       int
	MaxQuerySlots    int
	WorkerPoolSize   int
	MaxWorkerPool    int
	MemoryHeadroom   float64 // fraction, e.g. 0.2 = 20% headroom
	MaxMemoryHeadroom float64
	CacheSizeBytes    int64
	CacheUsedBytes    int64
}

// Optimizer is the resource-health correction engine.
type Optimizer struct {
	nextID     func() string
	historical correction.HistoricalSuccessRate
}

func New(nextID func() string, historical correction.HistoricalSuccessRate) *Optimizer {
	return &Optimizer{nextID: nextID, historical: historical}
}

func toState(m map[string]interface{}) State {
	s := State{MaxQuerySlots: 32, MaxWorkerPool: 64, MaxMemoryHeadroom: 0.5}
	if v, ok := m["query_slots"].(float64); ok {
		s.QuerySlots = int(v)
	}
	if v, ok := m["max_query_slots"].(float64); ok {
		s.MaxQuerySlots = int(v)
	}
	if v, ok := m["worker_pool_size"].(float64); ok {
		s.WorkerPoolSize = int(v)
	}
	if v, ok := m["max_worker_pool"].(float64); ok {
		s.MaxWorkerPool = int(v)
	}
	if v, ok := m["memory_headroom"].(float64); ok {
		s.MemoryHeadroom = v
	}
	if v, ok := m["max_memory_headroom"].(float64); ok {
		s.MaxMemoryHeadroom = v
	}
	if v, ok := m["cache_size_bytes"].(float64); ok {
		s.CacheSizeBytes = int64(v)
	}
	if v, ok := m["cache_used_bytes"].(float64); ok {
		s.CacheUsedBytes = int64(v)
	}
	return s
}

func cloneState(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func scaleQuerySlots(state map[string]interface{}, s State) map[string]interface{} {
	out := cloneState(state)
	next := s.QuerySlots * 2
	if next < 2 {
		next = 2
	}
	if s.MaxQuerySlots > 0 && next > s.MaxQuerySlots {
		next = s.MaxQuerySlots
	}
	out["query_slots"] = float64(next)
	return out
}

func resizeWorkerPool(state map[string]interface{}, s State) map[string]interface{} {
	out := cloneState(state)
	next := s.WorkerPoolSize + s.WorkerPoolSize/2
	if next <= s.WorkerPoolSize {
		next = s.WorkerPoolSize + 1
	}
	if s.MaxWorkerPool > 0 && next > s.MaxWorkerPool {
		next = s.MaxWorkerPool
	}
	out["worker_pool_size"] = float64(next)
	return out
}

func adjustMemoryHeadroom(state map[string]interface{}, s State) map[string]interface{} {
	out := cloneState(state)
	next := math.Round((s.MemoryHeadroom+0.1)*1e9) / 1e9
	if s.MaxMemoryHeadroom > 0 && next > s.MaxMemoryHeadroom {
		next = s.MaxMemoryHeadroom
	}
	out["memory_headroom"] = next
	return out
}

func pruneCache(state map[string]interface{}, s State) map[string]interface{} {
	out := cloneState(state)
	out["cache_used_bytes"] = float64(s.CacheUsedBytes) * 0.5
	return out
}

// selectStrategy prefers a pool-sizing strategy based on which
// resource is most saturated, falling back to cache pruning when the
// cause names the cache directly.
func selectStrategy(s State, cause rootcause.RootCause) string {
	if cause.Type == "cache_exhaustion" {
		return StrategyPruneCache
	}
	querySaturation := 1.0
	if s.MaxQuerySlots > 0 {
		querySaturation = float64(s.QuerySlots) / float64(s.MaxQuerySlots)
	}
	workerSaturation := 1.0
	if s.MaxWorkerPool > 0 {
		workerSaturation = float64(s.WorkerPoolSize) / float64(s.MaxWorkerPool)
	}
	switch {
	case querySaturation >= 0.9 && querySaturation >= workerSaturation:
		return StrategyScaleQuerySlots
	case workerSaturation >= 0.9:
		return StrategyResizeWorkerPool
	case s.CacheSizeBytes > 0 && s.CacheUsedBytes >= s.CacheSizeBytes:
		return StrategyPruneCache
	default:
		return StrategyAdjustHeadroom
	}
}

// Apply scales query slots or the worker pool, widens memory headroom,
// or prunes the cache, depending on which resource is saturated.
func (o *Optimizer) Apply(ctx context.Context, originalState map[string]interface{}, iss issue.Classification, cause rootcause.RootCause) (correction.CorrectionResult, error) {
	s := toState(originalState)
	strategy := selectStrategy(s, cause)

	var corrected map[string]interface{}
	switch strategy {
	case StrategyScaleQuerySlots:
		corrected = scaleQuerySlots(originalState, s)
	case StrategyResizeWorkerPool:
		corrected = resizeWorkerPool(originalState, s)
	case StrategyPruneCache:
		corrected = pruneCache(originalState, s)
	default:
		corrected = adjustMemoryHeadroom(originalState, s)
	}

	return correction.CorrectionResult{
		CorrectionID:   o.nextID(),
		Strategy:       strategy,
		OriginalState:  originalState,
		CorrectedState: corrected,
		Confidence:     correction.Confidence(basePrior[strategy], o.historical, strategy, iss.Confidence),
		Successful:     true,
		Metadata:       map[string]interface{}{"issue_type": iss.IssueType},
	}, nil
}
