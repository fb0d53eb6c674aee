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

// Package pipelineadjuster implements the Pipeline Adjuster: the
// execution-failure correction engine. Strategy selection is keyed by
// issue type.
package pipelineadjuster

import (
	"context"
	"fmt"

	"github.com/jordigilh/selfheal/pkg/correction"
	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/rootcause"
)

const (
	StrategyIncreaseTimeout    = "increase_timeout"
	StrategyOptimizeExecution  = "optimize_execution"
	StrategyIncreaseResources  = "increase_resources"
	StrategyOptimizeResources  = "optimize_resource_usage"
	StrategyFixConfiguration   = "fix_configuration"
	StrategyUseDefaultConfig   = "use_default_config"
	StrategyRetryWithBackoff   = "retry_with_backoff"
	StrategySkipDependency     = "skip_dependency"
)

var basePrior = map[string]float64{
	StrategyIncreaseTimeout:   0.75,
	StrategyOptimizeExecution: 0.6,
	StrategyIncreaseResources: 0.75,
	StrategyOptimizeResources: 0.6,
	StrategyFixConfiguration:  0.8,
	StrategyUseDefaultConfig:  0.5,
	StrategyRetryWithBackoff:  0.7,
	StrategySkipDependency:    0.4,
}

// Config mirrors the pipeline execution's current configuration, plus
// the critical fields every strategy must preserve.
type Config struct {
	TimeoutSeconds   float64
	MaxTimeoutSeconds float64
	BatchSize         int
	Parallelism       int
	MemoryFactor      float64
	CPUFactor         float64
	MaxMemoryFactor   float64
	MaxCPUFactor      float64
	Fields            map[string]interface{} // arbitrary named config fields
	CriticalFields    []string                // names that must survive unchanged
	DefaultSection    map[string]interface{}
	DependencyCritical bool
}

// Adjuster is the pipeline-adjustment correction engine.
type Adjuster struct {
	nextID     func() string
	historical correction.HistoricalSuccessRate
}

func New(nextID func() string, historical correction.HistoricalSuccessRate) *Adjuster {
	return &Adjuster{nextID: nextID, historical: historical}
}

func toConfig(state map[string]interface{}) Config {
	c := Config{TimeoutSeconds: 300, MaxTimeoutSeconds: 3600, BatchSize: 1000, Parallelism: 1, MemoryFactor: 1, CPUFactor: 1, MaxMemoryFactor: 4, MaxCPUFactor: 4}
	if v, ok := state["timeout_seconds"].(float64); ok {
		c.TimeoutSeconds = v
	}
	if v, ok := state["max_timeout_seconds"].(float64); ok {
		c.MaxTimeoutSeconds = v
	}
	if v, ok := state["batch_size"].(float64); ok {
		c.BatchSize = int(v)
	}
	if v, ok := state["parallelism"].(float64); ok {
		c.Parallelism = int(v)
	}
	if v, ok := state["memory_factor"].(float64); ok {
		c.MemoryFactor = v
	}
	if v, ok := state["cpu_factor"].(float64); ok {
		c.CPUFactor = v
	}
	if v, ok := state["max_memory_factor"].(float64); ok {
		c.MaxMemoryFactor = v
	}
	if v, ok := state["max_cpu_factor"].(float64); ok {
		c.MaxCPUFactor = v
	}
	if v, ok := state["fields"].(map[string]interface{}); ok {
		c.Fields = v
	}
	if v, ok := state["default_section"].(map[string]interface{}); ok {
		c.DefaultSection = v
	}
	if v, ok := state["dependency_critical"].(bool); ok {
		c.DependencyCritical = v
	}
	if raw, ok := state["critical_fields"].([]interface{}); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				c.CriticalFields = append(c.CriticalFields, s)
			}
		}
	}
	return c
}

func cloneState(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func cloneFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (a *Adjuster) increaseTimeout(state map[string]interface{}, cfg Config) (map[string]interface{}, string) {
	const factor = 2.0
	next := cfg.TimeoutSeconds * factor
	ceiling := cfg.MaxTimeoutSeconds
	if ceiling <= 0 {
		ceiling = 3600
	}
	if next > ceiling {
		next = ceiling
	}
	out := cloneState(state)
	out["timeout_seconds"] = next
	return out, StrategyIncreaseTimeout
}

func (a *Adjuster) optimizeExecution(state map[string]interface{}, cfg Config) (map[string]interface{}, string) {
	out := cloneState(state)
	batchSize := cfg.BatchSize / 2
	if batchSize < 1 {
		batchSize = 1
	}
	out["batch_size"] = float64(batchSize)
	out["parallelism"] = float64(cfg.Parallelism + 1)
	return out, StrategyOptimizeExecution
}

func (a *Adjuster) increaseResources(state map[string]interface{}, cfg Config) (map[string]interface{}, string) {
	const factor = 1.5
	memFactor := cfg.MemoryFactor * factor
	cpuFactor := cfg.CPUFactor * factor
	if cfg.MaxMemoryFactor > 0 && memFactor > cfg.MaxMemoryFactor {
		memFactor = cfg.MaxMemoryFactor
	}
	if cfg.MaxCPUFactor > 0 && cpuFactor > cfg.MaxCPUFactor {
		cpuFactor = cfg.MaxCPUFactor
	}
	out := cloneState(state)
	out["memory_factor"] = memFactor
	out["cpu_factor"] = cpuFactor
	return out, StrategyIncreaseResources
}

func (a *Adjuster) optimizeResourceUsage(state map[string]interface{}, cfg Config) (map[string]interface{}, string) {
	out := cloneState(state)
	batchSize := cfg.BatchSize / 2
	if batchSize < 1 {
		batchSize = 1
	}
	out["batch_size"] = float64(batchSize)
	return out, StrategyOptimizeResources
}

// fixConfiguration edits the fields named in patch, leaving every
// critical field untouched.
func (a *Adjuster) fixConfiguration(state map[string]interface{}, cfg Config, patch map[string]interface{}) (map[string]interface{}, string) {
	out := cloneState(state)
	fields := cloneFields(cfg.Fields)
	critical := make(map[string]bool, len(cfg.CriticalFields))
	for _, f := range cfg.CriticalFields {
		critical[f] = true
	}
	for k, v := range patch {
		if critical[k] {
			continue
		}
		fields[k] = v
	}
	out["fields"] = fields
	return out, StrategyFixConfiguration
}

func (a *Adjuster) useDefaultConfig(state map[string]interface{}, cfg Config) (map[string]interface{}, string) {
	out := cloneState(state)
	merged := cloneFields(cfg.Fields)
	critical := make(map[string]bool, len(cfg.CriticalFields))
	for _, f := range cfg.CriticalFields {
		critical[f] = true
	}
	for k, v := range cfg.DefaultSection {
		if critical[k] {
			continue
		}
		merged[k] = v
	}
	out["fields"] = merged
	return out, StrategyUseDefaultConfig
}

func (a *Adjuster) retryWithBackoff(state map[string]interface{}) (map[string]interface{}, string) {
	out := cloneState(state)
	initial, _ := state["backoff_seconds"].(float64)
	if initial <= 0 {
		initial = 60
	}
	next := initial * 2
	if next > 3600 {
		next = 3600
	}
	out["backoff_seconds"] = next
	return out, StrategyRetryWithBackoff
}

func (a *Adjuster) skipDependency(state map[string]interface{}, cfg Config) (map[string]interface{}, string) {
	out := cloneState(state)
	out["skip_dependency"] = true
	return out, StrategySkipDependency
}

// Apply selects a strategy by the issue's type (timeout,
// resource_exhaustion, configuration_error, dependency_unavailable) and
// applies it; any other issue type is an error.
func (a *Adjuster) Apply(ctx context.Context, originalState map[string]interface{}, iss issue.Classification, cause rootcause.RootCause) (correction.CorrectionResult, error) {
	cfg := toConfig(originalState)

	var corrected map[string]interface{}
	var strategy string
	switch iss.IssueType {
	case "timeout":
		if cfg.BatchSize > 1 {
			corrected, strategy = a.optimizeExecution(originalState, cfg)
		} else {
			corrected, strategy = a.increaseTimeout(originalState, cfg)
		}
	case "resource_exhaustion":
		if cfg.MemoryFactor >= cfg.MaxMemoryFactor && cfg.MaxMemoryFactor > 0 {
			corrected, strategy = a.optimizeResourceUsage(originalState, cfg)
		} else {
			corrected, strategy = a.increaseResources(originalState, cfg)
		}
	case "configuration_error":
		patch, _ := originalState["patch"].(map[string]interface{})
		if len(patch) > 0 {
			corrected, strategy = a.fixConfiguration(originalState, cfg, patch)
		} else {
			corrected, strategy = a.useDefaultConfig(originalState, cfg)
		}
	case "dependency_unavailable":
		if !cfg.DependencyCritical {
			corrected, strategy = a.skipDependency(originalState, cfg)
		} else {
			corrected, strategy = a.retryWithBackoff(originalState)
		}
	default:
		return correction.CorrectionResult{}, fmt.Errorf("pipeline adjuster: unsupported issue type %q", iss.IssueType)
	}

	return correction.CorrectionResult{
		CorrectionID:   a.nextID(),
		Strategy:       strategy,
		OriginalState:  originalState,
		CorrectedState: corrected,
		Confidence:     correction.Confidence(basePrior[strategy], a.historical, strategy, iss.Confidence),
		Successful:     true,
		Metadata:       map[string]interface{}{"issue_type": iss.IssueType},
	}, nil
}
