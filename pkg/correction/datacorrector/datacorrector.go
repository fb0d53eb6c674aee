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

// Package datacorrector implements the Data Corrector: the
// data-quality correction engine. Every strategy produces a new staged
// artifact referencing the original rather than mutating it in place.
package datacorrector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jordigilh/selfheal/pkg/correction"
	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/rootcause"
	sharedmath "github.com/jordigilh/selfheal/pkg/shared/math"
	"github.com/jordigilh/selfheal/pkg/store"
)

// Strategy names, reported verbatim in CorrectionResult.Strategy.
const (
	StrategyImpute       = "impute"
	StrategyOutlier      = "outlier_handling"
	StrategyCoerce       = "type_coercion"
	StrategyNormalize    = "format_normalization"
	StrategyDriftAdapt   = "schema_drift_adaptation"
)

// basePrior is each strategy's prior weight in the confidence formula.
var basePrior = map[string]float64{
	StrategyImpute:     0.7,
	StrategyOutlier:    0.65,
	StrategyCoerce:     0.8,
	StrategyNormalize:  0.75,
	StrategyDriftAdapt: 0.6,
}

// Input is the Data Corrector's view of original_state: a column-
// oriented slice of records plus the instructions selecting a
// strategy's parameters.
type Input struct {
	Records         []map[string]interface{} `json:"records"`
	Column          string                    `json:"column"`
	ImputeMethod    string                    `json:"impute_method"` // constant | mean | interpolated
	Constant        interface{}               `json:"constant"`      // used when ImputeMethod == constant
	OutlierMethod   string                    `json:"outlier_method"` // iqr | zscore
	ZScoreThreshold float64                   `json:"zscore_threshold"`
	RemoveOutliers  bool                      `json:"remove_outliers"` // false flags instead of removing
	TargetType      string                    `json:"target_type"`     // bool | int | float | string, for coercion
	Format          string                    `json:"format"`          // canonical format token, for normalization
	AddedFields     map[string]interface{}    `json:"added_fields"`
	RemovedFields   []string                  `json:"removed_fields"`
}

// Corrector is the data-quality correction engine.
type Corrector struct {
	objects    store.ObjectStore
	nextID     func() string
	historical correction.HistoricalSuccessRate
}

// New builds a Corrector. historical may be nil (defaults to a neutral
// 0.5 success rate for every strategy).
func New(objects store.ObjectStore, nextID func() string, historical correction.HistoricalSuccessRate) *Corrector {
	return &Corrector{objects: objects, nextID: nextID, historical: historical}
}

func cloneRecords(in []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, len(in))
	for i, r := range in {
		cp := make(map[string]interface{}, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// selectStrategy maps an issue type (or, failing that, a root-cause
// type) onto one of the five Data Corrector strategies.
func selectStrategy(iss issue.Classification, cause rootcause.RootCause) string {
	switch iss.IssueType {
	case "null_violation":
		return StrategyImpute
	case "outlier":
		return StrategyOutlier
	case "type_mismatch":
		return StrategyCoerce
	case "format_inconsistency":
		return StrategyNormalize
	case "schema_mismatch":
		return StrategyDriftAdapt
	}
	switch cause.Type {
	case "outlier":
		return StrategyOutlier
	case "schema_drift":
		return StrategyDriftAdapt
	default:
		return StrategyImpute
	}
}

func (c *Corrector) imputeMissing(records []map[string]interface{}, in Input) []map[string]interface{} {
	out := cloneRecords(records)
	var known []float64
	var lastVal interface{}
	missing := make([]int, 0)
	for i, r := range out {
		if v, ok := r[in.Column]; ok && v != nil {
			if f, ok := asFloat(v); ok {
				known = append(known, f)
			}
			lastVal = v
		} else {
			missing = append(missing, i)
		}
	}

	switch in.ImputeMethod {
	case "mean":
		mean := sharedmath.Mean(known)
		for _, i := range missing {
			out[i][in.Column] = mean
		}
	case "interpolated":
		for _, i := range missing {
			if lastVal != nil {
				out[i][in.Column] = lastVal
				continue
			}
			if i+1 < len(out) {
				if v, ok := out[i+1][in.Column]; ok {
					out[i][in.Column] = v
					continue
				}
			}
			out[i][in.Column] = in.Constant
		}
	default: // constant
		for _, i := range missing {
			out[i][in.Column] = in.Constant
		}
	}
	return out
}

// iqrBounds returns the [lower, upper] non-outlier bounds, 1.5*IQR
// beyond Q1/Q3.
func iqrBounds(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func (c *Corrector) handleOutliers(records []map[string]interface{}, in Input) []map[string]interface{} {
	var values []float64
	for _, r := range records {
		if v, ok := r[in.Column]; ok {
			if f, ok := asFloat(v); ok {
				values = append(values, f)
			}
		}
	}

	isOutlier := func(f float64) bool {
		if in.OutlierMethod == "zscore" {
			mean := sharedmath.Mean(values)
			stddev := sharedmath.StandardDeviation(values)
			if stddev == 0 {
				return false
			}
			threshold := in.ZScoreThreshold
			if threshold == 0 {
				threshold = 3.0
			}
			z := (f - mean) / stddev
			if z < 0 {
				z = -z
			}
			return z > threshold
		}
		lower, upper := iqrBounds(values)
		return f < lower || f > upper
	}

	var out []map[string]interface{}
	for _, r := range cloneRecords(records) {
		f, ok := asFloat(r[in.Column])
		if !ok || !isOutlier(f) {
			out = append(out, r)
			continue
		}
		if in.RemoveOutliers {
			continue
		}
		r["_outlier"] = true
		out = append(out, r)
	}
	return out
}

func coerceValue(v interface{}, targetType string) interface{} {
	switch targetType {
	case "string":
		return fmt.Sprintf("%v", v)
	case "int":
		if f, ok := asFloat(v); ok {
			return int64(f)
		}
	case "float":
		if f, ok := asFloat(v); ok {
			return f
		}
	case "bool":
		switch s := fmt.Sprintf("%v", v); s {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return v
}

func (c *Corrector) coerceTypes(records []map[string]interface{}, in Input) []map[string]interface{} {
	out := cloneRecords(records)
	for _, r := range out {
		if v, ok := r[in.Column]; ok {
			r[in.Column] = coerceValue(v, in.TargetType)
		}
	}
	return out
}

func (c *Corrector) normalizeFormat(records []map[string]interface{}, in Input) []map[string]interface{} {
	out := cloneRecords(records)
	for _, r := range out {
		v, ok := r[in.Column]
		if !ok {
			continue
		}
		s := fmt.Sprintf("%v", v)
		switch in.Format {
		case "lower":
			r[in.Column] = strings.ToLower(s)
		case "upper":
			r[in.Column] = strings.ToUpper(s)
		case "trim":
			r[in.Column] = strings.TrimSpace(s)
		}
	}
	return out
}

func (c *Corrector) adaptSchemaDrift(records []map[string]interface{}, in Input) []map[string]interface{} {
	out := cloneRecords(records)
	for _, r := range out {
		for _, removed := range in.RemovedFields {
			delete(r, removed)
		}
		for k, v := range in.AddedFields {
			if _, exists := r[k]; !exists {
				r[k] = v
			}
		}
	}
	return out
}

// Apply selects a strategy by issue type (falling back to the root
// cause's type), applies it, and persists the corrected records as a
// fresh staged artifact in the object store — the original input is
// never mutated.
func (c *Corrector) Apply(ctx context.Context, originalState map[string]interface{}, iss issue.Classification, cause rootcause.RootCause) (correction.CorrectionResult, error) {
	in, err := decodeInput(originalState)
	if err != nil {
		return correction.CorrectionResult{}, err
	}

	strategy := selectStrategy(iss, cause)
	var corrected []map[string]interface{}
	switch strategy {
	case StrategyImpute:
		corrected = c.imputeMissing(in.Records, in)
	case StrategyOutlier:
		corrected = c.handleOutliers(in.Records, in)
	case StrategyCoerce:
		corrected = c.coerceTypes(in.Records, in)
	case StrategyNormalize:
		corrected = c.normalizeFormat(in.Records, in)
	case StrategyDriftAdapt:
		corrected = c.adaptSchemaDrift(in.Records, in)
	}

	stagingID := c.nextID()
	correctedState := map[string]interface{}{"records": toAnySlice(corrected)}
	successful := true
	if c.objects != nil {
		payload, marshalErr := json.Marshal(correctedState)
		if marshalErr != nil {
			return correction.CorrectionResult{}, fmt.Errorf("marshal corrected records: %w", marshalErr)
		}
		key := "staging/" + stagingID + ".json"
		if uploadErr := c.objects.Upload(ctx, key, payload, "application/json"); uploadErr != nil {
			successful = false
		} else if metaErr := c.objects.UpdateMetadata(ctx, key, map[string]string{"strategy": strategy}); metaErr != nil {
			successful = false
		}
		correctedState["staging_key"] = key
	}

	return correction.CorrectionResult{
		CorrectionID:   stagingID,
		Strategy:       strategy,
		OriginalState:  originalState,
		CorrectedState: correctedState,
		Confidence:     correction.Confidence(basePrior[strategy], c.historical, strategy, iss.Confidence),
		Successful:     successful,
		Metadata:       map[string]interface{}{"staging_id": stagingID, "source": "original"},
	}, nil
}

func decodeInput(state map[string]interface{}) (Input, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return Input{}, fmt.Errorf("marshal original_state: %w", err)
	}
	var in Input
	if err := json.Unmarshal(b, &in); err != nil {
		return Input{}, fmt.Errorf("decode original_state: %w", err)
	}
	return in, nil
}

func toAnySlice(records []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}

