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
	"time"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

const modelVersionCollection = "model_versions"

// FeatureRow is one prepared training example.
type FeatureRow struct {
	Features map[string]float64
	Label    float64
}

// Model is anything the trainer can evaluate against a validation
// split; concrete implementations live with the model type they serve
// (outside this package — the trainer only orchestrates the run, it
// never implements a model).
type Model interface {
	Predict(features map[string]float64) float64
}

// FeaturePrep turns a feedback window and the current knowledge base
// into training rows.
type FeaturePrep func(feedback []Feedback, knowledge []Entry) []FeatureRow

// Build trains a fresh Model from the training split.
type Build func(train []FeatureRow) (Model, error)

// Evaluate scores a Model against the validation split, returning a
// metric name -> value map; the caller names which key is primary.
type Evaluate func(model Model, validation []FeatureRow) map[string]float64

// DefaultSplitRatio is the default fraction of feedback rows that go
// to the training split; the remainder forms the validation split.
const DefaultSplitRatio = 0.8

// DefaultPromotionMargin is the default strict-improvement margin a
// challenger must clear over the current champion's primary metric.
const DefaultPromotionMargin = 0.02

// Version is one registered, versioned training run artifact.
type Version struct {
	ModelType  string             `json:"model_type"`
	Version    int                `json:"version"`
	Metrics    map[string]float64 `json:"metrics"`
	TrainedAt  time.Time          `json:"trained_at"`
	Champion   bool               `json:"champion"`
}

func versionKey(modelType string, version int) string {
	return fmt.Sprintf("%s:%d", modelType, version)
}

func versionToDoc(v Version) map[string]interface{} {
	b, _ := json.Marshal(v)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

func versionFromDoc(doc map[string]interface{}) (Version, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return Version{}, err
	}
	var v Version
	if err := json.Unmarshal(b, &v); err != nil {
		return Version{}, err
	}
	return v, nil
}

// Trainer is the model trainer: it orchestrates one retraining run
// per invocation, registers the result as a new version, and decides
// whether it unseats the current champion.
type Trainer struct {
	docs      store.DocumentStore
	nowFn     func() time.Time
	splitFn   func(n int) []int // permutation of [0,n); identity order if nil
}

// NewTrainer builds a Trainer. split, when non-nil, supplies the
// deterministic row permutation used to carve the train/validation
// split (tests inject a fixed permutation; production can inject a
// seeded shuffle). A nil split leaves row order unchanged.
func NewTrainer(docs store.DocumentStore, now func() time.Time, split func(n int) []int) *Trainer {
	return &Trainer{docs: docs, nowFn: now, splitFn: split}
}

// RunResult is one retraining run's outcome.
type RunResult struct {
	Version   Version
	Promoted  bool
	Champion  *Version // the version that is champion after this run
}

// Retrain prepares features from feedback+knowledge, splits them
// train/validation, builds a model, evaluates it, registers the
// resulting artifact as a new version of modelType, and promotes it to
// champion when its primaryMetric strictly improves on the current
// champion's by at least margin (margin <= 0 uses DefaultPromotionMargin;
// a model type with no existing champion is always promoted).
func (t *Trainer) Retrain(
	ctx context.Context,
	modelType string,
	feedback []Feedback,
	knowledge []Entry,
	prep FeaturePrep,
	build Build,
	evaluate Evaluate,
	primaryMetric string,
	splitRatio, margin float64,
) (RunResult, error) {
	if splitRatio <= 0 || splitRatio >= 1 {
		splitRatio = DefaultSplitRatio
	}
	if margin <= 0 {
		margin = DefaultPromotionMargin
	}

	rows := prep(feedback, knowledge)
	train, validation := t.split(rows, splitRatio)

	model, err := build(train)
	if err != nil {
		return RunResult{}, selfherrors.Wrapf(err, "build model for %s", modelType)
	}
	metrics := evaluate(model, validation)

	champion, err := t.champion(ctx, modelType)
	if err != nil {
		return RunResult{}, err
	}

	next := 1
	if latest, err := t.latest(ctx, modelType); err == nil && latest != nil {
		next = latest.Version + 1
	}

	v := Version{
		ModelType: modelType,
		Version:   next,
		Metrics:   metrics,
		TrainedAt: t.nowFn(),
	}

	promote := champion == nil || metrics[primaryMetric]-champion.Metrics[primaryMetric] >= margin
	v.Champion = promote

	if err := t.docs.Set(ctx, modelVersionCollection, versionKey(modelType, v.Version), versionToDoc(v)); err != nil {
		return RunResult{}, selfherrors.DatabaseError("persist model version "+versionKey(modelType, v.Version), err)
	}

	if promote && champion != nil {
		champion.Champion = false
		if err := t.docs.Set(ctx, modelVersionCollection, versionKey(modelType, champion.Version), versionToDoc(*champion)); err != nil {
			return RunResult{}, selfherrors.DatabaseError("demote model version "+versionKey(modelType, champion.Version), err)
		}
	}

	result := RunResult{Version: v, Promoted: promote}
	if promote {
		result.Champion = &v
	} else {
		result.Champion = champion
	}
	return result, nil
}

// split partitions rows into train/validation by ratio, using t.splitFn
// for row order when supplied.
func (t *Trainer) split(rows []FeatureRow, ratio float64) (train, validation []FeatureRow) {
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	if t.splitFn != nil {
		order = t.splitFn(len(rows))
	}

	cut := int(float64(len(rows)) * ratio)
	for i, idx := range order {
		if i < cut {
			train = append(train, rows[idx])
		} else {
			validation = append(validation, rows[idx])
		}
	}
	return train, validation
}

// champion returns modelType's current champion version, or nil if
// none has been promoted yet.
func (t *Trainer) champion(ctx context.Context, modelType string) (*Version, error) {
	recs, err := t.docs.Query(ctx, modelVersionCollection, store.Criteria{"model_type": modelType, "champion": true}, 1)
	if err != nil {
		return nil, selfherrors.DatabaseError("query champion for "+modelType, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	v, err := versionFromDoc(recs[0].Doc)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// latest returns the highest-numbered registered version of modelType
// regardless of champion status, used to keep version numbers
// monotonic whether or not earlier runs were promoted.
func (t *Trainer) latest(ctx context.Context, modelType string) (*Version, error) {
	recs, err := t.docs.Query(ctx, modelVersionCollection, store.Criteria{"model_type": modelType}, 0)
	if err != nil {
		return nil, selfherrors.DatabaseError("query versions for "+modelType, err)
	}
	var best *Version
	for _, rec := range recs {
		v, err := versionFromDoc(rec.Doc)
		if err != nil {
			continue
		}
		if best == nil || v.Version > best.Version {
			vc := v
			best = &vc
		}
	}
	return best, nil
}
