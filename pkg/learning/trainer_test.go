package learning

import (
	"context"
	"testing"
	"time"

	"github.com/jordigilh/selfheal/pkg/store/memory"
)

type meanModel struct{ predicted float64 }

func (m meanModel) Predict(_ map[string]float64) float64 { return m.predicted }

func buildMean(train []FeatureRow) (Model, error) {
	var sum float64
	for _, r := range train {
		sum += r.Label
	}
	if len(train) == 0 {
		return meanModel{}, nil
	}
	return meanModel{predicted: sum / float64(len(train))}, nil
}

func evaluateMSE(model Model, validation []FeatureRow) map[string]float64 {
	var sq float64
	for _, r := range validation {
		d := model.Predict(r.Features) - r.Label
		sq += d * d
	}
	mse := 0.0
	if len(validation) > 0 {
		mse = sq / float64(len(validation))
	}
	// accuracy here is just 1/(1+mse): higher is better, giving the
	// promotion-margin comparison a metric that improves as error shrinks.
	return map[string]float64{"mse": mse, "accuracy": 1 / (1 + mse)}
}

func identityRows(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func prepFromLabels(labels []float64) FeaturePrep {
	return func(_ []Feedback, _ []Entry) []FeatureRow {
		rows := make([]FeatureRow, len(labels))
		for i, l := range labels {
			rows[i] = FeatureRow{Features: map[string]float64{"x": l}, Label: l}
		}
		return rows
	}
}

func TestTrainer_FirstRunAlwaysPromotes(t *testing.T) {
	ctx := context.Background()
	docs := memory.New(func() int64 { return 0 })
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trainer := NewTrainer(docs, fixedNow(now), identityRows)

	result, err := trainer.Retrain(ctx, "risk-classifier", nil, nil,
		prepFromLabels([]float64{1, 1, 1, 1, 1, 0, 0, 0, 0, 0}),
		buildMean, evaluateMSE, "accuracy", 0.8, 0)
	if err != nil {
		t.Fatalf("Retrain: %v", err)
	}
	if !result.Promoted {
		t.Fatalf("Retrain() Promoted = false, want true for first run")
	}
	if result.Version.Version != 1 {
		t.Fatalf("Retrain() Version = %d, want 1", result.Version.Version)
	}
}

func TestTrainer_ChallengerMustStrictlyImprove(t *testing.T) {
	ctx := context.Background()
	docs := memory.New(func() int64 { return 0 })
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trainer := NewTrainer(docs, fixedNow(now), identityRows)

	// Champion trained on a perfectly uniform label (mse=0, accuracy=1):
	// no later run can beat it, so it should never be displaced.
	first, err := trainer.Retrain(ctx, "risk-classifier", nil, nil,
		prepFromLabels([]float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5}),
		buildMean, evaluateMSE, "accuracy", 0.8, 0)
	if err != nil {
		t.Fatalf("Retrain (first): %v", err)
	}
	if !first.Promoted {
		t.Fatalf("first Retrain() Promoted = false, want true")
	}

	second, err := trainer.Retrain(ctx, "risk-classifier", nil, nil,
		prepFromLabels([]float64{1, 9, 1, 9, 1, 9, 1, 9, 1, 9}),
		buildMean, evaluateMSE, "accuracy", 0.8, 0)
	if err != nil {
		t.Fatalf("Retrain (second): %v", err)
	}
	if second.Promoted {
		t.Fatalf("second Retrain() Promoted = true, want false (cannot strictly beat a perfect champion)")
	}
	if second.Champion == nil || second.Champion.Version != first.Version.Version {
		t.Fatalf("second Retrain() Champion = %+v, want unchanged champion v%d", second.Champion, first.Version.Version)
	}
	if second.Version.Version != 2 {
		t.Fatalf("second Retrain() Version = %d, want 2 (monotonic even when not promoted)", second.Version.Version)
	}
}
