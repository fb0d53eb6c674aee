package issue

import (
	"context"
	"testing"

	"github.com/jordigilh/selfheal/pkg/classifier"
	"github.com/jordigilh/selfheal/pkg/modelclient"
)

func TestLocalClassifier_MatchesSchemaMismatchRule(t *testing.T) {
	c := NewLocalClassifier(nil, DefaultConfidenceThreshold)
	cl, err := c.Classify(context.Background(), Descriptor{ErrorMessage: "schema mismatch: column missing", Dataset: "d", Table: "t"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cl.Category != CategoryDataQuality || cl.IssueType != "schema_mismatch" {
		t.Fatalf("Classify() = %+v, want data-quality/schema_mismatch", cl)
	}
	if cl.Recoverability != classifier.AutoRecoverable {
		t.Errorf("Recoverability = %v, want AUTO_RECOVERABLE", cl.Recoverability)
	}
}

func TestLocalClassifier_UnmatchedIssueIsManualRecoverable(t *testing.T) {
	c := NewLocalClassifier(nil, DefaultConfidenceThreshold)
	cl, err := c.Classify(context.Background(), Descriptor{ErrorMessage: "completely novel failure mode xyz"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cl.Recoverability != classifier.ManualRecoverable {
		t.Errorf("Recoverability = %v, want MANUAL_RECOVERABLE", cl.Recoverability)
	}
}

func TestLocalClassifier_ConfidenceBelowThresholdDowngrades(t *testing.T) {
	c := NewLocalClassifier(nil, 0.95) // threshold above every default rule's base confidence
	cl, err := c.Classify(context.Background(), Descriptor{ErrorMessage: "schema mismatch detected"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cl.Recoverability != classifier.ManualRecoverable {
		t.Errorf("Recoverability = %v, want MANUAL_RECOVERABLE (confidence below threshold)", cl.Recoverability)
	}
}

func TestLocalClassifier_ReloadAppliesWeight(t *testing.T) {
	c := NewLocalClassifier(nil, 0.1)
	c.Reload(&ModelArtifact{Weights: map[string]float64{"schema_mismatch": 0.5}})
	cl, err := c.Classify(context.Background(), Descriptor{ErrorMessage: "schema mismatch detected"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cl.Confidence >= 0.9 {
		t.Errorf("Confidence = %v, want weighted down by artifact", cl.Confidence)
	}
}

type fakePredictor struct {
	pred modelclient.Prediction
	err  error
}

func (f fakePredictor) Predict(context.Context, string, map[string]interface{}) (modelclient.Prediction, error) {
	return f.pred, f.err
}

func TestRemoteClassifier_MatchesLocalOutputShape(t *testing.T) {
	fp := fakePredictor{pred: modelclient.Prediction{Category: "data-quality", Severity: "medium", RecommendedAction: "data_correction", Confidence: 0.92}}
	c := NewRemoteClassifier(fp, "endpoint", DefaultConfidenceThreshold)
	cl, err := c.Classify(context.Background(), Descriptor{ErrorMessage: "bad row"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cl.Category != CategoryDataQuality || cl.Recoverability != classifier.AutoRecoverable {
		t.Fatalf("Classify() = %+v", cl)
	}
}

func TestSelector_RoutesByMode(t *testing.T) {
	local := NewLocalClassifier(nil, DefaultConfidenceThreshold)
	fp := fakePredictor{pred: modelclient.Prediction{Category: "resource", Severity: "high", RecommendedAction: "increase_resources", Confidence: 0.9}}
	remote := NewRemoteClassifier(fp, "endpoint", DefaultConfidenceThreshold)

	s := NewSelector("remote", local, remote)
	cl, err := s.Classify(context.Background(), Descriptor{ErrorMessage: "oom"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cl.Category != CategoryResource {
		t.Errorf("expected remote path, got %+v", cl)
	}

	s2 := NewSelector("local", local, remote)
	cl2, err := s2.Classify(context.Background(), Descriptor{ErrorMessage: "schema mismatch"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cl2.Category != CategoryDataQuality {
		t.Errorf("expected local path, got %+v", cl2)
	}
}
