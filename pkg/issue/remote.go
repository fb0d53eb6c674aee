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

package issue

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jordigilh/selfheal/pkg/classifier"
	"github.com/jordigilh/selfheal/pkg/modelclient"
	"github.com/jordigilh/selfheal/pkg/observability"
)

// RemoteClassifier implements Classifier by delegating to a
// modelclient.ModelPredictor. Its output shape is identical to
// LocalClassifier's: behaviour and output shape must be
// identical across modes".
type RemoteClassifier struct {
	predictor           modelclient.ModelPredictor
	endpoint            string
	confidenceThreshold float64
	logger              *zap.Logger
}

// SetLogger attaches a logger low-confidence downgrades are reported
// to. Optional — call once after construction, before concurrent use.
func (c *RemoteClassifier) SetLogger(l *zap.Logger) {
	c.logger = l
}

// NewRemoteClassifier builds a RemoteClassifier calling predictor at endpoint.
func NewRemoteClassifier(predictor modelclient.ModelPredictor, endpoint string, confidenceThreshold float64) *RemoteClassifier {
	if confidenceThreshold <= 0 {
		confidenceThreshold = DefaultConfidenceThreshold
	}
	return &RemoteClassifier{predictor: predictor, endpoint: endpoint, confidenceThreshold: confidenceThreshold}
}

func (c *RemoteClassifier) Classify(ctx context.Context, d Descriptor) (Classification, error) {
	features := toFeatureMap(d)
	ctx, end := observability.Span(ctx, "issue.remote_classifier.predict", attribute.String("endpoint", c.endpoint))
	pred, err := c.predictor.Predict(ctx, c.endpoint, features)
	end(err)
	if err != nil {
		return Classification{}, err
	}

	cl := Classification{
		Category:          Category(pred.Category),
		Severity:          severityFromString(pred.Severity),
		IssueType:         pred.Category,
		Description:       d.ErrorMessage,
		RecommendedAction: pred.RecommendedAction,
		Confidence:        pred.Confidence,
		Recoverability:    classifier.AutoRecoverable,
		Features:          features,
	}
	applyThreshold(&cl, c.confidenceThreshold, c.logger)
	return cl, nil
}

func severityFromString(s string) classifier.Severity {
	switch s {
	case "critical", "CRITICAL":
		return classifier.SeverityCritical
	case "high", "HIGH":
		return classifier.SeverityHigh
	case "low", "LOW":
		return classifier.SeverityLow
	default:
		return classifier.SeverityMedium
	}
}

// Selector chooses between local and remote classification by config,
// so prediction-path selection stays config-driven.
type Selector struct {
	mode   string
	local  *LocalClassifier
	remote *RemoteClassifier
}

// NewSelector builds a Selector. mode is "local" or "remote".
func NewSelector(mode string, local *LocalClassifier, remote *RemoteClassifier) *Selector {
	return &Selector{mode: mode, local: local, remote: remote}
}

func (s *Selector) Classify(ctx context.Context, d Descriptor) (Classification, error) {
	if s.mode == "remote" && s.remote != nil {
		return s.remote.Classify(ctx, d)
	}
	return s.local.Classify(ctx, d)
}
