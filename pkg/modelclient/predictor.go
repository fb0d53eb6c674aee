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

// Package modelclient provides the ModelPredictor abstraction used by
// the issue classifier's remote inference path and the root-cause
// analyzer's model-assisted ranking: transport to the model backend
// is opaque to callers, with three interchangeable
// concrete implementations over real provider SDKs.
package modelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Prediction is the normalized shape every ModelPredictor returns,
// regardless of backend.
type Prediction struct {
	Category          string                 `json:"category"`
	Severity          string                 `json:"severity"`
	RecommendedAction string                 `json:"recommended_action"`
	Confidence        float64                `json:"confidence"`
	Raw               map[string]interface{} `json:"raw,omitempty"`
}

// ModelPredictor is the transport-opaque contract for remote-mode
// inference: a feature map goes in, a normalized Prediction comes out.
type ModelPredictor interface {
	Predict(ctx context.Context, endpoint string, features map[string]interface{}) (Prediction, error)
}

const predictionPrompt = `You are a data pipeline issue classifier. Given the following features describing a pipeline failure, respond with ONLY a JSON object of the form {"category":"...","severity":"...","recommended_action":"...","confidence":0.0}.

Features:
%s`

func buildPrompt(features map[string]interface{}) (string, error) {
	b, err := json.MarshalIndent(features, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal features: %w", err)
	}
	return fmt.Sprintf(predictionPrompt, string(b)), nil
}

// parsePrediction extracts the JSON object from a model's raw text
// response, tolerating surrounding prose or markdown code fences.
func parsePrediction(text string) (Prediction, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return Prediction{}, fmt.Errorf("no JSON object found in model response")
	}
	var p Prediction
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return Prediction{}, fmt.Errorf("decode model response: %w", err)
	}
	if p.Raw == nil {
		p.Raw = map[string]interface{}{"text": text}
	}
	return p, nil
}
