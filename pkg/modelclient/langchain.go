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

package modelclient

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// LangchainPredictor wraps any langchaingo llms.Model, giving us one
// ModelPredictor implementation that works against whatever generic
// LLM backend langchaingo supports (OpenAI-compatible endpoints,
// local runtimes, etc.) without a provider-specific SDK.
type LangchainPredictor struct {
	model llms.Model
}

// NewLangchainPredictor wraps an already-configured langchaingo model.
func NewLangchainPredictor(model llms.Model) *LangchainPredictor {
	return &LangchainPredictor{model: model}
}

// Predict delegates to llms.GenerateFromSinglePrompt. endpoint is
// unused: the langchaingo model already carries its own endpoint
// configuration from construction.
func (p *LangchainPredictor) Predict(ctx context.Context, endpoint string, features map[string]interface{}) (Prediction, error) {
	prompt, err := buildPrompt(features)
	if err != nil {
		return Prediction{}, err
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt)
	if err != nil {
		return Prediction{}, fmt.Errorf("langchain predict: %w", err)
	}
	return parsePrediction(text)
}
