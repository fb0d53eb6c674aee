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
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	sharedhttp "github.com/jordigilh/selfheal/pkg/shared/http"
)

// AnthropicPredictor calls the Anthropic Messages API directly.
type AnthropicPredictor struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicPredictor builds a predictor against the given model
// (e.g. anthropic.ModelClaude3_5SonnetLatest) using apiKey for auth,
// over the shared resilient transport tuned for LLM inference calls
// (pkg/shared/http.LLMClientConfig) rather than the SDK's bare default
// client.
func NewAnthropicPredictor(apiKey string, model anthropic.Model) *AnthropicPredictor {
	httpClient := sharedhttp.NewClient(sharedhttp.LLMClientConfig(60 * time.Second))
	return &AnthropicPredictor{
		client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient)),
		model:  model,
	}
}

// Predict sends the feature map as a structured classification prompt
// and parses the single JSON object the model is instructed to return.
// endpoint is accepted for interface symmetry with the other
// predictors but unused: Anthropic's SDK resolves its own endpoint.
func (p *AnthropicPredictor) Predict(ctx context.Context, endpoint string, features map[string]interface{}) (Prediction, error) {
	prompt, err := buildPrompt(features)
	if err != nil {
		return Prediction{}, err
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("anthropic predict: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return parsePrediction(text)
}
