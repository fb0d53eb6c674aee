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
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockPredictor invokes a Bedrock foundation model via
// InvokeModel, using the Anthropic-on-Bedrock request/response shape.
type BedrockPredictor struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockPredictor builds a predictor against modelID (e.g.
// "anthropic.claude-3-5-sonnet-20241022-v2:0").
func NewBedrockPredictor(client *bedrockruntime.Client, modelID string) *BedrockPredictor {
	return &BedrockPredictor{client: client, modelID: modelID}
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string                   `json:"anthropic_version"`
	MaxTokens        int                      `json:"max_tokens"`
	Messages         []bedrockAnthropicMsg    `json:"messages"`
}

type bedrockAnthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Predict invokes the configured Bedrock model. endpoint, when
// non-empty, overrides modelID for this call, letting callers route
// to a provisioned-throughput ARN instead of the base model id.
func (p *BedrockPredictor) Predict(ctx context.Context, endpoint string, features map[string]interface{}) (Prediction, error) {
	prompt, err := buildPrompt(features)
	if err != nil {
		return Prediction{}, err
	}

	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        512,
		Messages:         []bedrockAnthropicMsg{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("bedrock marshal request: %w", err)
	}

	modelID := p.modelID
	if endpoint != "" {
		modelID = endpoint
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("bedrock invoke model: %w", err)
	}

	var resp bedrockAnthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return Prediction{}, fmt.Errorf("bedrock decode response: %w", err)
	}
	var text string
	for _, c := range resp.Content {
		text += c.Text
	}
	return parsePrediction(text)
}
