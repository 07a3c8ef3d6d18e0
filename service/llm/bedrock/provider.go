// Copyright 2025 PolicyForge
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bedrock implements the completion provider for AWS Bedrock
// using the AWS SDK v2. Authentication uses AWS Signature V4 via IAM
// roles, so no API key is required.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"policyforge/platform/service/llm"
)

// DefaultModel is used when the config names no model.
const DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

// InvokeAPI is the subset of the Bedrock runtime client used by the
// provider (enables testing).
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock anthropic-family models.
type Provider struct {
	client  InvokeAPI
	region  string
	model   string
	healthy bool
	mu      sync.RWMutex
}

// Config contains configuration for the Bedrock provider
type Config struct {
	Region string // Required: AWS region hosting the model
	Model  string // Optional: model ID (default: Claude 3.5 Sonnet)
}

// NewProvider creates a Bedrock provider backed by a real AWS client.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewProviderWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

// NewProviderWithClient creates a Bedrock provider with an injected
// client. Tests use this with a fake InvokeAPI.
func NewProviderWithClient(client InvokeAPI, cfg Config) *Provider {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Provider{
		client:  client,
		region:  cfg.Region,
		model:   model,
		healthy: true,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "bedrock"
}

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeBedrock
}

// IsHealthy returns whether the provider is healthy
func (p *Provider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Complete generates a completion for the given request
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}

	temperature := req.Temperature
	if temperature < 0 {
		temperature = llm.DefaultTemperature
	}

	requestBody := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"temperature":       temperature,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.SystemPrompt != "" {
		requestBody["system"] = req.SystemPrompt
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.setHealthy(false)
		return nil, classifyInvokeError(err)
	}

	p.setHealthy(true)

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var contentBuilder strings.Builder
	for _, block := range resp.Content {
		contentBuilder.WriteString(block.Text)
	}

	return &llm.CompletionResponse{
		Content:    contentBuilder.String(),
		Model:      model,
		StopReason: resp.StopReason,
		Usage: llm.UsageStats{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// classifyInvokeError maps AWS SDK errors into the shared error taxonomy.
func classifyInvokeError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := llm.KindProvider
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			kind = llm.KindRateLimited
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			kind = llm.KindAuth
		case "ModelTimeoutException":
			kind = llm.KindTimeout
		}
		return &llm.APIError{
			Kind:     kind,
			Provider: "bedrock",
			Message:  apiErr.ErrorMessage(),
		}
	}

	return llm.WrapTransport("bedrock", err)
}
