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

// Package llm defines the completion provider abstraction used by the
// policy generation pipeline. A provider takes a system/user prompt pair
// and returns raw completion text; everything downstream of the raw text
// (normalization, streaming) lives elsewhere.
package llm

import "time"

// ProviderType identifies the type of completion provider.
type ProviderType string

const (
	// ProviderTypeAnthropic represents the Anthropic Messages API.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"
)

// Default sampling parameters. Low temperature biases the model toward
// deterministic, well-formed JSON output.
const (
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 4096
)

// CompletionRequest encapsulates one completion round trip.
type CompletionRequest struct {
	// SystemPrompt sets the operation-specific behavior contract.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Prompt is the user message embedding the instructions.
	Prompt string `json:"prompt"`

	// MaxTokens bounds the output length. Truncated output is tolerated
	// downstream by the normalizer.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`
}

// CompletionResponse is the raw result of one completion call.
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      UsageStats
	Latency    time.Duration
}

// UsageStats contains token usage statistics
type UsageStats struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
