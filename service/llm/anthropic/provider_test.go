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

package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"policyforge/platform/service/llm"
)

// MockHTTPClient is a mock implementation of HTTPClient
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func mockResponse(statusCode int, body interface{}) *http.Response {
	data, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(bytes.NewReader(data)),
	}
}

// =============================================================================
// Provider Creation Tests
// =============================================================================

func TestNewProvider_Success(t *testing.T) {
	provider, err := NewProvider(Config{
		APIKey: "test-api-key",
	})

	require.NoError(t, err)
	assert.NotNil(t, provider)
	assert.Equal(t, "anthropic", provider.Name())
	assert.Equal(t, llm.ProviderTypeAnthropic, provider.Type())
	assert.Equal(t, DefaultBaseURL, provider.baseURL)
	assert.Equal(t, DefaultAPIVersion, provider.apiVersion)
	assert.Equal(t, DefaultModel, provider.model)
	assert.True(t, provider.IsHealthy())
}

func TestNewProvider_MissingAPIKey(t *testing.T) {
	provider, err := NewProvider(Config{})

	assert.Error(t, err)
	assert.Nil(t, provider)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestProvider_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		healthy  bool
		expected bool
	}{
		{"healthy with API key", "test-key", true, true},
		{"unhealthy state", "test-key", false, false},
		{"missing API key", "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &Provider{
				apiKey:  tt.apiKey,
				healthy: tt.healthy,
			}
			assert.Equal(t, tt.expected, provider.IsHealthy())
		})
	}
}

// =============================================================================
// Complete Tests
// =============================================================================

func testProvider(client HTTPClient) *Provider {
	return &Provider{
		apiKey:     "test-api-key",
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		model:      DefaultModel,
		client:     client,
		healthy:    true,
	}
}

func TestProvider_Complete_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := testProvider(mockClient)

	apiResp := anthropicResponse{
		ID:         "msg_123",
		Type:       "message",
		Role:       "assistant",
		Model:      DefaultModel,
		StopReason: "end_turn",
		Content: []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{
			{Type: "text", Text: `{"policy":"package ex","explanation":"e","test_inputs":[]}`},
		},
		Usage: struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		}{
			InputTokens:  120,
			OutputTokens: 80,
		},
	}

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.String() == DefaultBaseURL+"/v1/messages" &&
			req.Header.Get("x-api-key") == "test-api-key" &&
			req.Header.Get("anthropic-version") == DefaultAPIVersion
	})).Return(mockResponse(http.StatusOK, apiResp), nil)

	resp, err := provider.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are a Rego expert.",
		Prompt:       "only admins can delete",
		MaxTokens:    1000,
		Temperature:  0.2,
	})

	require.NoError(t, err)
	assert.Equal(t, `{"policy":"package ex","explanation":"e","test_inputs":[]}`, resp.Content)
	assert.Equal(t, DefaultModel, resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 120, resp.Usage.InputTokens)
	assert.Equal(t, 80, resp.Usage.OutputTokens)
	assert.Equal(t, 200, resp.Usage.TotalTokens)
	assert.True(t, provider.IsHealthy())

	mockClient.AssertExpectations(t)
}

func TestProvider_Complete_SendsSystemPrompt(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := testProvider(mockClient)

	var captured anthropicRequest
	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return false
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		return json.Unmarshal(body, &captured) == nil
	})).Return(mockResponse(http.StatusOK, anthropicResponse{}), nil)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "system instructions",
		Prompt:       "user instructions",
	})

	require.NoError(t, err)
	assert.Equal(t, "system instructions", captured.System)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
	assert.Equal(t, "user instructions", captured.Messages[0].Content)
	assert.Equal(t, llm.DefaultMaxTokens, captured.MaxTokens)
	require.NotNil(t, captured.Temperature)
	assert.Equal(t, 0.0, *captured.Temperature)
}

func TestProvider_Complete_RateLimitError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := testProvider(mockClient)

	errBody := map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    "rate_limit_error",
			"message": "Number of requests has exceeded your rate limit",
		},
	}
	mockClient.On("Do", mock.Anything).Return(mockResponse(http.StatusTooManyRequests, errBody), nil)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

	require.Error(t, err)
	assert.True(t, llm.IsRateLimited(err))

	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "rate limit")
}

func TestProvider_Complete_AuthError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := testProvider(mockClient)

	errBody := map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    "authentication_error",
			"message": "invalid x-api-key",
		},
	}
	mockClient.On("Do", mock.Anything).Return(mockResponse(http.StatusUnauthorized, errBody), nil)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

	require.Error(t, err)
	assert.True(t, llm.IsAuth(err))
}

func TestProvider_Complete_ServerErrorMarksUnhealthy(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := testProvider(mockClient)

	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(bytes.NewReader([]byte("overloaded"))),
	}, nil)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

	require.Error(t, err)
	assert.False(t, provider.IsHealthy())

	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, llm.KindProvider, apiErr.Kind)
	assert.True(t, apiErr.IsRetryable())
}

func TestProvider_Complete_TransportError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := testProvider(mockClient)

	mockClient.On("Do", mock.Anything).Return(nil, errors.New("dial tcp: connection refused"))

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

	require.Error(t, err)
	assert.False(t, provider.IsHealthy())

	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, llm.KindProvider, apiErr.Kind)
	assert.Equal(t, "anthropic", apiErr.Provider)
}

func TestProvider_Complete_ContextDeadline(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := testProvider(mockClient)

	mockClient.On("Do", mock.Anything).Return(nil, context.DeadlineExceeded)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

	require.Error(t, err)
	assert.True(t, llm.IsTimeout(err))
}

func TestProvider_Complete_MultipleContentBlocks(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := testProvider(mockClient)

	apiResp := anthropicResponse{
		Content: []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{
			{Type: "text", Text: "part one "},
			{Type: "tool_use", Text: "ignored"},
			{Type: "text", Text: "part two"},
		},
	}
	mockClient.On("Do", mock.Anything).Return(mockResponse(http.StatusOK, apiResp), nil)

	resp, err := provider.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

	require.NoError(t, err)
	assert.Equal(t, "part one part two", resp.Content)
}
