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

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyforge/platform/service/llm"
	"policyforge/platform/service/stream"
)

// fakeProvider satisfies llm.Provider with a canned response or error,
// recording the last request.
type fakeProvider struct {
	content string
	err     error
	lastReq llm.CompletionRequest
}

func (p *fakeProvider) Name() string           { return "fake" }
func (p *fakeProvider) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }
func (p *fakeProvider) IsHealthy() bool        { return true }
func (p *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Content: p.content, Model: "fake-model"}, nil
}

func setupPipeline(t *testing.T, p llm.Provider) {
	t.Helper()
	serviceConfig = DefaultConfig()

	var err error
	rateLimiter, err = NewRateLimiter("", 1000)
	require.NoError(t, err)

	llm.Configure(p)
	t.Cleanup(llm.Reset)
}

func postJSON(handler http.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func parseSSE(t *testing.T, body string) []stream.Event {
	t.Helper()
	var events []stream.Event
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		frame = strings.TrimPrefix(frame, "data: ")
		var ev stream.Event
		require.NoError(t, json.Unmarshal([]byte(frame), &ev))
		events = append(events, ev)
	}
	return events
}

// =============================================================================
// Generate
// =============================================================================

func TestGeneratePolicy_JSONResponse(t *testing.T) {
	setupPipeline(t, &fakeProvider{
		content: `{"policy":"package ex\ndefault allow := false","explanation":"denies by default","test_inputs":[]}`,
	})

	w := postJSON(generatePolicyHandler, `{"instructions":"deny everything"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp struct {
		Type        string                 `json:"type"`
		Policy      string                 `json:"policy"`
		Explanation string                 `json:"explanation"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "complete", resp.Type)
	assert.Equal(t, "package ex\ndefault allow := false", resp.Policy)
	assert.Equal(t, "denies by default", resp.Explanation)
	assert.Equal(t, "fake-model", resp.Metadata["model"])
	assert.Equal(t, "deny everything", resp.Metadata["instructions"])
	assert.NotEmpty(t, resp.Metadata["request_id"])
}

func TestGeneratePolicy_StreamedResponse(t *testing.T) {
	setupPipeline(t, &fakeProvider{
		content: `{"policy":"ab","explanation":"c","test_inputs":[]}`,
	})

	w := postJSON(generatePolicyHandler, `{"instructions":"x"}`,
		map[string]string{"Accept": "text/event-stream"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 5)
	assert.Equal(t, stream.EventStart, events[0].Type)
	assert.Equal(t, stream.EventPolicyChar, events[1].Type)
	assert.Equal(t, "a", events[1].Char)
	assert.Equal(t, stream.EventPolicyChar, events[2].Type)
	assert.Equal(t, stream.EventExplanationChar, events[3].Type)
	assert.Equal(t, stream.EventComplete, events[4].Type)
	require.NotNil(t, events[4].Record)
	assert.Equal(t, "ab", events[4].Record.Policy)
}

func TestGeneratePolicy_SendsPrompts(t *testing.T) {
	p := &fakeProvider{content: `{"policy":"p","explanation":"e","test_inputs":[]}`}
	setupPipeline(t, p)

	w := postJSON(generatePolicyHandler,
		`{"instructions":"only admins","context":{"domain":"kubernetes","complexity":"simple"}}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, p.lastReq.SystemPrompt, "Rego")
	assert.Contains(t, p.lastReq.Prompt, "only admins")
	assert.Contains(t, p.lastReq.Prompt, "Domain: kubernetes")
	assert.Contains(t, p.lastReq.Prompt, "Complexity: simple")
}

func TestGeneratePolicy_InvalidBody(t *testing.T) {
	setupPipeline(t, &fakeProvider{})

	w := postJSON(generatePolicyHandler, "{not json", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "invalid_input", resp.Code)
}

func TestGeneratePolicy_EmptyInstructions(t *testing.T) {
	setupPipeline(t, &fakeProvider{})

	w := postJSON(generatePolicyHandler, `{"instructions":"   "}`, nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGeneratePolicy_MalformedCompletionStillSucceeds(t *testing.T) {
	setupPipeline(t, &fakeProvider{
		content: "Here's your policy:\n```rego\npackage ex\nallow := true\n```",
	})

	w := postJSON(generatePolicyHandler, `{"instructions":"x"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Policy   string                 `json:"policy"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "package ex\nallow := true", resp.Policy)
	assert.Equal(t, "fenced_block", resp.Metadata["normalization"])
}

// =============================================================================
// Refine
// =============================================================================

func TestRefinePolicy_Success(t *testing.T) {
	p := &fakeProvider{content: `{"policy":"package ex\nallow := true","explanation":"now allows","test_inputs":[]}`}
	setupPipeline(t, p)

	w := postJSON(refinePolicyHandler,
		`{"instructions":"allow auditors too","existing_policy":"package ex\ndefault allow := false"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		IsRefinement bool `json:"is_refinement"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.IsRefinement)
	assert.Contains(t, p.lastReq.Prompt, "package ex\ndefault allow := false")
	assert.Contains(t, p.lastReq.Prompt, "allow auditors too")
}

func TestRefinePolicy_MissingExistingPolicy(t *testing.T) {
	setupPipeline(t, &fakeProvider{})

	w := postJSON(refinePolicyHandler, `{"instructions":"improve it"}`, nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "existing_policy")
}

// =============================================================================
// Provider error mapping
// =============================================================================

func TestGeneratePolicy_ProviderErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"rate limited", &llm.APIError{Kind: llm.KindRateLimited, StatusCode: 429}, http.StatusTooManyRequests, "rate_limited"},
		{"auth failure", &llm.APIError{Kind: llm.KindAuth, StatusCode: 401}, http.StatusBadGateway, "auth_failure"},
		{"timeout", &llm.APIError{Kind: llm.KindTimeout}, http.StatusGatewayTimeout, "timeout"},
		{"provider failure", &llm.APIError{Kind: llm.KindProvider, StatusCode: 500}, http.StatusBadGateway, "provider_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupPipeline(t, &fakeProvider{err: tt.err})

			w := postJSON(generatePolicyHandler, `{"instructions":"x"}`, nil)

			require.Equal(t, tt.expectedStatus, w.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "error", resp.Type)
			assert.Equal(t, tt.expectedCode, resp.Code)
		})
	}
}

func TestGeneratePolicy_StreamedError(t *testing.T) {
	setupPipeline(t, &fakeProvider{err: &llm.APIError{Kind: llm.KindRateLimited, StatusCode: 429, Message: "throttled"}})

	w := postJSON(generatePolicyHandler, `{"instructions":"x"}`,
		map[string]string{"Accept": "text/event-stream"})

	// A failed stream ends in exactly one error event, no character events
	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.Contains(t, events[0].Error, "throttled")
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestGeneratePolicy_RateLimited(t *testing.T) {
	setupPipeline(t, &fakeProvider{content: `{"policy":"p","explanation":"e","test_inputs":[]}`})

	var err error
	rateLimiter, err = NewRateLimiter("", 1)
	require.NoError(t, err)

	headers := map[string]string{"X-Client-ID": "tenant-1"}
	w := postJSON(generatePolicyHandler, `{"instructions":"x"}`, headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(generatePolicyHandler, `{"instructions":"x"}`, headers)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rate_limited", resp.Code)

	// A different client is unaffected
	w = postJSON(generatePolicyHandler, `{"instructions":"x"}`,
		map[string]string{"X-Client-ID": "tenant-2"})
	require.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Validate / Explain
// =============================================================================

func TestValidatePolicy(t *testing.T) {
	p := &fakeProvider{content: "The policy is sound. No issues found."}
	setupPipeline(t, p)

	w := postJSON(validatePolicyHandler, `{"policy":"package ex\nallow := true"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp textResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "complete", resp.Type)
	assert.Equal(t, "validate", resp.Operation)
	assert.Equal(t, "The policy is sound. No issues found.", resp.Result)
	assert.Contains(t, p.lastReq.Prompt, "package ex")
}

func TestExplainPolicy(t *testing.T) {
	setupPipeline(t, &fakeProvider{content: "This policy denies everything."})

	w := postJSON(explainPolicyHandler, `{"policy":"package ex\ndefault allow := false"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp textResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "explain", resp.Operation)
	assert.Equal(t, "This policy denies everything.", resp.Result)
}

func TestValidatePolicy_EmptyPolicy(t *testing.T) {
	setupPipeline(t, &fakeProvider{})

	w := postJSON(validatePolicyHandler, `{"policy":""}`, nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Health
// =============================================================================

func TestHealthHandler(t *testing.T) {
	setupPipeline(t, &fakeProvider{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	healthHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "policyforge", health["service"])

	components, ok := health["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "fake", components["provider"])
	assert.Equal(t, true, components["provider_healthy"])
}

func TestHealthHandler_NoProvider(t *testing.T) {
	llm.Reset()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	healthHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	components := health["components"].(map[string]interface{})
	assert.Equal(t, "none", components["provider"])
	assert.Equal(t, false, components["provider_healthy"])
}
