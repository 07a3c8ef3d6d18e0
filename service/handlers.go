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
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"policyforge/platform/service/llm"
	"policyforge/platform/service/normalize"
	"policyforge/platform/service/prompt"
	"policyforge/platform/service/stream"
)

// Request bodies

type requestContext struct {
	Domain     string `json:"domain,omitempty"`
	Complexity string `json:"complexity,omitempty"`
}

type generateRequest struct {
	Instructions string          `json:"instructions"`
	Context      *requestContext `json:"context,omitempty"`
}

type refineRequest struct {
	Instructions   string          `json:"instructions"`
	ExistingPolicy string          `json:"existing_policy"`
	Context        *requestContext `json:"context,omitempty"`
}

type policyRequest struct {
	Policy string `json:"policy"`
}

// Response bodies

type errorResponse struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// completeResponse is the non-streaming success body: the record plus a
// type discriminator the UI switches on.
type completeResponse struct {
	Type string `json:"type"`
	*normalize.PolicyRecord
}

type textResponse struct {
	Type      string `json:"type"`
	Operation string `json:"operation"`
	Result    string `json:"result"`
	Model     string `json:"model,omitempty"`
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Type: "error", Code: code, Error: message})
}

// wantsStream reports whether the client asked for the synthesized SSE
// response instead of a single JSON body.
func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// clientID identifies the caller for rate limiting.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

// mapProviderError translates the completion error taxonomy into an
// HTTP status and machine-readable code.
func mapProviderError(err error) (int, string) {
	switch {
	case llm.IsRateLimited(err):
		return http.StatusTooManyRequests, "rate_limited"
	case llm.IsAuth(err):
		return http.StatusBadGateway, "auth_failure"
	case llm.IsTimeout(err):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, "provider_error"
	}
}

func generatePolicyHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_input", "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Instructions) == "" {
		sendErrorResponse(w, "invalid_input", "instructions must not be empty", http.StatusBadRequest)
		return
	}

	pctx := prompt.Context{}
	if req.Context != nil {
		pctx.Domain = req.Context.Domain
		pctx.Complexity = req.Context.Complexity
	}

	runPolicyPipeline(w, r, requestID, prompt.OpGenerate, req.Instructions, pctx, false)
}

func refinePolicyHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var req refineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_input", "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Instructions) == "" {
		sendErrorResponse(w, "invalid_input", "instructions must not be empty", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ExistingPolicy) == "" {
		sendErrorResponse(w, "invalid_input", "existing_policy must not be empty", http.StatusBadRequest)
		return
	}

	pctx := prompt.Context{ExistingPolicy: req.ExistingPolicy}
	if req.Context != nil {
		pctx.Domain = req.Context.Domain
		pctx.Complexity = req.Context.Complexity
	}

	runPolicyPipeline(w, r, requestID, prompt.OpRefine, req.Instructions, pctx, true)
}

// runPolicyPipeline executes prompt build -> completion -> normalize ->
// respond (SSE or JSON) for the generating operations.
func runPolicyPipeline(w http.ResponseWriter, r *http.Request, requestID string, op prompt.Operation, instructions string, pctx prompt.Context, isRefinement bool) {
	startTime := time.Now()
	operation := string(op)

	if !rateLimiter.Allow(r.Context(), clientID(r)) {
		promRequestsTotal.WithLabelValues(operation, "rate_limited").Inc()
		sendErrorResponse(w, "rate_limited", "Too many requests, slow down", http.StatusTooManyRequests)
		return
	}

	systemPrompt, userPrompt, err := prompt.Build(op, instructions, pctx)
	if err != nil {
		sendErrorResponse(w, "invalid_input", err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := complete(r.Context(), requestID, systemPrompt, userPrompt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client abort: terminal outcome, no events and no body.
			svcLog.Info(requestID, "request aborted by client", map[string]interface{}{
				"operation": operation,
			})
			return
		}

		status, code := mapProviderError(err)
		svcLog.ErrorWithCode(requestID, "completion failed", status, err, map[string]interface{}{
			"operation": operation,
		})
		metrics.record(false)
		promRequestsTotal.WithLabelValues(operation, "error").Inc()

		if wantsStream(r) {
			// The UI's fallback retry depends on a failed stream still
			// ending in one clean error event.
			_ = stream.WriteSSE(r.Context(), w, stream.SynthesizeError(err.Error()))
			return
		}
		sendErrorResponse(w, code, err.Error(), status)
		return
	}

	rec := normalize.Normalize(resp.Content)
	rec.IsRefinement = isRefinement
	rec.Metadata["model"] = resp.Model
	rec.Metadata["instructions"] = instructions
	rec.Metadata["request_id"] = requestID
	if warnings := normalize.CheckTestInputs(rec); len(warnings) > 0 {
		rec.Metadata["test_input_warnings"] = warnings
	}

	promNormalizationFallbacks.WithLabelValues(rec.Stage()).Inc()
	if rec.Degraded() {
		svcLog.Warn(requestID, "normalization degraded", map[string]interface{}{
			"stage":     rec.Stage(),
			"operation": operation,
		})
	}

	metrics.record(true)
	promRequestsTotal.WithLabelValues(operation, "success").Inc()
	promRequestDuration.WithLabelValues(operation).Observe(float64(time.Since(startTime).Milliseconds()))
	svcLog.InfoWithDuration(requestID, "policy request completed", float64(time.Since(startTime).Milliseconds()), map[string]interface{}{
		"operation": operation,
		"stage":     rec.Stage(),
		"streamed":  wantsStream(r),
	})

	if wantsStream(r) {
		_ = stream.WriteSSE(r.Context(), w, stream.Synthesize(rec))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(completeResponse{Type: "complete", PolicyRecord: rec})
}

func validatePolicyHandler(w http.ResponseWriter, r *http.Request) {
	runTextPipeline(w, r, prompt.OpValidate)
}

func explainPolicyHandler(w http.ResponseWriter, r *http.Request) {
	runTextPipeline(w, r, prompt.OpExplain)
}

// runTextPipeline handles the operations that return the completion
// text as-is: no normalizer, no streaming.
func runTextPipeline(w http.ResponseWriter, r *http.Request, op prompt.Operation) {
	requestID := uuid.New().String()
	startTime := time.Now()
	operation := string(op)

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_input", "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Policy) == "" {
		sendErrorResponse(w, "invalid_input", "policy must not be empty", http.StatusBadRequest)
		return
	}

	if !rateLimiter.Allow(r.Context(), clientID(r)) {
		promRequestsTotal.WithLabelValues(operation, "rate_limited").Inc()
		sendErrorResponse(w, "rate_limited", "Too many requests, slow down", http.StatusTooManyRequests)
		return
	}

	systemPrompt, userPrompt, err := prompt.Build(op, req.Policy, prompt.Context{})
	if err != nil {
		sendErrorResponse(w, "invalid_input", err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := complete(r.Context(), requestID, systemPrompt, userPrompt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		status, code := mapProviderError(err)
		svcLog.ErrorWithCode(requestID, "completion failed", status, err, map[string]interface{}{
			"operation": operation,
		})
		metrics.record(false)
		promRequestsTotal.WithLabelValues(operation, "error").Inc()
		sendErrorResponse(w, code, err.Error(), status)
		return
	}

	metrics.record(true)
	promRequestsTotal.WithLabelValues(operation, "success").Inc()
	promRequestDuration.WithLabelValues(operation).Observe(float64(time.Since(startTime).Milliseconds()))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(textResponse{
		Type:      "complete",
		Operation: operation,
		Result:    resp.Content,
		Model:     resp.Model,
	})
}

// complete performs the single completion round trip with the
// configured provider and the service-wide sampling parameters.
func complete(ctx context.Context, requestID, systemPrompt, userPrompt string) (*llm.CompletionResponse, error) {
	provider, err := llm.Default()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, serviceConfig.RequestTimeout())
	defer cancel()

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Prompt:       userPrompt,
		Temperature:  serviceConfig.Temperature,
		MaxTokens:    serviceConfig.MaxTokens,
		Model:        serviceConfig.Model,
	})
	if err != nil {
		promLLMCalls.WithLabelValues(provider.Name(), "error").Inc()
		return nil, err
	}

	promLLMCalls.WithLabelValues(provider.Name(), "success").Inc()
	svcLog.Debug(requestID, "completion returned", map[string]interface{}{
		"provider":      provider.Name(),
		"model":         resp.Model,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"latency_ms":    resp.Latency.Milliseconds(),
	})
	return resp, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	providerHealthy := false
	providerName := "none"
	if provider, err := llm.Default(); err == nil {
		providerHealthy = provider.IsHealthy()
		providerName = provider.Name()
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "policyforge",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC(),
		"components": map[string]interface{}{
			"provider":         providerName,
			"provider_healthy": providerHealthy,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func simpleMetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics.mu.RLock()
	body := map[string]interface{}{
		"uptime_seconds":   time.Since(metrics.startTime).Seconds(),
		"total_requests":   metrics.totalRequests,
		"success_requests": metrics.successRequests,
		"failed_requests":  metrics.failedRequests,
	}
	metrics.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
