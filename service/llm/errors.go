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

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures so the HTTP boundary can map
// them to status codes without inspecting provider-specific payloads.
type ErrorKind string

const (
	// KindAuth indicates an invalid or rejected credential.
	KindAuth ErrorKind = "auth"

	// KindRateLimited indicates the provider throttled the request.
	KindRateLimited ErrorKind = "rate_limited"

	// KindProvider indicates any other provider-side failure.
	KindProvider ErrorKind = "provider"

	// KindTimeout indicates the request exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
)

// APIError represents a classified provider error. Provider
// implementations surface every failure as one of these; they are
// propagated unchanged to the boundary handler.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Provider   string
	Message    string

	// Cause preserves the underlying transport error, if any, so
	// callers can still distinguish client aborts with errors.Is.
	Cause error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (kind %s, status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error is transient. Used only by the
// startup/health-check retry helper; the per-request completion path
// never retries.
func (e *APIError) IsRetryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimeout ||
		(e.Kind == KindProvider && e.StatusCode >= 500)
}

// ClassifyStatus maps an HTTP status code from a provider to an ErrorKind.
func ClassifyStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindProvider
	}
}

// WrapTransport classifies a transport-level error (connection failure,
// context deadline) from the named provider.
func WrapTransport(provider string, err error) *APIError {
	kind := KindProvider
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &APIError{
		Kind:     kind,
		Provider: provider,
		Message:  err.Error(),
		Cause:    err,
	}
}

// IsRateLimited reports whether err is a provider rate-limit error.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited
}

// IsAuth reports whether err is a provider authentication error.
func IsAuth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuth
}

// IsTimeout reports whether err is a timeout, either classified by the
// provider or a raw context deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindTimeout
}
