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
	"fmt"
	"sync"
)

// Provider is the interface for completion providers.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider identifier used for routing, logging,
	// and metrics.
	Name() string

	// Type returns the provider type.
	Type() ProviderType

	// Complete generates a completion for the given request. It makes
	// exactly one blocking call; retry policy belongs to the caller.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// IsHealthy reports whether the provider considers itself
	// operational based on its most recent call.
	IsHealthy() bool
}

// The process-wide provider handle. Constructed once per process
// lifetime and reused across requests; the credential it holds does not
// rotate within a process, so no invalidation is needed.
var (
	defaultProvider Provider
	providerMu      sync.RWMutex
)

// Configure installs the process-wide provider. Tests use this to
// inject a fake.
func Configure(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	defaultProvider = p
}

// Default returns the configured provider, or an error if Configure
// has not been called.
func Default() (Provider, error) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	if defaultProvider == nil {
		return nil, fmt.Errorf("no completion provider configured")
	}
	return defaultProvider, nil
}

// Reset clears the process-wide provider. Teardown hook for tests.
func Reset() {
	providerMu.Lock()
	defer providerMu.Unlock()
	defaultProvider = nil
}
