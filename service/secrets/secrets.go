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

// Package secrets resolves the completion provider credential. In
// production the credential lives in AWS Secrets Manager and is fetched
// once per process lifetime; for local development it falls back to an
// environment variable.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"policyforge/platform/shared/logger"
)

// Client is the subset of the Secrets Manager API used here (enables testing).
type Client interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Manager fetches and caches secrets from AWS Secrets Manager.
type Manager struct {
	client Client
	cache  map[string]*cacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	log    *logger.Logger
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// Options holds options for creating a Manager.
type Options struct {
	Region   string
	CacheTTL time.Duration
}

// NewManager creates a Manager backed by a real AWS client.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewManagerWithClient(secretsmanager.NewFromConfig(cfg), opts), nil
}

// NewManagerWithClient creates a Manager with an injected client.
func NewManagerWithClient(client Client, opts Options) *Manager {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Manager{
		client: client,
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		log:    logger.New("secrets"),
	}
}

// GetSecret retrieves a secret by ARN. The secret value is expected to
// be a JSON object with string values; a bare string is wrapped under
// the "value" key.
func (m *Manager) GetSecret(ctx context.Context, secretARN string) (map[string]string, error) {
	m.mu.RLock()
	entry, exists := m.cache[secretARN]
	m.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	m.log.Info("", "fetching secret from AWS Secrets Manager", map[string]interface{}{
		"secret": maskARN(secretARN),
	})

	result, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(secretARN), err)
	}

	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(secretARN))
	}

	var credentials map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &credentials); err != nil {
		// Secrets holding a single bare API key are not JSON objects
		credentials = map[string]string{"value": *result.SecretString}
	}

	m.mu.Lock()
	m.cache[secretARN] = &cacheEntry{
		value:     credentials,
		expiresAt: time.Now().Add(m.ttl),
	}
	m.mu.Unlock()

	return credentials, nil
}

// Invalidate removes a secret from the cache.
func (m *Manager) Invalidate(secretARN string) {
	m.mu.Lock()
	delete(m.cache, secretARN)
	m.mu.Unlock()
}

// APIKey extracts the provider API key from a fetched credential map.
func APIKey(credentials map[string]string) (string, error) {
	for _, key := range []string{"api_key", "apiKey", "value"} {
		if v, ok := credentials[key]; ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("credential map contains no API key")
}

// ResolveAPIKey fetches the provider API key, preferring the Secrets
// Manager ARN and falling back to the named environment variable.
func ResolveAPIKey(ctx context.Context, m *Manager, secretARN, envVar string) (string, error) {
	if secretARN != "" && m != nil {
		credentials, err := m.GetSecret(ctx, secretARN)
		if err != nil {
			return "", err
		}
		return APIKey(credentials)
	}

	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}

	return "", fmt.Errorf("no credential available: neither secret ARN nor %s set", envVar)
}

// maskARN masks the secret ARN for logging (shows only last 8 characters)
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
