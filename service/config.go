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
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service configuration. Values are loaded from an
// optional YAML file, then overridden by environment variables.
type Config struct {
	Port string `yaml:"port"`

	// Provider selects the completion backend: anthropic or bedrock.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Region is the AWS region for Bedrock and Secrets Manager.
	Region string `yaml:"region"`

	// SecretARN names the Secrets Manager secret holding the Anthropic
	// API key. When empty, ANTHROPIC_API_KEY is used directly.
	SecretARN string `yaml:"secret_arn"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// RequestTimeoutSeconds bounds the completion call. Aligned with
	// the hosting platform's maximum request duration.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	RedisURL           string `yaml:"redis_url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Port:                  "8080",
		Provider:              "anthropic",
		Temperature:           0.2,
		MaxTokens:             4096,
		RequestTimeoutSeconds: 55,
		RateLimitPerMinute:    60,
	}
}

// LoadConfig loads configuration with the hierarchy: environment
// variables > YAML file > defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Region == "" {
		cfg.Region = v
	}
	if v := os.Getenv("BEDROCK_REGION"); v != "" {
		cfg.Region = v
	}
	if v := os.Getenv("ANTHROPIC_SECRET_ARN"); v != "" {
		cfg.SecretARN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutSeconds = n
		}
	}

	return cfg, nil
}

// RequestTimeout returns the completion call deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
