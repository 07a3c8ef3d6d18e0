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

// Package service wires the policy generation pipeline behind an HTTP
// surface: prompt construction, one completion call, response
// normalization, and synthetic SSE streaming.
package service

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"policyforge/platform/service/llm"
	"policyforge/platform/service/llm/anthropic"
	"policyforge/platform/service/llm/bedrock"
	"policyforge/platform/service/secrets"
	"policyforge/platform/shared/logger"
)

// Shared service components, constructed once in initializeComponents.
var (
	serviceConfig Config
	rateLimiter   *RateLimiter
	svcLog        = logger.New("service")
)

// serviceMetrics tracks request counts for the JSON metrics endpoint.
type serviceMetrics struct {
	mu              sync.RWMutex
	startTime       time.Time
	totalRequests   int64
	successRequests int64
	failedRequests  int64
}

var metrics = &serviceMetrics{startTime: time.Now()}

func (m *serviceMetrics) record(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	if success {
		m.successRequests++
	} else {
		m.failedRequests++
	}
}

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyforge_requests_total",
			Help: "Total number of policy requests processed",
		},
		[]string{"operation", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyforge_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"operation"},
	)
	promLLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyforge_llm_calls_total",
			Help: "Total number of completion provider calls",
		},
		[]string{"provider", "status"},
	)
	promNormalizationFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyforge_normalization_fallbacks_total",
			Help: "Completions normalized by each fallback stage",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promLLMCalls)
	prometheus.MustRegister(promNormalizationFallbacks)
}

// Run is the exported entry point for the PolicyForge service.
//
// It initializes the completion provider, rate limiter, and HTTP
// routes, then blocks serving requests.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8080)
//   - CONFIG_FILE: optional YAML config path
//   - LLM_PROVIDER: anthropic or bedrock (default: anthropic)
//   - ANTHROPIC_API_KEY: API key for local development
//   - ANTHROPIC_SECRET_ARN: Secrets Manager ARN holding the API key
//   - BEDROCK_REGION: AWS region for the Bedrock provider
//   - REDIS_URL: optional shared rate-limit backend
func Run() {
	log.Println("Starting PolicyForge service...")

	var err error
	serviceConfig, err = LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	initializeComponents()
	defer func() {
		if rateLimiter != nil {
			_ = rateLimiter.Close()
		}
	}()

	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.HandleFunc("/health", healthHandler).Methods("GET")

	r.HandleFunc("/metrics", simpleMetricsHandler).Methods("GET") // JSON metrics
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")    // Prometheus native format

	// Policy pipeline endpoints
	r.HandleFunc("/generate-policy", generatePolicyHandler).Methods("POST")
	r.HandleFunc("/refine-policy", refinePolicyHandler).Methods("POST")
	r.HandleFunc("/validate-policy", validatePolicyHandler).Methods("POST")
	r.HandleFunc("/explain-policy", explainPolicyHandler).Methods("POST")

	handler := c.Handler(r)
	log.Printf("PolicyForge listening on port %s", serviceConfig.Port)
	log.Fatal(http.ListenAndServe(":"+serviceConfig.Port, handler))
}

func initializeComponents() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch serviceConfig.Provider {
	case "bedrock":
		provider, err := bedrock.NewProvider(ctx, bedrock.Config{
			Region: serviceConfig.Region,
			Model:  serviceConfig.Model,
		})
		if err != nil {
			log.Fatalf("Failed to initialize Bedrock provider: %v", err)
		}
		llm.Configure(provider)
		log.Printf("Completion provider: bedrock (region: %s)", serviceConfig.Region)

	default:
		apiKey := resolveAnthropicKey(ctx)
		provider, err := anthropic.NewProvider(anthropic.Config{
			APIKey:  apiKey,
			Model:   serviceConfig.Model,
			Timeout: serviceConfig.RequestTimeout(),
		})
		if err != nil {
			log.Fatalf("Failed to initialize Anthropic provider: %v", err)
		}
		llm.Configure(provider)
		log.Println("Completion provider: anthropic")
	}

	var err error
	rateLimiter, err = NewRateLimiter(serviceConfig.RedisURL, serviceConfig.RateLimitPerMinute)
	if err != nil {
		log.Printf("WARNING: Redis rate limiter unavailable (%v), using in-memory window", err)
		rateLimiter, _ = NewRateLimiter("", serviceConfig.RateLimitPerMinute)
	} else if serviceConfig.RedisURL != "" {
		log.Println("Rate limiter: Redis sliding window")
	}
}

// resolveAnthropicKey fetches the provider credential once at startup,
// retrying transient Secrets Manager failures.
func resolveAnthropicKey(ctx context.Context) string {
	var manager *secrets.Manager
	if serviceConfig.SecretARN != "" {
		var err error
		manager, err = secrets.NewManager(ctx, secrets.Options{Region: serviceConfig.Region})
		if err != nil {
			log.Fatalf("Failed to initialize Secrets Manager client: %v", err)
		}
	}

	resolve := func(ctx context.Context) (string, error) {
		return secrets.ResolveAPIKey(ctx, manager, serviceConfig.SecretARN, "ANTHROPIC_API_KEY")
	}

	var apiKey string
	var err error
	if manager != nil {
		// Secrets Manager calls at container startup hit transient
		// DNS/throttling failures; a missing env var never will.
		retryCfg := llm.DefaultRetryConfig()
		retryCfg.RetryIf = func(err error) bool { return err != nil }
		apiKey, err = llm.RetryWithBackoff(ctx, retryCfg, resolve)
	} else {
		apiKey, err = resolve(ctx)
	}
	if err != nil {
		log.Fatalf("Failed to resolve Anthropic API key: %v", err)
	}
	return apiKey
}
