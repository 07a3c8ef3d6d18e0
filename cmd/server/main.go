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

// Package main is the entry point for the PolicyForge service.
//
// PolicyForge converts natural-language access-control requirements
// into Open Policy Agent (Rego) policies by prompting a completion
// provider, normalizing the response, and optionally streaming the
// result to the browser as Server-Sent Events.
//
// Usage:
//
//	./policyforge
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	CONFIG_FILE - optional YAML configuration path
//	LLM_PROVIDER - anthropic or bedrock (default: anthropic)
//	ANTHROPIC_API_KEY - API key for local development
//	ANTHROPIC_SECRET_ARN - Secrets Manager ARN holding the API key
//	BEDROCK_REGION - AWS region for the Bedrock provider
//	REDIS_URL - optional shared rate-limit backend
package main

import (
	"policyforge/platform/service"
)

func main() {
	service.Run()
}
