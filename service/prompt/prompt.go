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

// Package prompt builds the system/user prompt pairs sent to the
// completion provider. Pure string construction, no network or state.
package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// Operation selects which prompt template to build.
type Operation string

const (
	OpGenerate Operation = "generate"
	OpRefine   Operation = "refine"
	OpValidate Operation = "validate"
	OpExplain  Operation = "explain"

	// OpDeploy is produced by the classifier for deployment-flavored
	// instructions. It has no prompt template; callers route it to the
	// generate path.
	OpDeploy Operation = "deploy"
)

var (
	// ErrUnsupportedOperation is returned for operations without a template.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrEmptyInstructions is returned when the instructions are empty
	// or whitespace-only. The HTTP boundary validates this first, but
	// the builder never proceeds with empty content either.
	ErrEmptyInstructions = errors.New("instructions must not be empty")
)

// Context carries the optional per-request hints. Constructed and
// discarded within one request; never persisted or shared.
type Context struct {
	ExistingPolicy string
	Domain         string
	Complexity     string
}

// The response contract shared by all operations that return structured
// output. Literal newlines are demanded because providers sometimes
// double-encode the policy field.
const responseContract = `Respond with a single JSON object and nothing else. The object must have exactly these fields:
- "policy": the complete Rego policy as a string with literal newlines (never escaped \n sequences)
- "explanation": a plain-language description of what the policy does
- "test_inputs": an array of test cases, each an object with "description" (string), "input" (a JSON document shaped like the OPA input the policy's rules reference), and "expected" (boolean result of the allow rule)

Do not use any import statements in the Rego policy. Every test case input must contain every field path the policy reads (for example, a policy reading input.user.role requires each input to have user.role).`

var systemTemplates = map[Operation]string{
	OpGenerate: `You are an expert in Open Policy Agent and the Rego policy language. You convert natural-language access-control requirements into correct, idiomatic Rego policies.

` + responseContract,

	OpRefine: `You are an expert in Open Policy Agent and the Rego policy language. You refine existing Rego policies according to new instructions. Preserve the existing package name and leave rules untouched by the instructions exactly as they are.

` + responseContract,

	OpValidate: `You are an expert in Open Policy Agent and the Rego policy language. You review Rego policies for syntax errors, logic mistakes, and security gaps. Respond with a concise plain-text assessment listing any problems found, or confirming the policy is sound.`,

	OpExplain: `You are an expert in Open Policy Agent and the Rego policy language. You explain Rego policies in plain language for readers who do not know Rego. Respond with a concise plain-text explanation covering what the policy allows, what it denies, and under which conditions.`,
}

// Build constructs the (system, user) prompt pair for an operation.
func Build(op Operation, instructions string, pctx Context) (string, string, error) {
	if strings.TrimSpace(instructions) == "" {
		return "", "", ErrEmptyInstructions
	}

	system, ok := systemTemplates[op]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedOperation, op)
	}

	var user strings.Builder

	switch op {
	case OpRefine:
		user.WriteString("Here is the existing Rego policy:\n\n")
		user.WriteString(pctx.ExistingPolicy)
		user.WriteString("\n\nRefine it according to these instructions:\n")
		user.WriteString(instructions)
	case OpValidate:
		user.WriteString("Review this Rego policy:\n\n")
		user.WriteString(instructions)
	case OpExplain:
		user.WriteString("Explain this Rego policy:\n\n")
		user.WriteString(instructions)
	default:
		user.WriteString("Create a Rego policy for the following requirements:\n")
		user.WriteString(instructions)
	}

	if pctx.Domain != "" {
		fmt.Fprintf(&user, "\n\nDomain: %s", pctx.Domain)
	}
	if pctx.Complexity != "" {
		fmt.Fprintf(&user, "\nComplexity: %s", pctx.Complexity)
	}

	return system, user.String(), nil
}

// Keyword tables for the operation classifier.
var (
	refineKeywords   = []string{"refine", "modify", "update", "improve"}
	validateKeywords = []string{"validate", "check", "lint", "verify"}
	explainKeywords  = []string{"explain", "describe"}
	deployKeywords   = []string{"deploy", "integrate", "setup"}
)

// Classify guesses the operation from the instructions text. Best-effort
// keyword matching, not authoritative routing; misclassification is
// acceptable and the dedicated endpoints bypass it entirely.
func Classify(instructions string, hasExistingPolicy bool) Operation {
	lower := strings.ToLower(instructions)

	if hasExistingPolicy && containsAny(lower, refineKeywords) {
		return OpRefine
	}
	if containsAny(lower, validateKeywords) {
		return OpValidate
	}
	if containsAny(lower, explainKeywords) {
		return OpExplain
	}
	if containsAny(lower, deployKeywords) {
		return OpDeploy
	}
	return OpGenerate
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
