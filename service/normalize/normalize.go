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

// Package normalize coerces raw completion text into a canonical
// PolicyRecord. The provider is not a contract-bound API: its output
// format varies by run, by prompt phrasing, and by truncation, so a
// cascade of parsing strategies is applied and the weakest one that
// succeeds wins. Normalize never fails; degraded output is preferred
// over a hard error because the UI has no recovery path mid-stream.
package normalize

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Normalization stages, recorded in the record metadata so degraded
// parses are observable without ever failing the request.
const (
	StageDirect        = "direct"
	StageJSONSubstring = "json_substring"
	StageFencedBlock   = "fenced_block"
	StagePackageScan   = "package_scan"
	StageRawText       = "raw_text"
)

// DefaultExplanation is used when no eligible explanation sentence can
// be recovered from the raw text.
const DefaultExplanation = "Policy generated successfully based on your requirements."

// Nested-JSON unwrapping is bounded to one extra level so a policy
// field that merely looks like JSON cannot loop the parser.
const maxUnwrapDepth = 1

// PolicyRecord is the canonical output of one generation request.
type PolicyRecord struct {
	// Policy is the raw Rego source. After normalization it contains
	// no escaped \n or \" sequences.
	Policy string `json:"policy"`

	// Explanation is a plain-language description of the policy.
	Explanation string `json:"explanation"`

	// TestInputs are the simulated OPA input documents for the policy.
	TestInputs []TestCase `json:"test_inputs"`

	// Timestamp is the creation instant.
	Timestamp time.Time `json:"timestamp"`

	// IsRefinement is set when the record came from a refine operation.
	IsRefinement bool `json:"is_refinement,omitempty"`

	// Metadata is advisory: model name, originating instructions,
	// normalization stage. Not load-bearing.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TestCase is one simulated policy evaluation.
type TestCase struct {
	// Description is a human-readable label.
	Description string `json:"description"`

	// Input is the simulated OPA input document.
	Input interface{} `json:"input"`

	// Expected is the anticipated result of the policy's allow rule.
	Expected bool `json:"expected"`
}

// Stage returns the normalization stage recorded on the record, or
// StageDirect when none was recorded.
func (r *PolicyRecord) Stage() string {
	if r.Metadata != nil {
		if s, ok := r.Metadata["normalization"].(string); ok {
			return s
		}
	}
	return StageDirect
}

// Degraded reports whether normalization fell back past the direct
// JSON parse.
func (r *PolicyRecord) Degraded() bool {
	return r.Stage() != StageDirect
}

// rawKind classifies what the raw completion text turned out to be.
type rawKind int

const (
	rawJSON rawKind = iota
	rawFenced
	rawPlain
)

// classified is the tagged result of classifying raw text: exactly one
// of object (rawJSON) or text (rawFenced, rawPlain) is meaningful.
type classified struct {
	kind   rawKind
	object map[string]interface{}
	text   string
	stage  string
}

// Normalize coerces raw completion text into a PolicyRecord. It always
// returns a usable record; malformed input degrades the parse, it never
// fails it.
func Normalize(raw string) *PolicyRecord {
	c := classify(raw)

	var rec *PolicyRecord
	switch c.kind {
	case rawJSON:
		rec = fromObject(c.object, 0)
	case rawFenced:
		rec = fromText(raw, c.text, c.stage)
	default:
		rec = fromText(raw, c.text, c.stage)
	}

	// Final un-escape safety net on every path, not just the JSON one.
	rec.Policy = Unescape(rec.Policy)
	rec.Explanation = Unescape(rec.Explanation)
	if rec.TestInputs == nil {
		rec.TestInputs = []TestCase{}
	}
	rec.Timestamp = time.Now().UTC()
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]interface{})
	}
	rec.Metadata["normalization"] = c.stage
	return rec
}

// classify picks the parse variant for the raw text: a JSON object
// (direct or first balanced substring), a fenced code block, or plain
// text.
func classify(raw string) classified {
	trimmed := strings.TrimSpace(raw)

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
		return classified{kind: rawJSON, object: obj, stage: StageDirect}
	}

	if sub := balancedObject(raw); sub != "" {
		obj = nil
		if err := json.Unmarshal([]byte(sub), &obj); err == nil && obj != nil {
			return classified{kind: rawJSON, object: obj, stage: StageJSONSubstring}
		}
	}

	if block := fencedBlock(raw); block != "" {
		return classified{kind: rawFenced, text: block, stage: StageFencedBlock}
	}

	if idx := strings.Index(raw, "package"); idx >= 0 {
		return classified{kind: rawPlain, text: strings.TrimSpace(raw[idx:]), stage: StagePackageScan}
	}

	return classified{kind: rawPlain, text: strings.TrimSpace(raw), stage: StageRawText}
}

// fromObject extracts a record from a parsed JSON object, unwrapping a
// policy field that itself contains the whole object at most
// maxUnwrapDepth extra levels.
func fromObject(obj map[string]interface{}, depth int) *PolicyRecord {
	rec := &PolicyRecord{}
	var innerExplanation string

	switch policy := obj["policy"].(type) {
	case string:
		unescaped := Unescape(policy)
		if depth < maxUnwrapDepth && strings.HasPrefix(strings.TrimSpace(unescaped), "{") {
			// The model sometimes wraps the whole response object
			// inside the policy field by mistake. The original string
			// is tried as well because un-escaping a string whose
			// quotes were escaped at the outer level corrupts it.
			inner := parseObject(unescaped)
			if inner == nil {
				inner = parseObject(policy)
			}
			if inner != nil && inner["policy"] != nil {
				innerRec := fromObject(inner, depth+1)
				rec.Policy = innerRec.Policy
				rec.TestInputs = innerRec.TestInputs
				innerExplanation = innerRec.Explanation
				break
			}
		}
		rec.Policy = unescaped
	case nil:
		rec.Policy = ""
	default:
		// Non-string policy field: stringify rather than drop it.
		if b, err := json.MarshalIndent(policy, "", "  "); err == nil {
			rec.Policy = string(b)
		}
	}

	if explanation, ok := obj["explanation"].(string); ok && explanation != "" {
		rec.Explanation = Unescape(explanation)
	} else if innerExplanation != "" {
		rec.Explanation = innerExplanation
	}
	if rec.Explanation == "" {
		rec.Explanation = DefaultExplanation
	}

	if rec.TestInputs == nil {
		rec.TestInputs = normalizeTestInputs(obj["test_inputs"])
	}

	return rec
}

// fromText extracts a record from non-JSON text. The policy portion was
// already isolated by the classifier; explanation and test inputs are
// recovered heuristically from the full raw text.
func fromText(raw, policy, stage string) *PolicyRecord {
	remainder := raw
	if stage == StageFencedBlock {
		remainder = stripFences(raw)
	} else {
		remainder = strings.Replace(remainder, policy, "", 1)
	}

	return &PolicyRecord{
		Policy:      policy,
		Explanation: explanationFromText(remainder),
		TestInputs:  testInputsFromText(raw),
	}
}

// Unescape undoes provider double-encoding: literal backslash-n becomes
// a newline, backslash-quote a quote, backslash-t four spaces. A string
// with no such sequences passes through unchanged, so the pass is
// idempotent.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\t`, "    ")
	return s
}

// normalizeTestInputs coerces a raw test_inputs value into TestCases,
// defaulting missing descriptions and expectations and wrapping entries
// that are not objects.
func normalizeTestInputs(v interface{}) []TestCase {
	entries, ok := v.([]interface{})
	if !ok {
		return []TestCase{}
	}

	cases := make([]TestCase, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			cases = append(cases, TestCase{
				Description: "Test case",
				Input:       entry,
				Expected:    true,
			})
			continue
		}

		tc := TestCase{Description: "Test case", Expected: true}
		if d, ok := m["description"].(string); ok && d != "" {
			tc.Description = d
		}
		tc.Input = m["input"]
		if e, ok := m["expected"].(bool); ok {
			tc.Expected = e
		}
		cases = append(cases, tc)
	}
	return cases
}

// parseObject parses s as a JSON object, returning nil on any failure.
func parseObject(s string) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

// balancedObject returns the first balanced {...} substring of s,
// accounting for nested braces and JSON string literals. Returns ""
// when no balanced object exists (including truncated output).
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var (
	fenceRe      = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	sentenceRe   = regexp.MustCompile(`[^.!?\n]+[.!?]`)
	keywordRe    = regexp.MustCompile(`(?i)\b(policy|allow|rule)\b`)
	testInputsRe = regexp.MustCompile(`"test_inputs"\s*:\s*(\[[^\]]*\])`)
)

// fencedBlock returns the contents of the first fenced code block, with
// or without a language tag.
func fencedBlock(s string) string {
	m := fenceRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// stripFences removes every fenced code block from s, leaving the prose
// around them.
func stripFences(s string) string {
	return fenceRe.ReplaceAllString(s, "")
}

// explanationFromText finds the first complete sentence mentioning
// policy, allow, or rule. Fragments without sentence punctuation (like
// a "Here's your policy:" lead-in) are ineligible.
func explanationFromText(s string) string {
	for _, sentence := range sentenceRe.FindAllString(s, -1) {
		if keywordRe.MatchString(sentence) {
			return strings.TrimSpace(sentence)
		}
	}
	return DefaultExplanation
}

// testInputsFromText attempts a narrow recovery of a "test_inputs"
// array fragment from otherwise unparseable text. Nested arrays are out
// of reach of the pattern; any failure yields an empty slice.
func testInputsFromText(s string) []TestCase {
	m := testInputsRe.FindStringSubmatch(s)
	if m == nil {
		return []TestCase{}
	}

	var entries []interface{}
	if err := json.Unmarshal([]byte(m[1]), &entries); err != nil {
		return []TestCase{}
	}
	return normalizeTestInputs(entries)
}
