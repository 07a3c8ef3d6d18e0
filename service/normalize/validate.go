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

package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// inputRefRe matches dotted input references in Rego source, e.g.
// input.user.role. Bracket-style references are not covered.
var inputRefRe = regexp.MustCompile(`\binput\.([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)`)

// InputRefs extracts the distinct dotted field paths a policy reads
// from the OPA input document, sorted.
func InputRefs(policy string) []string {
	seen := make(map[string]struct{})
	for _, m := range inputRefRe.FindAllStringSubmatch(policy, -1) {
		seen[m[1]] = struct{}{}
	}

	// A ref is kept only in its longest form: input.user alongside
	// input.user.role collapses to user.role.
	refs := make([]string, 0, len(seen))
	for ref := range seen {
		prefix := false
		for other := range seen {
			if other != ref && strings.HasPrefix(other, ref+".") {
				prefix = true
				break
			}
		}
		if !prefix {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}

// CheckTestInputs verifies that each test case's input document
// structurally covers the field paths the policy references. The model
// is only asked to do this via prompt instructions, so the check is a
// real guard against shape drift. Returns human-readable warnings; an
// empty slice means every case covers every referenced path.
func CheckTestInputs(rec *PolicyRecord) []string {
	refs := InputRefs(rec.Policy)
	if len(refs) == 0 {
		return nil
	}

	var warnings []string
	for i, tc := range rec.TestInputs {
		doc, ok := tc.Input.(map[string]interface{})
		if !ok {
			warnings = append(warnings, fmt.Sprintf(
				"test case %d (%s): input is not an object but the policy reads input fields", i, tc.Description))
			continue
		}
		for _, ref := range refs {
			if !hasPath(doc, strings.Split(ref, ".")) {
				warnings = append(warnings, fmt.Sprintf(
					"test case %d (%s): input missing path %s referenced by the policy", i, tc.Description, ref))
			}
		}
	}
	return warnings
}

// hasPath walks a decoded JSON document along a dotted path.
func hasPath(doc map[string]interface{}, parts []string) bool {
	current := doc
	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return false
		}
		if i == len(parts)-1 {
			return true
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return false
		}
		current = next
	}
	return false
}
