// Package commentstate implements the comment-marker persistence mechanism
// spec.md §3/§8 requires for cross-worker recovery state:
// `<!-- ralph:<kind>:v1 {json-state} -->` markers embedded in a GitHub
// comment body. Grounded on internal/ratchet/gate.go's JSON-state
// encode/decode style, generalized to a marker wrapper via Go generics so
// CiDebugCommentState and MergeConflictCommentState share one
// parse/print implementation instead of two near-duplicates.
package commentstate

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// markerPattern matches "<!-- ralph:<kind>:v1 {...} -->" markers. The kind
// group lets Find locate a specific marker among several in one body.
var markerPattern = regexp.MustCompile(`<!--\s*ralph:([a-z-]+):v1\s+(\{.*?\})\s*-->`)

// Print renders state as a single-line HTML-comment marker of the given
// kind (e.g. "ci-debug", "merge-conflict").
func Print[T any](kind string, state T) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("commentstate: marshal %s state: %w", kind, err)
	}
	return fmt.Sprintf("<!-- ralph:%s:v1 %s -->", kind, payload), nil
}

// Find locates the most recent marker of the given kind among body texts
// (newest last) and decodes it into T. ok is false when no marker of that
// kind is present in any body.
func Find[T any](kind string, bodies []string) (state T, ok bool, err error) {
	for i := len(bodies) - 1; i >= 0; i-- {
		matches := markerPattern.FindAllStringSubmatch(bodies[i], -1)
		for j := len(matches) - 1; j >= 0; j-- {
			if matches[j][1] != kind {
				continue
			}
			var decoded T
			if jerr := json.Unmarshal([]byte(matches[j][2]), &decoded); jerr != nil {
				return state, false, fmt.Errorf("commentstate: decode %s marker: %w", kind, jerr)
			}
			return decoded, true, nil
		}
	}
	return state, false, nil
}
