package worker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// RoutingDecision is the planner's machine-readable routing verdict,
// emitted as a trailing JSON object in its session output: proceed with
// the build step, or escalate straight to a human without attempting
// implementation (spec.md §4.1's "routing decision parse with optional
// devex-consult reroute").
type RoutingDecision struct {
	Decision   string `json:"decision"` // "proceed" | "escalate"
	Reason     string `json:"reason"`
	DevexReroute string `json:"devex_reroute"`
}

var routingPattern = regexp.MustCompile(`\{[^{}]*"decision"\s*:\s*"(?:proceed|escalate)"[^{}]*\}`)

// ParseRouting extracts the last routing-decision JSON object from a
// planner's output. ok is false when no well-formed routing object was
// found, in which case callers should treat the run as having proceeded
// (the planner's default) rather than fail the task outright.
func ParseRouting(output string) (RoutingDecision, bool) {
	matches := routingPattern.FindAllString(output, -1)
	if len(matches) == 0 {
		return RoutingDecision{}, false
	}
	var rd RoutingDecision
	if err := json.Unmarshal([]byte(matches[len(matches)-1]), &rd); err != nil {
		return RoutingDecision{}, false
	}
	return rd, true
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)

// ExtractPRURL pulls the last GitHub PR URL mentioned in session output.
func ExtractPRURL(output string) (string, bool) {
	matches := prURLPattern.FindAllString(output, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1], true
}

// planPrompt renders the planning prompt from prefetched issue context.
func planPrompt(ic issueContext) string {
	var b strings.Builder
	b.WriteString(ic.Body)
	if len(ic.Labels) > 0 {
		fmt.Fprintf(&b, "\n\nLabels: %s", strings.Join(ic.Labels, ", "))
	}
	if len(ic.Comments) > 0 {
		b.WriteString("\n\nRecent discussion:\n")
		for _, c := range ic.Comments {
			fmt.Fprintf(&b, "---\n%s\n", c)
		}
	}
	return b.String()
}
