// Package redact scrubs secrets out of text before it reaches a comment
// body, escalation note, or log line, per spec.md §7's "comments and logs
// never contain raw secrets" invariant.
package redact

import "regexp"

// Sanitizer redacts sensitive substrings from text.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// New builds a Sanitizer with Ralph's default pattern set, covering the
// provider/token shapes an agent session or CI log is likely to leak.
func New() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	raw := []string{
		`sk-[A-Za-z0-9]{20,}`,                 // OpenAI
		`sk-ant-[a-zA-Z0-9-]{40,}`,            // Anthropic
		`AIza[a-zA-Z0-9_-]{35}`,               // Google AI
		`ghp_[A-Za-z0-9]{36}`,                 // GitHub PAT
		`gho_[A-Za-z0-9]{36}`,                 // GitHub OAuth
		`ghu_[A-Za-z0-9]{36}`,                 // GitHub App user token
		`ghs_[A-Za-z0-9]{36}`,                 // GitHub App server token
		`AKIA[0-9A-Z]{16}`,                    // AWS access key
		`xox[baprs]-[0-9a-zA-Z-]{10,}`,        // Slack
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,    // generic bearer
		`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)password["'\s:=]+[^\s"']{8,}`,
		`(?i)token["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	}
	compiled := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts every pattern match in input.
func (s *Sanitizer) Sanitize(input string) string {
	out := input
	for _, p := range s.patterns {
		out = p.ReplaceAllString(out, s.redacted)
	}
	return out
}

// SanitizeLines applies Sanitize line by line, used for CI log excerpts
// where a caller wants to preserve line boundaries.
func (s *Sanitizer) SanitizeLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = s.Sanitize(l)
	}
	return out
}

// AddPattern adds a caller-supplied pattern, e.g. a repo-specific internal
// token format.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
