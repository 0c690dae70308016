// Package escalation implements the Escalation Protocol (spec.md §4.5):
// an idempotent status transition, a sanitized GitHub comment carrying a
// machine-readable header and a consultant packet, and a Notify Port call.
// RunNoteBody renders the short run-note text; Escalate does not record a
// run-note anywhere.
//
// Grounded on internal/rpi's run-note/session-summary conventions (a
// short "Reason / session / run-log" prefix written once per terminal
// state) and hugo-lorenzo-mato-quorum-ai/internal/logging/sanitizer.go's
// sanitize-before-egress placement, adapted into internal/redact and run
// over the comment body here before it ever reaches the GitHub Port.
package escalation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/redact"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

// markerPattern recognizes a prior escalation comment by its
// machine-readable header, letting a later run detect one already exists
// for this (reason, sessionID) pair and skip duplicating it.
var markerPattern = regexp.MustCompile(`<!--\s*ralph:escalation:v1\s+reason=([^\s]+)\s+session=([^\s]+)\s*-->`)

// ConsultantPacket excerpts the material spec.md §4.5 step 2 requires in
// an escalation comment: session output and worktree state, both
// pre-sanitization.
type ConsultantPacket struct {
	SessionExcerpt  string
	WorktreeSummary string
}

// Request bundles everything Escalate needs for one terminal escalation.
type Request struct {
	Task      *task.Task
	Reason    string
	Details   string
	Packet    ConsultantPacket
	RunID     string
	RunLogURL string
}

// Header renders the machine-readable marker identifying this escalation,
// so a subsequent run can detect and avoid reposting it.
func Header(reason, sessionID string) string {
	return fmt.Sprintf("<!-- ralph:escalation:v1 reason=%s session=%s -->", reason, sessionID)
}

// AlreadyPosted reports whether any of the given comment bodies already
// carries an escalation header for (reason, sessionID).
func AlreadyPosted(bodies []string, reason, sessionID string) bool {
	for _, b := range bodies {
		for _, m := range markerPattern.FindAllStringSubmatch(b, -1) {
			if m[1] == reason && m[2] == sessionID {
				return true
			}
		}
	}
	return false
}

// Body renders the full escalation comment body: header, reason, and
// sanitized consultant packet.
func Body(sanitizer *redact.Sanitizer, req Request) string {
	var b strings.Builder
	b.WriteString(Header(req.Reason, req.Task.SessionID))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "**Escalated**: %s\n\n", req.Reason)
	if req.Details != "" {
		fmt.Fprintf(&b, "%s\n\n", sanitizer.Sanitize(req.Details))
	}
	b.WriteString("### Consultant packet\n\n")
	if req.Packet.SessionExcerpt != "" {
		fmt.Fprintf(&b, "**Session output:**\n```\n%s\n```\n\n", sanitizer.Sanitize(req.Packet.SessionExcerpt))
	}
	if req.Packet.WorktreeSummary != "" {
		fmt.Fprintf(&b, "**Worktree state:**\n```\n%s\n```\n", sanitizer.Sanitize(req.Packet.WorktreeSummary))
	}
	return b.String()
}

// RunNoteBody renders the short "Escalated" run-note body spec.md §4.5
// step 4 requires: reason, session, run-log prefix.
func RunNoteBody(req Request) string {
	return fmt.Sprintf("Escalated: %s (session=%s run=%s log=%s)", req.Reason, req.Task.SessionID, req.RunID, req.RunLogURL)
}

// Escalate runs the protocol: idempotent status transition, sanitized
// GitHub comment, and Notify Port call. It does not record a run-note
// (RunNoteBody only renders one for a caller). Posting the
// comment is skipped when AlreadyPosted finds the same (reason, session)
// header already present, keeping step 1 ("only record... the first
// time") true for the comment as well as the status writeback.
func Escalate(ctx context.Context, gh ports.GitHubPort, notify ports.NotifyPort, queue ports.QueuePort, sanitizer *redact.Sanitizer, req Request) error {
	t := req.Task

	if t.Status != task.StatusEscalated {
		patch := map[string]any{
			"BlockedReason": req.Reason,
		}
		if _, err := queue.UpdateTaskStatus(ctx, t, task.StatusEscalated, patch); err != nil {
			return fmt.Errorf("escalation: update task status: %w", err)
		}
	}

	comments, err := gh.ListIssueComments(ctx, t.Issue, 50)
	if err != nil {
		return fmt.Errorf("escalation: list comments: %w", err)
	}
	if !AlreadyPosted(comments, req.Reason, t.SessionID) {
		body := Body(sanitizer, req)
		if _, err := gh.CreateComment(ctx, t.Issue, body); err != nil {
			return fmt.Errorf("escalation: post comment: %w", err)
		}
	}

	ec := ports.EscalationContext{
		Task:   t,
		Reason: req.Reason,
		Body:   sanitizer.Sanitize(req.Details),
	}
	if err := notify.NotifyEscalation(ctx, ec); err != nil {
		return fmt.Errorf("escalation: notify: %w", err)
	}

	return nil
}

// SessionExcerpt trims raw agent session output down to the last maxLines
// lines, a cheap way to bound a consultant packet's size before
// sanitization runs over it.
func SessionExcerpt(output string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}

