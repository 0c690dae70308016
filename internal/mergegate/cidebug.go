package mergegate

import (
	"context"
	"fmt"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/commentstate"
	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

const ciDebugMarkerKind = "ci-debug"

// CiDebugState persists CI-triage bookkeeping inside a GitHub comment
// marker (spec.md §3 "Comment State"), mirroring
// internal/mergeconflict.Lease's comment-marker pattern over the sibling
// CiDebugCommentState shape: attempt history, last signature, an optional
// cross-worker lease, and the nested triage state.
type CiDebugState struct {
	GitHub ports.GitHubPort
	TTL    time.Duration
}

// NewCiDebugState builds a CiDebugState over gh with the given lease TTL.
func NewCiDebugState(gh ports.GitHubPort, ttl time.Duration) *CiDebugState {
	return &CiDebugState{GitHub: gh, TTL: ttl}
}

func (c *CiDebugState) load(ctx context.Context, issue string) (task.CiDebugCommentState, error) {
	bodies, err := c.GitHub.ListIssueComments(ctx, issue, 50)
	if err != nil {
		return task.CiDebugCommentState{}, fmt.Errorf("mergegate: list comments: %w", err)
	}
	state, _, err := commentstate.Find[task.CiDebugCommentState](ciDebugMarkerKind, bodies)
	if err != nil {
		return task.CiDebugCommentState{}, err
	}
	return state, nil
}

// State returns the persisted CI-debug comment state for issue, letting a
// caller (the Worker's CI-triage step) build a TriageInput from the prior
// attempt count and signature before computing a new decision.
func (c *CiDebugState) State(ctx context.Context, issue string) (task.CiDebugCommentState, error) {
	return c.load(ctx, issue)
}

// Claim takes the CI-remediation lease for issue, refusing when another
// holder's lease has not yet expired.
func (c *CiDebugState) Claim(ctx context.Context, issue, holder string) (held bool, err error) {
	state, err := c.load(ctx, issue)
	if err != nil {
		return false, err
	}
	now := time.Now()
	if state.Lease != nil && !state.Lease.Expired(now) && state.Lease.Holder != holder {
		return false, nil
	}
	state.Lease = &task.CommentLease{Holder: holder, ExpiresAt: now.Add(c.TTL)}
	return true, c.post(ctx, issue, state)
}

// Release clears the CI-remediation lease, keeping attempt history intact.
func (c *CiDebugState) Release(ctx context.Context, issue string) error {
	state, err := c.load(ctx, issue)
	if err != nil {
		return err
	}
	state.Lease = nil
	return c.post(ctx, issue, state)
}

// RecordDecision appends a triage decision to the persisted comment state
// and updates its nested CITriageState, returning the refreshed state.
func (c *CiDebugState) RecordDecision(ctx context.Context, issue, headSHA, signature string, decision TriageDecision, attemptNumber int) (task.CiDebugCommentState, error) {
	state, err := c.load(ctx, issue)
	if err != nil {
		return task.CiDebugCommentState{}, err
	}
	state.Attempts = append(state.Attempts, task.CIAttempt{
		AttemptNumber:  attemptNumber,
		FinishedAt:     time.Now(),
		HeadSHA:        headSHA,
		Classification: string(decision.Classification),
		Action:         string(decision.Action),
	})
	state.LastSignature = signature
	state.Triage = task.CITriageState{
		AttemptCount:       attemptNumber,
		LastSignature:      signature,
		LastClassification: string(decision.Classification),
		LastAction:         string(decision.Action),
		LastUpdatedAt:      time.Now(),
	}
	if err := c.post(ctx, issue, state); err != nil {
		return task.CiDebugCommentState{}, err
	}
	return state, nil
}

func (c *CiDebugState) post(ctx context.Context, issue string, state task.CiDebugCommentState) error {
	marker, err := commentstate.Print(ciDebugMarkerKind, state)
	if err != nil {
		return err
	}
	if _, err := c.GitHub.CreateComment(ctx, issue, marker); err != nil {
		return fmt.Errorf("mergegate: post ci-debug marker: %w", err)
	}
	return nil
}
