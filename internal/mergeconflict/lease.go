package mergeconflict

import (
	"context"
	"fmt"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/commentstate"
	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

const markerKind = "merge-conflict"

// Lease guards the merge-conflict recovery lane with a comment-marker
// lease rather than a State Store row: spec.md §4.9's concurrency note
// specifies a comment-marker lease (TTL 20m) so two Workers never recover
// the same PR concurrently, distinct from prresolve's State-Store-backed
// PR-create lease.
type Lease struct {
	GitHub ports.GitHubPort
	TTL    time.Duration
}

// NewLease builds a Lease over gh with the given TTL.
func NewLease(gh ports.GitHubPort, ttl time.Duration) *Lease {
	return &Lease{GitHub: gh, TTL: ttl}
}

// loadState reads the most recent merge-conflict comment-state marker for
// issue, defaulting to a zero-value state when none is present yet.
func (l *Lease) loadState(ctx context.Context, issue string) (task.MergeConflictCommentState, error) {
	bodies, err := l.GitHub.ListIssueComments(ctx, issue, 50)
	if err != nil {
		return task.MergeConflictCommentState{}, fmt.Errorf("mergeconflict: list comments: %w", err)
	}
	state, _, err := commentstate.Find[task.MergeConflictCommentState](markerKind, bodies)
	if err != nil {
		return task.MergeConflictCommentState{}, err
	}
	return state, nil
}

// Claim attempts to take the recovery lease for issue. held is false when
// another holder's lease has not yet expired.
func (l *Lease) Claim(ctx context.Context, issue, holder string) (held bool, err error) {
	state, err := l.loadState(ctx, issue)
	if err != nil {
		return false, err
	}
	now := time.Now()
	if state.Lease != nil && !state.Lease.Expired(now) && state.Lease.Holder != holder {
		return false, nil
	}

	state.Lease = &task.CommentLease{Holder: holder, ExpiresAt: now.Add(l.TTL)}
	marker, err := commentstate.Print(markerKind, state)
	if err != nil {
		return false, err
	}
	if _, err := l.GitHub.CreateComment(ctx, issue, marker); err != nil {
		return false, fmt.Errorf("mergeconflict: post lease marker: %w", err)
	}
	return true, nil
}

// Release clears the recovery lease for issue, keeping the rest of the
// comment-state (attempt history, last signature) intact.
func (l *Lease) Release(ctx context.Context, issue string) error {
	state, err := l.loadState(ctx, issue)
	if err != nil {
		return err
	}
	state.Lease = nil
	marker, err := commentstate.Print(markerKind, state)
	if err != nil {
		return err
	}
	if _, err := l.GitHub.CreateComment(ctx, issue, marker); err != nil {
		return fmt.Errorf("mergeconflict: post lease-release marker: %w", err)
	}
	return nil
}

// RecordAttempt appends an attempt to the persisted comment-state and
// updates LastSignature, returning the refreshed state for callers that
// want to inspect it (e.g. to compare signatures for no-progress
// detection).
func (l *Lease) RecordAttempt(ctx context.Context, issue string, attempt task.MergeConflictAttempt, signature string) (task.MergeConflictCommentState, error) {
	state, err := l.loadState(ctx, issue)
	if err != nil {
		return task.MergeConflictCommentState{}, err
	}
	state.Attempts = append(state.Attempts, attempt)
	state.LastSignature = signature

	marker, err := commentstate.Print(markerKind, state)
	if err != nil {
		return task.MergeConflictCommentState{}, err
	}
	if _, err := l.GitHub.CreateComment(ctx, issue, marker); err != nil {
		return task.MergeConflictCommentState{}, fmt.Errorf("mergeconflict: post attempt marker: %w", err)
	}
	return state, nil
}
