package mergegate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ralph-orchestrator/ralph/internal/ports"
)

// ErrDefaultBranchPolicy is returned when a merge target is the repo's
// default branch but the repo's policy forbids merging directly into it.
var ErrDefaultBranchPolicy = errors.New("mergegate: policy refuses to merge into the default branch")

// ErrCIOnlyChangeRequiresHuman is returned for a PR whose diff touches
// only CI/workflow configuration — spec.md §4.8 requires a human review
// for these rather than an automatic merge.
var ErrCIOnlyChangeRequiresHuman = errors.New("mergegate: CI-only change requires human review before merge")

// MergePolicy controls merge semantics for one repo.
type MergePolicy struct {
	DefaultBranch        string
	ForbidDefaultBranch  bool
	RequireHumanForCIOnly bool
	MergeMethod           string // "merge", "squash", "rebase"
}

// isCIOnlyChange reports whether every changed file lives under a CI
// configuration path.
func isCIOnlyChange(files []string) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !isCIPath(f) {
			return false
		}
	}
	return true
}

func isCIPath(path string) bool {
	ciPrefixes := []string{".github/workflows/", ".circleci/", ".gitlab-ci"}
	for _, p := range ciPrefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

// Evaluate checks pr against policy and returns the reason it cannot be
// merged, or nil when it is clear to merge.
func Evaluate(pr ports.PRView, policy MergePolicy) error {
	if policy.ForbidDefaultBranch && pr.BaseBranch == policy.DefaultBranch {
		return fmt.Errorf("%w: base=%s", ErrDefaultBranchPolicy, pr.BaseBranch)
	}
	if policy.RequireHumanForCIOnly && isCIOnlyChange(pr.Files) {
		return ErrCIOnlyChangeRequiresHuman
	}
	return nil
}

// Merge performs the merge call itself. It never deletes the head branch —
// spec.md §4.8.3 requires branch cleanup to run as a separate, decision-gated
// step (CleanupHeadBranch) after the merge commits, not as part of the
// merge call.
func Merge(ctx context.Context, gh ports.GitHubPort, pr ports.PRView, policy MergePolicy) error {
	if err := Evaluate(pr, policy); err != nil {
		return err
	}

	method := policy.MergeMethod
	if method == "" {
		method = "merge"
	}
	if err := gh.PRMerge(ctx, pr.URL, method); err != nil {
		return fmt.Errorf("mergegate: merge %s: %w", pr.URL, err)
	}
	return nil
}

// CleanupHeadBranch deletes the PR's head ref post-merge. Failures here
// are non-fatal to the merge itself; callers should log and continue.
func CleanupHeadBranch(ctx context.Context, gh ports.GitHubPort, repo, headBranch string) error {
	return gh.DeleteRef(ctx, repo, "heads/"+headBranch)
}
