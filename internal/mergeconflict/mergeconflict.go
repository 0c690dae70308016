// Package mergeconflict implements the Merge-Conflict Recovery Lane
// (spec.md §4.9): a dedicated worktree that merges the base branch into a
// PR's head, invokes a general agent to resolve surfaced conflicts, pushes,
// and hands the PR back to the merge gate.
//
// Git plumbing (fetch/checkout/merge/ls-files/push) is grounded file-for-
// file on internal/rpi/worktree.go's CreateWorktree/MergeWorktree/
// handleMergeFailure subprocess style, generalized from "merge a detached
// worktree back into the original branch" to "merge the PR's base into an
// existing PR head branch, report conflicts instead of aborting silently".
package mergeconflict

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/worktree"
)

// ErrNoProgress is returned when the conflict signature in this attempt
// matches the last recorded signature: the agent made no headway and
// retrying would just reproduce the same conflicts.
var ErrNoProgress = errors.New("mergeconflict: conflict signature unchanged since last attempt, no progress")

// ErrNotPushable is returned when a dry-run push to the PR head fails,
// meaning the Worker lacks write access and must escalate rather than
// attempt a recovery it cannot land.
var ErrNotPushable = errors.New("mergeconflict: dry-run push to PR head failed, not pushable")

// ErrAttemptsExhausted is returned once Config.MaxAttempts recovery
// attempts have all failed.
var ErrAttemptsExhausted = errors.New("mergeconflict: exhausted all merge-conflict recovery attempts")

// Config bounds one recovery lane run.
type Config struct {
	MaxAttempts int           // default 2, spec.md §4.9 step 4
	LeaseTTL    time.Duration // default 20m, spec.md §4.9 concurrency note
	WaitTimeout time.Duration // default 10m, spec.md §4.9 step 5
	GitTimeout  time.Duration
}

// DefaultConfig returns spec.md §4.9's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 2,
		LeaseTTL:    20 * time.Minute,
		WaitTimeout: 10 * time.Minute,
		GitTimeout:  2 * time.Minute,
	}
}

// ConflictSignature computes a stable hash over {baseSha, headSha, sorted
// conflict paths}, per spec.md §4.9 step 3.
func ConflictSignature(baseSHA, headSHA string, conflictPaths []string) string {
	sorted := append([]string(nil), conflictPaths...)
	sort.Strings(sorted)
	parts := append([]string{baseSHA, headSHA}, sorted...)
	return fnv1a(strings.Join(parts, "\x00"))
}

func fnv1a(s string) string {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return fmt.Sprintf("%016x", h)
}

// Fetch runs `git fetch origin` so origin/<baseBranch> is current before
// resolving its SHA or merging it in.
func Fetch(ctx context.Context, worktreePath string, timeout time.Duration) error {
	if err := runGit(ctx, worktreePath, timeout, "fetch", "origin"); err != nil {
		return fmt.Errorf("mergeconflict: git fetch origin: %w", err)
	}
	return nil
}

// Merge attempts a non-committing merge of baseBranch into the worktree's
// current checkout. conflicted is true when the merge left unresolved
// paths (git ls-files -u non-empty); a non-nil err means the merge failed
// for a reason other than conflicts.
func Merge(ctx context.Context, worktreePath, baseBranch string, timeout time.Duration) (conflicted bool, err error) {
	mergeErr := runGit(ctx, worktreePath, timeout, "merge", "--no-commit", "--no-ff", "origin/"+baseBranch)
	if mergeErr == nil {
		return false, nil
	}

	paths, lsErr := ListConflicts(ctx, worktreePath, timeout)
	if lsErr != nil {
		return false, fmt.Errorf("mergeconflict: merge failed and could not list conflicts: %w", mergeErr)
	}
	if len(paths) == 0 {
		return false, fmt.Errorf("mergeconflict: git merge failed with no conflicts reported: %w", mergeErr)
	}
	return true, nil
}

// ListConflicts lists unmerged (conflicting) paths via `git ls-files -u`.
func ListConflicts(ctx context.Context, worktreePath string, timeout time.Duration) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", "ls-files", "-u")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("mergeconflict: git ls-files -u: %w", err)
	}

	seen := map[string]struct{}{}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		path := fields[len(fields)-1]
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// CheckPushable dry-run pushes the worktree's current HEAD to the PR's
// head branch to confirm write access before any conflict resolution work
// is attempted, per spec.md §4.9 step 1.
func CheckPushable(ctx context.Context, worktreePath, headBranch string, timeout time.Duration) error {
	if err := runGit(ctx, worktreePath, timeout, "push", "--dry-run", "origin", "HEAD:"+headBranch); err != nil {
		return fmt.Errorf("%w: %s", ErrNotPushable, err)
	}
	return nil
}

// AbortMerge aborts an in-progress merge, used when a recovery attempt is
// abandoned (no-progress or attempts exhausted) and the worktree will be
// discarded.
func AbortMerge(ctx context.Context, worktreePath string, timeout time.Duration) error {
	return runGit(ctx, worktreePath, timeout, "merge", "--abort")
}

// Push pushes the resolved merge commit to the PR's head branch.
func Push(ctx context.Context, worktreePath, headBranch string, timeout time.Duration) error {
	return runGit(ctx, worktreePath, timeout, "push", "origin", "HEAD:"+headBranch)
}

// HeadCommit resolves the worktree's current HEAD SHA.
func HeadCommit(ctx context.Context, worktreePath string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "rev-parse", "HEAD")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("mergeconflict: git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveOriginSHA resolves origin/<baseBranch>'s current SHA inside the
// worktree, used as the "baseSha" half of the conflict signature.
func ResolveOriginSHA(ctx context.Context, worktreePath, baseBranch string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "rev-parse", "origin/"+baseBranch)
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("mergeconflict: git rev-parse origin/%s: %w", baseBranch, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("git %s timed out after %s", strings.Join(args, " "), timeout)
		}
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// WaitResult describes the post-attempt PR state spec.md §4.9 step 5
// requires before the lane can hand a PR back to the merge gate.
type WaitResult struct {
	Recovered  bool
	FinalState ports.PRView
}

// WaitForUpdatedState polls the PR until its head SHA has changed from
// priorHeadSHA, its merge state is no longer DIRTY, and it has at least one
// observed check, or until timeout elapses.
func WaitForUpdatedState(ctx context.Context, gh ports.GitHubPort, pr ports.PRView, priorHeadSHA string, pollEvery, timeout time.Duration) (WaitResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		view, err := gh.PRView(cctx, pr.URL)
		if err == nil {
			runs, _ := gh.GetCommitCheckRuns(cctx, view.BaseRepo, view.HeadSHA)
			if view.HeadSHA != priorHeadSHA && view.MergeState != ports.MergeStateDirty && len(runs) > 0 {
				return WaitResult{Recovered: true, FinalState: view}, nil
			}
		}

		select {
		case <-cctx.Done():
			return WaitResult{Recovered: false}, fmt.Errorf("mergeconflict: timed out waiting for updated PR state after %s", timeout)
		case <-time.After(pollEvery):
		}
	}
}

// EnsureWorktree places (creating if absent) the dedicated recovery
// worktree for one attempt at <root>/<repo-key>/merge-conflict/<issue>/attempt-<N>.
func EnsureWorktree(ctx context.Context, mgr *worktree.Manager, repoRoot, repoKey string, issueNumber, attempt int, headBranch string, timeout time.Duration) (string, error) {
	path, err := mgr.MergeConflictPath(repoKey, issueNumber, attempt)
	if err != nil {
		return "", err
	}
	if healthErr := mgr.Health(ctx, path, timeout); healthErr == nil {
		return path, nil
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "worktree", "add", path, headBranch)
	cmd.Dir = repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("mergeconflict: git worktree add %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return path, nil
}
