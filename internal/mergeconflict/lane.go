package mergeconflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/task"
	"github.com/ralph-orchestrator/ralph/internal/worktree"
)

// Lane runs the Merge-Conflict Recovery Lane end to end for one PR.
type Lane struct {
	GitHub    ports.GitHubPort
	Session   ports.SessionPort
	Worktrees *worktree.Manager
	Lease     *Lease
	Cfg       Config
}

// New builds a Lane from its collaborators, defaulting Cfg when zero.
func New(gh ports.GitHubPort, session ports.SessionPort, wtMgr *worktree.Manager, cfg Config) *Lane {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Lane{
		GitHub:    gh,
		Session:   session,
		Worktrees: wtMgr,
		Lease:     NewLease(gh, cfg.LeaseTTL),
		Cfg:       cfg,
	}
}

// Result is the lane's terminal outcome for one Recover call.
type Result struct {
	Recovered      bool
	Escalated      bool
	EscalateReason string
	AttemptsUsed   int
	FinalPR        ports.PRView
}

// Recover runs the recovery lane for pr under issue, which is already
// known to be in merge state DIRTY. repoKey/repoRoot/issueNumber address
// the dedicated worktree; holder identifies this Worker for the lease.
func (l *Lane) Recover(ctx context.Context, issue, repoRoot, repoKey string, issueNumber int, pr ports.PRView, baseBranch, holder string) (Result, error) {
	held, err := l.Lease.Claim(ctx, issue, holder)
	if err != nil {
		return Result{}, err
	}
	if !held {
		return Result{}, fmt.Errorf("mergeconflict: recovery lease for %s held by another worker", issue)
	}
	defer func() { _ = l.Lease.Release(ctx, issue) }()

	var lastSignature string
	if state, err := l.Lease.loadState(ctx, issue); err == nil {
		lastSignature = state.LastSignature
	}

	for attempt := 1; attempt <= l.Cfg.MaxAttempts; attempt++ {
		res, signature, err := l.attemptOnce(ctx, issue, repoRoot, repoKey, issueNumber, attempt, pr, baseBranch, lastSignature)
		if err != nil {
			if err == ErrNoProgress {
				return Result{Escalated: true, EscalateReason: "no progress: conflict signature unchanged", AttemptsUsed: attempt}, nil
			}
			if errors.Is(err, ErrNotPushable) {
				return Result{Escalated: true, EscalateReason: "PR head not pushable", AttemptsUsed: attempt}, nil
			}
			if attempt == l.Cfg.MaxAttempts {
				return Result{Escalated: true, EscalateReason: err.Error(), AttemptsUsed: attempt}, nil
			}
			lastSignature = signature
			continue
		}
		if res.Recovered {
			return Result{Recovered: true, AttemptsUsed: attempt, FinalPR: res.FinalState}, nil
		}
		lastSignature = signature
	}
	return Result{Escalated: true, EscalateReason: ErrAttemptsExhausted.Error(), AttemptsUsed: l.Cfg.MaxAttempts}, nil
}

// attemptOnce runs one merge-conflict recovery attempt: prepare the
// worktree, merge base into head, resolve via agent, push, wait.
func (l *Lane) attemptOnce(ctx context.Context, issue, repoRoot, repoKey string, issueNumber, attempt int, pr ports.PRView, baseBranch, lastSignature string) (WaitResult, string, error) {
	worktreePath, err := EnsureWorktree(ctx, l.Worktrees, repoRoot, repoKey, issueNumber, attempt, pr.HeadBranch, l.Cfg.GitTimeout)
	if err != nil {
		return WaitResult{}, "", err
	}

	if err := CheckPushable(ctx, worktreePath, pr.HeadBranch, l.Cfg.GitTimeout); err != nil {
		return WaitResult{}, "", err
	}

	if err := Fetch(ctx, worktreePath, l.Cfg.GitTimeout); err != nil {
		return WaitResult{}, "", err
	}
	baseSHA, err := ResolveOriginSHA(ctx, worktreePath, baseBranch, l.Cfg.GitTimeout)
	if err != nil {
		return WaitResult{}, "", err
	}

	conflicted, err := Merge(ctx, worktreePath, baseBranch, l.Cfg.GitTimeout)
	if err != nil {
		return WaitResult{}, "", err
	}
	if !conflicted {
		headSHA, err := HeadCommit(ctx, worktreePath, l.Cfg.GitTimeout)
		if err != nil {
			return WaitResult{}, "", err
		}
		if err := Push(ctx, worktreePath, pr.HeadBranch, l.Cfg.GitTimeout); err != nil {
			return WaitResult{}, "", err
		}
		return l.waitAndRecord(ctx, issue, pr, baseSHA, headSHA, attempt, nil, true)
	}

	conflictPaths, err := ListConflicts(ctx, worktreePath, l.Cfg.GitTimeout)
	if err != nil {
		return WaitResult{}, "", err
	}
	signature := ConflictSignature(baseSHA, pr.HeadSHA, conflictPaths)
	if signature == lastSignature {
		_ = AbortMerge(ctx, worktreePath, l.Cfg.GitTimeout)
		return WaitResult{}, signature, ErrNoProgress
	}

	prompt := mergeConflictPrompt(conflictPaths, baseBranch)
	result, err := l.Session.RunAgent(ctx, worktreePath, "general", prompt, ports.SessionOpts{Timeout: l.Cfg.WaitTimeout})
	if err != nil {
		_ = AbortMerge(ctx, worktreePath, l.Cfg.GitTimeout)
		return WaitResult{}, signature, fmt.Errorf("mergeconflict: agent session: %w", err)
	}
	if !result.Success || result.Tripped() {
		_ = AbortMerge(ctx, worktreePath, l.Cfg.GitTimeout)
		return WaitResult{}, signature, fmt.Errorf("mergeconflict: agent did not resolve conflicts cleanly")
	}

	headSHA, err := HeadCommit(ctx, worktreePath, l.Cfg.GitTimeout)
	if err != nil {
		return WaitResult{}, signature, err
	}
	if err := Push(ctx, worktreePath, pr.HeadBranch, l.Cfg.GitTimeout); err != nil {
		return WaitResult{}, signature, err
	}

	return l.waitAndRecord(ctx, issue, pr, baseSHA, headSHA, attempt, conflictPaths, true)
}

func (l *Lane) waitAndRecord(ctx context.Context, issue string, pr ports.PRView, baseSHA, headSHA string, attempt int, conflictPaths []string, resolved bool) (WaitResult, string, error) {
	wait, err := WaitForUpdatedState(ctx, l.GitHub, pr, pr.HeadSHA, 15*time.Second, l.Cfg.WaitTimeout)
	signature := ConflictSignature(baseSHA, headSHA, conflictPaths)
	_, recErr := l.Lease.RecordAttempt(ctx, issue, task.MergeConflictAttempt{
		AttemptNumber: attempt,
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
		HeadSHA:       headSHA,
		ConflictPaths: conflictPaths,
		Resolved:      resolved && err == nil,
	}, signature)
	if recErr != nil {
		return wait, signature, recErr
	}
	return wait, signature, err
}

func mergeConflictPrompt(conflictPaths []string, baseBranch string) string {
	return fmt.Sprintf(
		"Resolve the git merge conflicts against origin/%s. Conflicting files:\n%s\nResolve every conflict marker, stage the result, and leave the merge ready to commit.",
		baseBranch, joinLines(conflictPaths),
	)
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += "- " + l + "\n"
	}
	return out
}
