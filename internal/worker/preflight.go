package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/task"
)

// checkRepoClean refuses to proceed when the shared repo root carries
// uncommitted changes, per spec.md §4.1's preflight "dirty-repo-root
// check": a dirty root means a prior worktree operation left state behind
// that a fresh worktree creation would silently inherit.
func (w *Worker) checkRepoClean(repoRoot string) error {
	if repoRoot == "" {
		return nil
	}
	cmd := exec.Command("git", "-C", repoRoot, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("worker: git status %s: %w", repoRoot, err)
	}
	if strings.TrimSpace(string(out)) != "" {
		return fmt.Errorf("worker: repo root %s is dirty", repoRoot)
	}
	return nil
}

var statusLabels = map[task.Status]string{
	task.StatusQueued:     "status:queued",
	task.StatusStarting:   "status:starting",
	task.StatusInProgress: "status:in-progress",
	task.StatusThrottled:  "status:throttled",
	task.StatusBlocked:    "status:blocked",
	task.StatusEscalated:  "status:escalated",
	task.StatusDone:       "status:done",
}

// ensureBaseline reconciles the issue's status labels and, when required
// checks are configured, the base branch's protection contexts. Both are
// best-effort: a branch-protection read that errors (contexts not yet
// available on a brand-new branch) is treated as deferred-retry rather
// than a hard failure, per spec.md §4.1.
func (w *Worker) ensureBaseline(ctx context.Context, t *task.Task, labels []string, baseBranch string) {
	want := statusLabels[t.Status]
	if want == "" {
		want = statusLabels[task.StatusInProgress]
	}
	has := false
	for _, l := range labels {
		if l == want {
			has = true
			continue
		}
		if _, known := reverseStatusLabel(l); known {
			_ = w.Deps.GitHub.RemoveLabel(ctx, t.Issue, l)
		}
	}
	if !has {
		_ = w.Deps.GitHub.AddLabel(ctx, t.Issue, want)
	}

	if len(w.Cfg.RequiredChecks) == 0 || baseBranch == "" {
		return
	}
	existing, err := w.Deps.GitHub.GetBranchProtection(ctx, t.Repo, baseBranch)
	if err != nil {
		return
	}
	merged := mergeContexts(existing, w.Cfg.RequiredChecks)
	if !sameSet(merged, existing) {
		_ = w.Deps.GitHub.PutBranchProtection(ctx, t.Repo, baseBranch, merged)
	}
}

func reverseStatusLabel(label string) (task.Status, bool) {
	for s, l := range statusLabels {
		if l == label {
			return s, true
		}
	}
	return "", false
}

func mergeContexts(existing, required []string) []string {
	seen := map[string]bool{}
	out := append([]string(nil), existing...)
	for _, e := range existing {
		seen[e] = true
	}
	for _, r := range required {
		if !seen[r] {
			out = append(out, r)
			seen[r] = true
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]bool{}
	for _, x := range a {
		seen[x] = true
	}
	for _, x := range b {
		if !seen[x] {
			return false
		}
	}
	return true
}

// ensureWorktree resolves the task's worktree slot: on resume it requires
// the existing worktree to be healthy (a missing or corrupt worktree on
// resume resets the task to queued rather than silently recreating state
// the agent session still references); on a fresh attempt it reuses a
// healthy existing slot or creates one from the repo root.
func (w *Worker) ensureWorktree(ctx context.Context, t *task.Task, kind task.RunAttemptKind) (string, error) {
	issueNumber, err := parseIssueNumber(t.Issue)
	if err != nil {
		return "", err
	}
	path, err := w.Deps.Worktrees.SlotPath(w.Cfg.RepoKey, t.RepoSlot, issueNumber, t.TaskID)
	if err != nil {
		return "", err
	}

	timeout := w.Cfg.GitTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	if kind == task.AttemptResume {
		resumePath := t.WorktreePath
		if resumePath == "" {
			resumePath = path
		}
		if err := w.Deps.Worktrees.Health(ctx, resumePath, timeout); err != nil {
			return "", fmt.Errorf("worker: resume worktree %s unhealthy: %w", resumePath, err)
		}
		return resumePath, nil
	}

	if err := w.Deps.Worktrees.Health(ctx, path, timeout); err == nil {
		return path, nil
	}
	branch := fmt.Sprintf("ralph/%s", t.TaskID)
	if err := w.Deps.Worktrees.Create(ctx, w.Cfg.RepoRoot, path, branch, w.Cfg.BaseBranch, timeout); err != nil {
		return "", fmt.Errorf("worker: create worktree %s: %w", path, err)
	}
	return path, nil
}

// resolveAgentProfile pins a profile for the life of a session. Fresh work
// may fail over to an alternate profile on hard throttle; a resumed task
// always keeps the profile it was already pinned to, since the running
// session was started under that profile's credentials/runtime.
func (w *Worker) resolveAgentProfile(t *task.Task, kind task.RunAttemptKind) string {
	if kind == task.AttemptResume && t.AgentProfile != "" {
		return t.AgentProfile
	}
	if t.AgentProfile != "" && t.AgentProfile != "auto" {
		return t.AgentProfile
	}
	if w.Cfg.AgentProfile != "" {
		return w.Cfg.AgentProfile
	}
	return "auto"
}

// runSetupCommands runs each configured per-repo setup command inside the
// worktree, stopping at the first failure.
func (w *Worker) runSetupCommands(ctx context.Context, worktreePath string) error {
	timeout := w.Cfg.SetupTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	for _, command := range w.Cfg.SetupCommands {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(runCtx, "sh", "-c", command)
		cmd.Dir = worktreePath
		out, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			return fmt.Errorf("worker: setup command %q: %w: %s", command, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// issueContext is the material the planner prompt is built from.
type issueContext struct {
	Body             string
	Labels           []string
	Comments         []string
	RequiredContexts []string
}

// prefetchIssueContext fans out the independent GitHub reads a planning
// prompt needs (recent comments, branch-protection contexts) through
// Pool, bounded by the configured prefetch timeout, instead of making
// them one at a time.
func (w *Worker) prefetchIssueContext(ctx context.Context, t *task.Task, body string, labels []string, baseBranch string) issueContext {
	timeout := w.Cfg.IssueContextPrefetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	prefetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	commentLimit := w.Cfg.IssueContextCommentLimit
	if commentLimit == 0 {
		commentLimit = 25
	}

	pool := NewPool[any](2)
	results := pool.Process([]string{"comments", "protection"}, func(key string) (any, error) {
		switch key {
		case "comments":
			return w.Deps.GitHub.ListIssueComments(prefetchCtx, t.Issue, commentLimit)
		case "protection":
			if baseBranch == "" {
				return []string(nil), nil
			}
			return w.Deps.GitHub.GetBranchProtection(prefetchCtx, t.Repo, baseBranch)
		}
		return nil, nil
	})

	ic := issueContext{Body: body, Labels: labels}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		vals, _ := r.Value.([]string)
		switch r.Index {
		case 0:
			ic.Comments = vals
		case 1:
			ic.RequiredContexts = vals
		}
	}
	return ic
}
