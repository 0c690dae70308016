package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/escalation"
	"github.com/ralph-orchestrator/ralph/internal/ledger"
	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/prresolve"
	"github.com/ralph-orchestrator/ralph/internal/supervisor"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

// PR-create lease conflict timing (spec.md §4.6, §8's "PR-create lease
// conflict" scenario): a worker that loses the claim polls briefly for
// the winner's PR before backing off, rather than blocking immediately.
const (
	prLeaseBusyPollInterval = 10 * time.Second
	prLeaseBusyPollBudget   = 2 * time.Minute
	prLeaseBusyThrottle     = 5 * time.Minute
)

// dispatchTrip handles a watchdog/stall/guardrail/loop-detector trip
// surfaced by a Session Port call, per spec.md §4.4 and §4.1's "escalate
// on supervisor trips" step. The Worker never re-implements the
// wall-clock timing that produced the trip — that lives inside the
// concrete Session Port — it only decides, from the typed SupervisorTrip,
// whether to requeue for a later retry or escalate to a human.
//
// A first occurrence of watchdog or stall requeues the task for another
// attempt; a repeat (or any loop-detector trip) escalates. A first
// guardrail trip also sends one checkpoint-mode nudge continuation to the
// session before the task is requeued; a repeat escalates.
func (w *Worker) dispatchTrip(ctx context.Context, t *task.Task, rr task.RunRecord, result ports.SessionResult, prURL, reason *string) (task.RunOutcome, error) {
	switch {
	case result.LoopTrip != nil:
		return w.escalateTrip(ctx, t, rr, "loop-detected", result.LoopTrip.Context, result.Output, reason)

	case result.WatchdogTimeout != nil:
		ledger.WatchdogTripsTotal.Inc()
		if w.loopDetected(result.WatchdogTimeout.RecentEvents) || t.WatchdogRetries >= w.maxRetries(w.Cfg.WatchdogMaxRetries) {
			return w.escalateTrip(ctx, t, rr, "watchdog-repeat", result.WatchdogTimeout.Context, result.Output, reason)
		}
		t.WatchdogRetries++
		return w.requeueTrip(ctx, t, task.BlockedRuntimeError, "watchdog timeout", reason)

	case result.StallTimeout != nil:
		ledger.StallTripsTotal.Inc()
		if t.StallRetries >= w.maxRetries(w.Cfg.StallMaxRetries) {
			return w.escalateTrip(ctx, t, rr, "stall-repeat", result.StallTimeout.Context, result.Output, reason)
		}
		t.StallRetries++
		return w.requeueTrip(ctx, t, task.BlockedStall, "session stalled", reason)

	case result.GuardrailTimeout != nil:
		ledger.GuardrailTripsTotal.Inc()
		if t.GuardrailRetries >= w.maxRetries(w.Cfg.GuardrailMaxRetries) {
			return w.escalateTrip(ctx, t, rr, "guardrail-repeat", result.GuardrailTimeout.Context, result.Output, reason)
		}
		t.GuardrailRetries++
		if w.Deps.Session != nil && t.SessionID != "" {
			nudge, err := w.Deps.Session.ContinueSession(ctx, t.WorktreePath, t.SessionID,
				"Budget reached: do not add scope. Summarise the remaining plan in a few bullets, or open the pull request with what is done.",
				ports.SessionOpts{CheckpointMode: true})
			if err == nil {
				w.Deps.Ledger.RecordTokens(ctx, t.SessionID, nudge.TokensIn, nudge.TokensOut)
			}
		}
		return w.requeueTrip(ctx, t, task.BlockedGuardrail, "guardrail limit reached", reason)
	}
	*reason = "tripped with no trip detail"
	return task.OutcomeFailed, fmt.Errorf("worker: %s", *reason)
}

func (w *Worker) maxRetries(configured int) int {
	if configured <= 0 {
		return 1
	}
	return configured
}

// loopDetected runs the early-termination heuristic (spec.md §4.4) over a
// watchdog trip's recent tool-call signatures.
func (w *Worker) loopDetected(recentEvents []string) bool {
	if len(recentEvents) == 0 {
		return false
	}
	return supervisor.CheckLoop(w.Cfg.LoopConfig, recentEvents) != nil
}

func (w *Worker) requeueTrip(ctx context.Context, t *task.Task, source task.BlockedSource, msg string, reason *string) (task.RunOutcome, error) {
	now := time.Now()
	_, _ = w.Deps.Queue.UpdateTaskStatus(ctx, t, task.StatusQueued, map[string]any{
		"BlockedSource":    string(source),
		"BlockedReason":    msg,
		"BlockedAt":        now,
		"BlockedCheckedAt": now,
	})
	w.Deps.Ledger.LogWorker(ctx, t.TaskID, "requeued: "+msg)
	*reason = msg
	return task.OutcomeFailed, nil
}

func (w *Worker) escalateTrip(ctx context.Context, t *task.Task, rr task.RunRecord, tripReason, details, output string, reason *string) (task.RunOutcome, error) {
	req := escalation.Request{
		Task:    t,
		Reason:  tripReason,
		Details: details,
		Packet:  escalation.ConsultantPacket{SessionExcerpt: escalation.SessionExcerpt(output, 200)},
		RunID:   rr.RunID,
	}
	if err := escalation.Escalate(ctx, w.Deps.GitHub, w.Deps.Notify, w.Deps.Queue, w.Deps.Sanitizer, req); err != nil {
		*reason = err.Error()
		return task.OutcomeFailed, err
	}
	*reason = tripReason
	return task.OutcomeEscalated, nil
}

// recoverPRFromLease handles the case where a build session ended without
// ever surfacing a PR URL in its output. It claims the PR-create lease (so
// two concurrent attempts for the same issue can't both believe they need
// to create one); the winner searches GitHub for a PR already linked to
// the issue and, finding none, pushes the worktree's HEAD and opens one.
// A loser polls briefly for the winner's PR before throttling, per
// spec.md §4.6's "PR-create lease conflict" scenario.
func (w *Worker) recoverPRFromLease(ctx context.Context, t *task.Task, issueNumber int, worktreePath string) string {
	if w.Deps.CreateLease == nil {
		return ""
	}
	held, err := w.Deps.CreateLease.Claim(ctx, t.Repo, issueNumber, w.Cfg.BaseBranch, w.Cfg.HolderToken)
	if err != nil {
		return ""
	}
	if !held {
		return w.awaitLeaseHolderPR(ctx, t)
	}
	defer func() { _ = w.Deps.CreateLease.Release(ctx, t.Repo, issueNumber, w.Cfg.BaseBranch) }()

	if url := w.findLinkedPR(ctx, t); url != "" {
		return url
	}
	return w.pushAndCreatePR(ctx, t, worktreePath)
}

// findLinkedPR searches GitHub directly for a PR already linked to the
// issue and resolves the canonical one, without touching the lease.
func (w *Worker) findLinkedPR(ctx context.Context, t *task.Task) string {
	candidates, err := w.Deps.GitHub.PRSearchByIssueLink(ctx, t.Issue)
	if err != nil || len(candidates) == 0 {
		return ""
	}
	selected, _ := prresolve.Canonical(candidates)
	if selected == nil {
		return ""
	}
	return selected.URL
}

// awaitLeaseHolderPR is the busy-lease path: poll for the lease holder's
// PR for up to prLeaseBusyPollBudget, reusing it the moment it appears.
// If the budget elapses with no PR found, rest the task for
// prLeaseBusyThrottle instead of blocking — the other worker may simply
// still be working, not stuck.
func (w *Worker) awaitLeaseHolderPR(ctx context.Context, t *task.Task) string {
	interval, budget, throttleFor := w.prLeaseBusyTiming()
	deadline := time.Now().Add(budget)
	for {
		if url := w.findLinkedPR(ctx, t); url != "" {
			return url
		}
		if !time.Now().Before(deadline) {
			w.throttleTask(ctx, t, throttleFor)
			w.Deps.Ledger.LogWorker(ctx, t.TaskID, "PR-create lease busy, no PR found after polling; throttling")
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(interval):
		}
	}
}

// prLeaseBusyTiming resolves the busy-lease poll timing, falling back to
// the package defaults when the Config leaves a field at its zero value —
// tests override these to keep the poll loop fast.
func (w *Worker) prLeaseBusyTiming() (interval, budget, throttleFor time.Duration) {
	interval = w.Cfg.PRLeaseBusyPollInterval
	if interval <= 0 {
		interval = prLeaseBusyPollInterval
	}
	budget = w.Cfg.PRLeaseBusyPollBudget
	if budget <= 0 {
		budget = prLeaseBusyPollBudget
	}
	throttleFor = w.Cfg.PRLeaseBusyThrottle
	if throttleFor <= 0 {
		throttleFor = prLeaseBusyThrottle
	}
	return interval, budget, throttleFor
}

// pushAndCreatePR pushes the worktree's HEAD to a ralph/<taskID> branch
// on origin and opens a PR against the base branch, the fallback for a
// build session that committed work but never ran its own PR-creation
// step (spec.md §4.6).
func (w *Worker) pushAndCreatePR(ctx context.Context, t *task.Task, worktreePath string) string {
	if worktreePath == "" {
		return ""
	}
	branch := fmt.Sprintf("ralph/%s", t.TaskID)
	if err := w.pushWorktreeHead(ctx, worktreePath, branch); err != nil {
		w.Deps.Ledger.LogWorker(ctx, t.TaskID, "push worktree HEAD for PR recovery: "+err.Error())
		return ""
	}
	title := fmt.Sprintf("Ralph: %s", t.Issue)
	body := fmt.Sprintf("Closes %s\n\nRecovered via worktree-push fallback; the build session ended without surfacing a PR URL.", t.Issue)
	url, err := w.Deps.GitHub.CreatePR(ctx, t.Repo, branch, w.Cfg.BaseBranch, title, body)
	if err != nil {
		w.Deps.Ledger.LogWorker(ctx, t.TaskID, "create PR for recovery: "+err.Error())
		return ""
	}
	return url
}

// pushWorktreeHead pushes the worktree's current HEAD to branch on
// origin, grounded on checkRepoClean/ensureWorktree's same exec.Command
// git-over-worktree-path pattern in preflight.go.
func (w *Worker) pushWorktreeHead(ctx context.Context, worktreePath, branch string) error {
	timeout := w.Cfg.GitTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "git", "push", "-u", "origin", "HEAD:refs/heads/"+branch)
	cmd.Dir = worktreePath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worker: git push %s: %w: %s", branch, err, strings.TrimSpace(string(out)))
	}
	return nil
}
