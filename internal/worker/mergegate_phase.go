package worker

import (
	"context"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/escalation"
	"github.com/ralph-orchestrator/ralph/internal/ledger"
	"github.com/ralph-orchestrator/ralph/internal/mergegate"
	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

// enterMergeGate runs the merge gate end to end for a ready PR: resolving
// a DIRTY mergeState through the Merge-Conflict Recovery Lane, auto-
// updating a BEHIND branch, polling required checks, triaging failures,
// merging, cleaning up the head branch, and running the post-merge
// survey (spec.md §4.8).
func (w *Worker) enterMergeGate(ctx context.Context, t *task.Task, rr task.RunRecord, pr ports.PRView, prURL *string) (task.RunOutcome, error) {
	*prURL = pr.URL

	if pr.MergeState == ports.MergeStateDirty {
		outcome, done, err := w.handleMergeConflict(ctx, t, rr, pr, prURL)
		if done {
			return outcome, err
		}
		refreshed, verr := w.Deps.GitHub.PRView(ctx, pr.URL)
		if verr != nil {
			return task.OutcomeFailed, verr
		}
		pr = refreshed
	}

	if pr.MergeState == ports.MergeStateBehind {
		if err := mergegate.AutoUpdateBehind(ctx, w.Deps.GitHub, pr); err != nil {
			w.blockTask(ctx, t, task.BlockedAutoUpdate, err.Error())
			return task.OutcomeFailed, nil
		}
	}

	timer := ledger.NewTimer()
	pollResult, err := mergegate.Poll(ctx, w.Deps.GitHub, t.Repo, pr, w.Cfg.PollConfig)
	timer.ObserveDuration(ledger.MergeGatePollDuration)
	if err != nil {
		if w.rateLimitThrottle(ctx, t, err) {
			return task.OutcomeThrottled, nil
		}
		return task.OutcomeFailed, err
	}

	if !pollResult.IsPassing() {
		return w.triageCI(ctx, t, rr, pr, pollResult, prURL)
	}

	if err := mergegate.Merge(ctx, w.Deps.GitHub, pr, w.Cfg.MergePolicy); err != nil {
		w.blockTask(ctx, t, task.BlockedMergeTarget, err.Error())
		return task.OutcomeFailed, nil
	}
	_ = mergegate.CleanupHeadBranch(ctx, w.Deps.GitHub, t.Repo, pr.HeadBranch)

	w.recordCheckpoint(ctx, t, task.CheckpointMergeStepComplete)

	return w.runSurvey(ctx, t, rr, pr, prURL)
}

func (w *Worker) handleMergeConflict(ctx context.Context, t *task.Task, rr task.RunRecord, pr ports.PRView, prURL *string) (task.RunOutcome, bool, error) {
	if w.Deps.MergeConflictLane == nil {
		w.blockTask(ctx, t, task.BlockedMergeConflict, "merge conflict with no recovery lane configured")
		return task.OutcomeFailed, true, nil
	}
	issueNumber, err := parseIssueNumber(t.Issue)
	if err != nil {
		return task.OutcomeFailed, true, err
	}
	result, err := w.Deps.MergeConflictLane.Recover(ctx, t.Issue, w.Cfg.RepoRoot, w.Cfg.RepoKey, issueNumber, pr, pr.BaseBranch, w.Cfg.HolderToken)
	if err != nil {
		return task.OutcomeFailed, true, err
	}
	if result.Escalated {
		req := escalation.Request{
			Task:    t,
			Reason:  "merge-conflict-unresolved",
			Details: result.EscalateReason,
			RunID:   rr.RunID,
		}
		_ = escalation.Escalate(ctx, w.Deps.GitHub, w.Deps.Notify, w.Deps.Queue, w.Deps.Sanitizer, req)
		return task.OutcomeEscalated, true, nil
	}
	if !result.Recovered {
		w.blockTask(ctx, t, task.BlockedMergeConflict, "merge conflict recovery made no progress")
		return task.OutcomeFailed, true, nil
	}
	*prURL = result.FinalPR.URL
	return "", false, nil
}

func (w *Worker) triageCI(ctx context.Context, t *task.Task, rr task.RunRecord, pr ports.PRView, poll mergegate.PollResult, prURL *string) (task.RunOutcome, error) {
	if w.Deps.CIDebug == nil {
		w.blockTask(ctx, t, task.BlockedCIFailure, poll.Summary())
		return task.OutcomeFailed, nil
	}
	held, err := w.Deps.CIDebug.Claim(ctx, t.Issue, w.Cfg.HolderToken)
	if err != nil {
		return task.OutcomeFailed, err
	}
	if !held {
		w.blockTask(ctx, t, task.BlockedCIFailure, "CI-debug lease held by another worker")
		return task.OutcomeFailed, nil
	}
	defer func() { _ = w.Deps.CIDebug.Release(ctx, t.Issue) }()

	state, err := w.Deps.CIDebug.State(ctx, t.Issue)
	if err != nil {
		return task.OutcomeFailed, err
	}

	signature := mergegate.RequiredCheckSignature(pr.Checks)
	streak := 0
	if signature == state.Triage.LastSignature {
		streak = state.Triage.AttemptCount
	}
	var quarantineElapsed time.Duration
	if len(state.Attempts) > 0 && !state.Attempts[0].FinishedAt.IsZero() {
		quarantineElapsed = time.Since(state.Attempts[0].FinishedAt)
	}

	decision := mergegate.Triage(mergegate.TriageInput{
		FailedChecks:      poll.FailedChecks,
		AttemptCount:      state.Triage.AttemptCount,
		MaxAttempts:       w.Cfg.CIMaxAttempts,
		QuarantineElapsed: quarantineElapsed,
		MaxQuarantine:     w.Cfg.MaxQuarantine,
		PreviousSignature: state.Triage.LastSignature,
		CurrentSignature:  signature,
		SameFailureStreak: streak,
	})
	if _, err := w.Deps.CIDebug.RecordDecision(ctx, t.Issue, pr.HeadSHA, signature, decision, state.Triage.AttemptCount+1); err != nil {
		return task.OutcomeFailed, err
	}

	switch decision.Action {
	case mergegate.ActionResume:
		result, err := w.Deps.Session.ContinueSession(ctx, t.WorktreePath, t.SessionID, "CI is green again, re-checking", ports.SessionOpts{})
		if err != nil {
			return task.OutcomeFailed, err
		}
		w.Deps.Ledger.RecordTokens(ctx, t.SessionID, result.TokensIn, result.TokensOut)
		if result.Tripped() {
			var reason string
			return w.dispatchTrip(ctx, t, rr, result, prURL, &reason)
		}
		refreshed, err := w.Deps.GitHub.PRView(ctx, pr.URL)
		if err != nil {
			return task.OutcomeFailed, err
		}
		return w.enterMergeGate(ctx, t, rr, refreshed, prURL)

	case mergegate.ActionSpawn:
		result, err := w.Deps.Session.ContinueSession(ctx, t.WorktreePath, t.SessionID, "CI keeps failing with: "+decision.Reason+", please fix", ports.SessionOpts{})
		if err != nil {
			return task.OutcomeFailed, err
		}
		w.Deps.Ledger.RecordTokens(ctx, t.SessionID, result.TokensIn, result.TokensOut)
		if result.Tripped() {
			var reason string
			return w.dispatchTrip(ctx, t, rr, result, prURL, &reason)
		}
		refreshed, err := w.Deps.GitHub.PRView(ctx, pr.URL)
		if err != nil {
			return task.OutcomeFailed, err
		}
		return w.enterMergeGate(ctx, t, rr, refreshed, prURL)

	case mergegate.ActionQuarantine:
		w.throttleTask(ctx, t, decision.Backoff)
		w.Deps.Ledger.LogWorker(ctx, t.TaskID, "CI quarantine: "+decision.Reason)
		return task.OutcomeThrottled, nil

	default: // ActionEscalate
		req := escalation.Request{
			Task:    t,
			Reason:  "ci-triage-escalate",
			Details: decision.Reason,
			RunID:   rr.RunID,
		}
		_ = escalation.Escalate(ctx, w.Deps.GitHub, w.Deps.Notify, w.Deps.Queue, w.Deps.Sanitizer, req)
		return task.OutcomeEscalated, nil
	}
}

// runSurvey runs the post-merge survey command (spec.md §4.1's final
// step) and marks the task done, regardless of the survey's own success —
// a failed survey is logged, not escalated, since the work itself already
// merged.
func (w *Worker) runSurvey(ctx context.Context, t *task.Task, rr task.RunRecord, pr ports.PRView, prURL *string) (task.RunOutcome, error) {
	if w.Cfg.SurveyCommand != "" && t.SessionID != "" {
		result, err := w.Deps.Session.ContinueCommand(ctx, t.WorktreePath, t.SessionID, w.Cfg.SurveyCommand, nil, ports.SessionOpts{})
		if err == nil {
			w.Deps.Ledger.RecordTokens(ctx, t.SessionID, result.TokensIn, result.TokensOut)
		} else {
			w.Deps.Ledger.LogWorker(ctx, t.TaskID, "post-merge survey failed: "+err.Error())
		}
	}

	w.recordCheckpoint(ctx, t, task.CheckpointSurveyComplete)

	w.markDone(ctx, t, *prURL)

	w.recordCheckpoint(ctx, t, task.CheckpointRecorded)

	return task.OutcomeSuccess, nil
}
