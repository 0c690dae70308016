// Package worker's Worker State Machine (spec.md §4.1) is the per-task
// orchestrator: it drives one Task from queued through preflight,
// planning, building, the merge gate, and post-merge survey, dispatching
// on the typed results the Session, GitHub, Throttle, and State Store
// ports return.
//
// Grounded on internal/rpi's phase-sequenced run loop (preflight ->
// build -> verify -> finalize, one RunRecord per attempt) generalized
// from a single-shot CLI command into the resumable, checkpointed state
// machine spec.md §4.1 describes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/checkpoint"
	"github.com/ralph-orchestrator/ralph/internal/escalation"
	"github.com/ralph-orchestrator/ralph/internal/ledger"
	"github.com/ralph-orchestrator/ralph/internal/mergeconflict"
	"github.com/ralph-orchestrator/ralph/internal/mergegate"
	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/prresolve"
	"github.com/ralph-orchestrator/ralph/internal/redact"
	"github.com/ralph-orchestrator/ralph/internal/supervisor"
	"github.com/ralph-orchestrator/ralph/internal/task"
	"github.com/ralph-orchestrator/ralph/internal/throttle"
	"github.com/ralph-orchestrator/ralph/internal/worktree"
)

// Config bounds one Worker's behavior; one Config is shared across all
// tasks a Worker instance handles.
type Config struct {
	RepoRoot   string // the bare/shared checkout setup commands and worktree creation branch from
	RepoKey    string
	BaseBranch string

	AllowedRepos []string // owner or owner/name; empty means no restriction

	AgentProfile    string // default profile, or "auto"
	FailoverProfile string // used on hard-throttle for fresh (non-resume) work only

	SetupCommands []string
	SetupTimeout  time.Duration
	GitTimeout    time.Duration

	IssueContextCommentLimit    int
	IssueContextPrefetchTimeout time.Duration

	RequiredChecks []string
	MergePolicy    mergegate.MergePolicy
	PollConfig     mergegate.PollConfig

	CIMaxAttempts        int
	MaxQuarantine        time.Duration
	MergeConflict        mergeconflict.Config
	AutoUpdateBehindWait time.Duration

	LoopConfig          supervisor.LoopConfig
	WatchdogMaxRetries  int
	StallMaxRetries     int
	GuardrailMaxRetries int

	ThrottleProfile string
	HolderToken     string

	// PR-create lease busy-path timing (spec.md §4.6); zero means use the
	// package defaults in session.go.
	PRLeaseBusyPollInterval time.Duration
	PRLeaseBusyPollBudget   time.Duration
	PRLeaseBusyThrottle     time.Duration

	SurveyCommand string // command name passed to ContinueCommand for the post-merge survey
}

// Deps bundles every collaborator the Worker State Machine drives through.
type Deps struct {
	GitHub    ports.GitHubPort
	Session   ports.SessionPort
	Queue     ports.QueuePort
	Notify    ports.NotifyPort
	Throttler interface {
		Check(ctx context.Context, profile string) (ports.ThrottleDecision, error)
	}
	Worktrees         *worktree.Manager
	Ledger            *ledger.Ledger
	Checkpoints       *checkpoint.Ledger
	Pauses            *checkpoint.PauseWaiter
	CreateLease       *prresolve.CreateLease
	MergeConflictLane *mergeconflict.Lane
	CIDebug           *mergegate.CiDebugState
	Sanitizer         *redact.Sanitizer
}

// Worker drives the state machine for one task at a time; it holds no
// per-task mutable state of its own beyond Config/Deps, so one Worker
// value may be shared by a caller that runs tasks sequentially or hands
// distinct Worker values to concurrent goroutines (spec.md §5's "one
// worktree slot in flight per slot" invariant is enforced by the caller's
// slot assignment, not by Worker itself).
type Worker struct {
	Cfg  Config
	Deps Deps
}

// New builds a Worker from Config and Deps.
func New(cfg Config, deps Deps) *Worker {
	return &Worker{Cfg: cfg, Deps: deps}
}

// Process runs the full state machine from queued for a fresh task.
func (w *Worker) Process(ctx context.Context, t *task.Task) (task.RunOutcome, error) {
	return w.run(ctx, t, task.AttemptProcess)
}

// Resume continues a task that already has a SessionID, re-entering the
// process flow at the build step instead of planning from scratch.
func (w *Worker) Resume(ctx context.Context, t *task.Task) (task.RunOutcome, error) {
	return w.run(ctx, t, task.AttemptResume)
}

func (w *Worker) run(ctx context.Context, t *task.Task, kind task.RunAttemptKind) (outcome task.RunOutcome, runErr error) {
	runCtx, rr, err := w.Deps.Ledger.StartRun(ctx, t, kind)
	if err != nil {
		return task.OutcomeFailed, err
	}
	ctx = runCtx

	var prURL, reason string
	outcome = task.OutcomeFailed

	defer func() {
		if sealErr := w.Deps.Ledger.SealRun(ctx, rr.RunID, outcome, prURL, reason); sealErr != nil && runErr == nil {
			runErr = sealErr
		}
	}()

	issueNumber, err := parseIssueNumber(t.Issue)
	if err != nil {
		reason = err.Error()
		return outcome, err
	}

	// --- Preflight ---
	if !w.isAllowed(t.Repo) {
		outcome, reason = w.blockTask(ctx, t, task.BlockedAllowlist, "repository is not in the allowlist"), "allowlist"
		return outcome, nil
	}

	body, labels, state, err := w.Deps.GitHub.IssueView(ctx, t.Issue)
	if err != nil {
		if w.rateLimitThrottle(ctx, t, err) {
			outcome, reason = task.OutcomeThrottled, "api-rate-limit"
			return outcome, nil
		}
		reason = fmt.Sprintf("issue view: %v", err)
		return outcome, err
	}
	if strings.EqualFold(state, "closed") {
		w.markDone(ctx, t, "")
		outcome = task.OutcomeSuccess
		return outcome, nil
	}

	if err := w.checkRepoClean(w.Cfg.RepoRoot); err != nil {
		outcome, reason = w.blockTask(ctx, t, task.BlockedDirtyRepo, err.Error()), "dirty-repo"
		return outcome, nil
	}

	w.ensureBaseline(ctx, t, labels, w.Cfg.BaseBranch)

	worktreePath, werr := w.ensureWorktree(ctx, t, kind)
	if werr != nil {
		if kind == task.AttemptResume {
			_, _ = w.Deps.Queue.UpdateTaskStatus(ctx, t, task.StatusQueued, map[string]any{
				"WorktreePath": "",
			})
		}
		reason = werr.Error()
		return outcome, werr
	}
	t.WorktreePath = worktreePath

	t.AgentProfile = w.resolveAgentProfile(t, kind)

	if len(w.Cfg.SetupCommands) > 0 {
		if err := w.runSetupCommands(ctx, worktreePath); err != nil {
			escReq := escalation.Request{
				Task:    t,
				Reason:  "setup-command-failed",
				Details: err.Error(),
				RunID:   rr.RunID,
			}
			_ = escalation.Escalate(ctx, w.Deps.GitHub, w.Deps.Notify, w.Deps.Queue, w.Deps.Sanitizer, escReq)
			outcome, reason = task.OutcomeEscalated, "setup-command-failed"
			return outcome, nil
		}
	}

	if w.Deps.Throttler != nil {
		decision, err := w.Deps.Throttler.Check(ctx, w.Cfg.ThrottleProfile)
		if err == nil && decision.State == ports.ThrottleHard {
			var resumeIn time.Duration
			if decision.ResumeAtTs != nil {
				resumeIn = time.Until(*decision.ResumeAtTs)
			}
			w.throttleTask(ctx, t, resumeIn)
			outcome = task.OutcomeThrottled
			reason = "throttled"
			return outcome, nil
		}
	}

	// --- Queued-PR reconciliation: a PR may already exist for this issue
	// from a prior attempt; short-circuit straight into the merge gate
	// instead of re-planning/re-building.
	if selected := w.reconcileExistingPR(ctx, t, issueNumber); selected != nil {
		pr, err := w.Deps.GitHub.PRView(ctx, selected.URL)
		if err == nil {
			return w.enterMergeGate(ctx, t, rr, pr, &prURL)
		}
	}

	issueCtx := w.prefetchIssueContext(ctx, t, body, labels, w.Cfg.BaseBranch)

	var sessionID string
	if kind == task.AttemptResume {
		sessionID = t.SessionID
	}

	var result ports.SessionResult
	if sessionID == "" {
		result, err = w.Deps.Session.RunAgent(ctx, worktreePath, "planner", planPrompt(issueCtx), ports.SessionOpts{Timeout: 0})
	} else {
		result, err = w.Deps.Session.ContinueSession(ctx, worktreePath, sessionID, "proceed", ports.SessionOpts{})
	}
	if err != nil {
		reason = err.Error()
		return outcome, err
	}
	t.SessionID = result.SessionID
	w.Deps.Ledger.RecordTokens(ctx, result.SessionID, result.TokensIn, result.TokensOut)

	if result.Tripped() {
		return w.dispatchTrip(ctx, t, rr, result, &prURL, &reason)
	}

	w.recordCheckpoint(ctx, t, task.CheckpointPlanned)

	routing, ok := ParseRouting(result.Output)
	if ok && routing.Decision == "escalate" && isImplementationType(labels) {
		routing = w.runDevexConsult(ctx, t, worktreePath, routing)
	}
	if ok && routing.Decision == "escalate" {
		escReq := escalation.Request{
			Task:    t,
			Reason:  "routing-escalate",
			Details: routing.Reason,
			Packet:  escalation.ConsultantPacket{SessionExcerpt: escalation.SessionExcerpt(result.Output, 200)},
			RunID:   rr.RunID,
		}
		_ = escalation.Escalate(ctx, w.Deps.GitHub, w.Deps.Notify, w.Deps.Queue, w.Deps.Sanitizer, escReq)
		outcome, reason = task.OutcomeEscalated, "routing-escalate"
		return outcome, nil
	}

	w.recordCheckpoint(ctx, t, task.CheckpointRouted)

	buildResult, err := w.Deps.Session.ContinueSession(ctx, worktreePath, t.SessionID, "implement", ports.SessionOpts{})
	if err != nil {
		reason = err.Error()
		return outcome, err
	}
	w.Deps.Ledger.RecordTokens(ctx, t.SessionID, buildResult.TokensIn, buildResult.TokensOut)
	if buildResult.Tripped() {
		return w.dispatchTrip(ctx, t, rr, buildResult, &prURL, &reason)
	}

	w.recordCheckpoint(ctx, t, task.CheckpointImplementationStepComplete)

	url, found := ExtractPRURL(buildResult.Output)
	if !found {
		url = buildResult.PRUrl
	}
	if url == "" {
		url = w.recoverPRFromLease(ctx, t, issueNumber, worktreePath)
	}
	if url == "" {
		reason = "no PR URL produced"
		return outcome, fmt.Errorf("worker: %s", reason)
	}
	prURL = url

	w.recordCheckpoint(ctx, t, task.CheckpointPRReady)

	candidates, _ := w.Deps.GitHub.PRSearchByIssueLink(ctx, t.Issue)
	candidates = append(candidates, task.PRCandidate{URL: prURL, Source: task.PRSourceDB})
	selected, _ := prresolve.Canonical(candidates)
	if selected != nil {
		prURL = selected.URL
	}

	pr, err := w.Deps.GitHub.PRView(ctx, prURL)
	if err != nil {
		if w.rateLimitThrottle(ctx, t, err) {
			outcome, reason = task.OutcomeThrottled, "api-rate-limit"
			return outcome, nil
		}
		reason = err.Error()
		return outcome, err
	}

	return w.enterMergeGate(ctx, t, rr, pr, &prURL)
}

func parseIssueNumber(issue string) (int, error) {
	idx := strings.LastIndex(issue, "#")
	if idx < 0 || idx == len(issue)-1 {
		return 0, fmt.Errorf("worker: malformed issue %q, expected owner/name#N", issue)
	}
	n, err := strconv.Atoi(issue[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("worker: malformed issue number in %q: %w", issue, err)
	}
	return n, nil
}

// informationalLabels are issue types the devex consult never runs for —
// there is no implementation to reroute, only a request for clarification
// or documentation, so an escalation from one of these is final.
var informationalLabels = map[string]bool{
	"type:question":   true,
	"type:docs":       true,
	"type:discussion": true,
}

// isImplementationType reports whether labels mark the issue as one where
// a devex consult (spec.md §4.1 step 3) is worth running before honoring
// a planner's escalate routing — i.e. it is not purely informational.
func isImplementationType(labels []string) bool {
	for _, l := range labels {
		if informationalLabels[strings.ToLower(l)] {
			return false
		}
	}
	return true
}

// runDevexConsult continues the planner's session with a devex-consult
// message (spec.md §4.1 step 3's "optionally run a single devex consult
// followed by a reroute"), then reparses the routing decision from its
// output. Any error, trip, or unparsable output leaves the original
// escalate decision untouched — the consult is a single best-effort
// nudge, never a blocking retry loop. A reroute that names an agent
// profile pins the task to it for the remaining build step.
func (w *Worker) runDevexConsult(ctx context.Context, t *task.Task, worktreePath string, original RoutingDecision) RoutingDecision {
	result, err := w.Deps.Session.ContinueSession(ctx, worktreePath, t.SessionID, "devex-consult", ports.SessionOpts{})
	if err != nil || result.Tripped() {
		return original
	}
	w.Deps.Ledger.RecordTokens(ctx, t.SessionID, result.TokensIn, result.TokensOut)

	reconsidered, ok := ParseRouting(result.Output)
	if !ok {
		return original
	}
	if reconsidered.DevexReroute != "" {
		t.AgentProfile = reconsidered.DevexReroute
	}
	return reconsidered
}

func (w *Worker) isAllowed(repo string) bool {
	if len(w.Cfg.AllowedRepos) == 0 {
		return true
	}
	owner := repo
	if i := strings.Index(repo, "/"); i >= 0 {
		owner = repo[:i]
	}
	for _, allowed := range w.Cfg.AllowedRepos {
		if allowed == repo || allowed == owner {
			return true
		}
	}
	return false
}

func (w *Worker) blockTask(ctx context.Context, t *task.Task, source task.BlockedSource, reason string) task.RunOutcome {
	now := time.Now()
	_, _ = w.Deps.Queue.UpdateTaskStatus(ctx, t, task.StatusBlocked, map[string]any{
		"BlockedSource":    string(source),
		"BlockedReason":    reason,
		"BlockedAt":        now,
		"BlockedCheckedAt": now,
	})
	w.Deps.Ledger.LogWorker(ctx, t.TaskID, fmt.Sprintf("blocked: %s: %s", source, reason))
	return task.OutcomeFailed
}

// throttleTask rests the task, echoing resumeIn onto ResumeAt when the
// caller knows a concrete resume time (a GitHub rate-limit reset, a CI
// quarantine backoff); resumeIn<=0 leaves ResumeAt to the poller's own
// judgment.
func (w *Worker) throttleTask(ctx context.Context, t *task.Task, resumeIn time.Duration) {
	now := time.Now()
	patch := map[string]any{"ThrottledAt": now}
	if resumeIn > 0 {
		patch["ResumeAt"] = now.Add(resumeIn)
	}
	_, _ = w.Deps.Queue.UpdateTaskStatus(ctx, t, task.StatusThrottled, patch)
}

// rateLimitThrottle converts a GitHub rate-limit error into the
// throttled-rest outcome spec.md §4.3/§8's rate-limit Testable Property
// requires. Reports whether err carried a rate limit and the task was
// throttled; a false return means the caller should handle err as an
// ordinary failure.
func (w *Worker) rateLimitThrottle(ctx context.Context, t *task.Task, err error) bool {
	var ghErr *ports.GitHubAPIError
	if !errors.As(err, &ghErr) {
		return false
	}
	decision, ok := throttle.FromGitHubError(ghErr)
	if !ok {
		return false
	}
	now := time.Now()
	patch := map[string]any{
		"ThrottledAt":   now,
		"BlockedSource": string(task.BlockedAPIRateLimit),
		"BlockedReason": "GitHub API rate limit",
	}
	if decision.ResumeAtTs != nil {
		patch["ResumeAt"] = *decision.ResumeAtTs
	}
	_, _ = w.Deps.Queue.UpdateTaskStatus(ctx, t, task.StatusThrottled, patch)
	return true
}

// recordCheckpoint records cp on both the Checkpoint Ledger and the run
// Ledger, then honors a pending pause request at this checkpoint
// (spec.md §4.2's pause-at-checkpoint protocol) before the caller
// advances any further.
func (w *Worker) recordCheckpoint(ctx context.Context, t *task.Task, cp task.Checkpoint) {
	w.Deps.Checkpoints.Record(t, cp)
	w.Deps.Ledger.Checkpoint(ctx, t, t.CheckpointSeq, cp)
	w.pauseAt(ctx, t, cp)
}

// pauseAt suspends the Worker at cp when the task has pauseRequested set
// and either pauseAtCheckpoint is empty ("any") or matches cp, polling
// w.Deps.Pauses until pauseRequested clears. A nil Pauses dependency or
// an unrequested pause is a no-op.
func (w *Worker) pauseAt(ctx context.Context, t *task.Task, cp task.Checkpoint) {
	if w.Deps.Pauses == nil || !t.PauseRequested {
		return
	}
	if t.PauseAtCheckpoint != "" && t.PauseAtCheckpoint != cp {
		return
	}
	t.PausedAtCheckpoint = cp
	_, _ = w.Deps.Queue.UpdateTaskStatus(ctx, t, t.Status, map[string]any{
		"PausedAtCheckpoint": cp,
	})
	_ = w.Deps.Pauses.Wait(ctx, func(context.Context) (bool, error) {
		return t.PauseRequested, nil
	})
	t.PausedAtCheckpoint = ""
	_, _ = w.Deps.Queue.UpdateTaskStatus(ctx, t, t.Status, map[string]any{
		"PausedAtCheckpoint": task.Checkpoint(""),
	})
}

func (w *Worker) markDone(ctx context.Context, t *task.Task, prURL string) {
	_, _ = w.Deps.Queue.UpdateTaskStatus(ctx, t, task.StatusDone, map[string]any{
		"CompletedAt": time.Now(),
	})
	if w.Deps.Notify != nil {
		_ = w.Deps.Notify.NotifyTaskComplete(ctx, t, t.Repo, prURL)
	}
}

// reconcileExistingPR looks for a PR already associated with this issue
// (from a prior attempt) so the Worker can skip straight to the merge
// gate instead of re-planning and re-building.
func (w *Worker) reconcileExistingPR(ctx context.Context, t *task.Task, issueNumber int) *task.PRCandidate {
	candidates, _ := w.Deps.GitHub.PRMergeCandidate(ctx, t.Repo, issueNumber)
	if len(candidates) == 0 {
		return nil
	}
	selected, _ := prresolve.Canonical(candidates)
	return selected
}
