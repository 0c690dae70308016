// Package ports declares the typed interfaces the Worker State Machine
// calls through to reach every external collaborator named out of scope by
// spec.md §1: the task-queue backend, the agent-session runtime, GitHub
// transport, notification sinks, the throttle/quota oracle, and
// introspection-trace storage. The core never imports a concrete
// transport; it only ever holds one of these interfaces.
//
// The interface shapes follow internal/resolver.LearningResolver's
// one-or-two-method style from the teacher repo: small, single-purpose
// interfaces rather than one wide "Backend" god-interface.
package ports

import (
	"context"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/task"
)

// QueuePort persists task status/patches. updateTaskStatus is the ONLY
// write path the core uses; the listed fields in spec.md §3 are the full
// set the core ever writes through patch.
type QueuePort interface {
	// UpdateTaskStatus transactionally patches the named fields of t to the
	// given status. Returns false on a lost-update conflict; callers must
	// refresh and retry rather than read-modify-write blindly.
	UpdateTaskStatus(ctx context.Context, t *task.Task, status task.Status, patch map[string]any) (bool, error)
}

// SupervisorTrip is a typed, structured termination of a session call
// caused by watchdog, stall, guardrail, or loop detection.
type SupervisorTrip struct {
	Reason          string
	ElapsedMs       int64
	ToolCalls       int
	Context         string
	RecentEvents    []string
	Tool            string // watchdog only
	DetectedCommand string // loop detector only
}

// SessionResult is the sum-type result of a Session Port call. At most one
// of the *Timeout/LoopTrip fields is populated.
type SessionResult struct {
	Success          bool
	Output           string
	SessionID        string
	PRUrl            string
	ErrorCode        string // e.g. "context_length_exceeded"
	WatchdogTimeout  *SupervisorTrip
	StallTimeout     *SupervisorTrip
	GuardrailTimeout *SupervisorTrip
	LoopTrip         *SupervisorTrip
	TokensIn         int64
	TokensOut        int64
}

// Tripped reports whether any supervisor fired during this call.
func (r SessionResult) Tripped() bool {
	return r.WatchdogTimeout != nil || r.StallTimeout != nil || r.GuardrailTimeout != nil || r.LoopTrip != nil
}

// SessionOpts configures a single session/continuation call.
type SessionOpts struct {
	CheckpointMode bool // tighter guardrail limits for nudge/continue calls
	Timeout        time.Duration
}

// SessionPort drives the agent-session runtime.
type SessionPort interface {
	RunAgent(ctx context.Context, worktree, agent, prompt string, opts SessionOpts) (SessionResult, error)
	ContinueSession(ctx context.Context, worktree, sessionID, message string, opts SessionOpts) (SessionResult, error)
	ContinueCommand(ctx context.Context, worktree, sessionID, command string, args []string, opts SessionOpts) (SessionResult, error)
	XDGCacheHome(repo, cacheKey, base string) (string, error)
}

// GitHubAPIError is the typed transport error GitHub operations surface.
type GitHubAPIError struct {
	Status       int
	Code         string
	ResponseText string
	RequestID    string
	ResumeAtTs   *time.Time
}

func (e *GitHubAPIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.ResponseText
	}
	return e.ResponseText
}

// IsRateLimit reports whether this error carries a server-provided resume
// time, meaning it should be converted to a throttled rest (spec.md §4.3).
func (e *GitHubAPIError) IsRateLimit() bool {
	return e.ResumeAtTs != nil
}

// CheckState is a normalized required-check outcome.
type CheckState string

const (
	CheckSuccess CheckState = "success"
	CheckPending CheckState = "pending"
	CheckFailure CheckState = "failure"
)

// CheckRun is one required check's raw + normalized state.
type CheckRun struct {
	Name       string
	RawState   string
	State      CheckState
	DetailsURL string
	LogExcerpt string
	RunID      string
}

// MergeState mirrors GitHub's PR mergeStateStatus.
type MergeState string

const (
	MergeStateClean   MergeState = "CLEAN"
	MergeStateDirty   MergeState = "DIRTY"
	MergeStateBehind  MergeState = "BEHIND"
	MergeStateUnknown MergeState = "UNKNOWN"
)

// PRView is the subset of PR state the merge gate reasons about.
type PRView struct {
	URL        string
	Number     int
	BaseBranch string
	HeadBranch string
	HeadSHA    string
	HeadRepo   string // for cross-repo detection
	BaseRepo   string
	MergeState MergeState
	Checks     []CheckRun
	Files      []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// GitHubPort reaches GitHub for labels, PRs, and checks.
type GitHubPort interface {
	IssueView(ctx context.Context, issue string) (body string, labels []string, state string, err error)
	ListIssueComments(ctx context.Context, issue string, limit int) ([]string, error)
	CreateComment(ctx context.Context, issue, body string) (commentID string, err error)
	UpdateComment(ctx context.Context, issue, commentID, body string) error
	AddLabel(ctx context.Context, issue, label string) error
	RemoveLabel(ctx context.Context, issue, label string) error
	GetBranchProtection(ctx context.Context, repo, branch string) (requiredContexts []string, err error)
	PutBranchProtection(ctx context.Context, repo, branch string, requiredContexts []string) error
	GetCommitCheckRuns(ctx context.Context, repo, sha string) ([]CheckRun, error)
	GetCommitStatuses(ctx context.Context, repo, sha string) ([]CheckRun, error)
	GetGitRef(ctx context.Context, repo, ref string) (sha string, err error)
	CreateGitRef(ctx context.Context, repo, ref, sha string) error
	PRSearchByIssueLink(ctx context.Context, issue string) ([]task.PRCandidate, error)
	PRView(ctx context.Context, url string) (PRView, error)
	PRMergeCandidate(ctx context.Context, repo string, issueNumber int) ([]task.PRCandidate, error)
	PRFiles(ctx context.Context, url string) ([]string, error)
	PRMerge(ctx context.Context, url, method string) error
	PRUpdateBranch(ctx context.Context, url string) error
	DeleteRef(ctx context.Context, repo, ref string) error
	CreatePR(ctx context.Context, repo, headBranch, baseBranch, title, body string) (url string, err error)
}

// ThrottleState is the quota oracle's coarse decision.
type ThrottleState string

const (
	ThrottleOK   ThrottleState = "ok"
	ThrottleSoft ThrottleState = "soft"
	ThrottleHard ThrottleState = "hard"
)

// ThrottleDecision is returned by the Throttle Port.
type ThrottleDecision struct {
	State      ThrottleState
	ResumeAtTs *time.Time
	Snapshot   map[string]any
}

// ThrottlePort consults the external quota oracle.
type ThrottlePort interface {
	GetThrottleDecision(ctx context.Context, nowMs int64, profile string) (ThrottleDecision, error)
}

// EscalationContext is handed to NotifyEscalation.
type EscalationContext struct {
	Task   *task.Task
	Reason string
	Body   string
}

// NotifyPort surfaces alerts to desktop/log sinks.
type NotifyPort interface {
	NotifyEscalation(ctx context.Context, ec EscalationContext) error
	NotifyError(ctx context.Context, title, body string, meta map[string]any) error
	NotifyTaskComplete(ctx context.Context, t *task.Task, repo, prUrl string) error
}

// StateStore holds idempotency keys, snapshots, run records, gate results,
// and token totals.
type StateStore interface {
	ClaimLease(ctx context.Context, key, scope string, ttl time.Duration, payload []byte) (held bool, existing *task.Lease, err error)
	DeleteLease(ctx context.Context, key, scope string) error
	GetLease(ctx context.Context, key, scope string) (*task.Lease, error)

	RecordRun(ctx context.Context, rr task.RunRecord) error
	SealRun(ctx context.Context, runID string, outcome task.RunOutcome, prUrl, reason string) error

	RecordIdempotencyKey(ctx context.Context, key string) (firstTime bool, err error)

	SaveTokenTotals(ctx context.Context, sessionID string, tokensIn, tokensOut int64) error
}

// EventBus publishes dashboard/observability events. Publication is
// one-way and lossy by design (spec.md §9) — the StateStore is the source
// of truth, dashboards consume events best-effort.
type EventBus interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}
