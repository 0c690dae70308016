// Package task defines the data model the Worker State Machine reads and
// writes: the Task record, its checkpoint enum, run records, PR candidates,
// idempotency leases, and the comment-state shapes persisted inside GitHub
// comments for cross-worker recovery coordination.
package task

import "time"

// Status is the coarse lifecycle state of a Task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in-progress"
	StatusThrottled  Status = "throttled"
	StatusBlocked    Status = "blocked"
	StatusEscalated  Status = "escalated"
	StatusDone       Status = "done"
)

// Checkpoint is a named, monotonic milestone persisted on the task.
type Checkpoint string

const (
	CheckpointPlanned                    Checkpoint = "planned"
	CheckpointRouted                     Checkpoint = "routed"
	CheckpointImplementationStepComplete Checkpoint = "implementation_step_complete"
	CheckpointPRReady                    Checkpoint = "pr_ready"
	CheckpointMergeStepComplete          Checkpoint = "merge_step_complete"
	CheckpointSurveyComplete             Checkpoint = "survey_complete"
	CheckpointRecorded                   Checkpoint = "recorded"
)

// checkpointOrder gives each checkpoint its position in the canonical
// sequence; used by tests that assert a checkpoint never regresses.
var checkpointOrder = map[Checkpoint]int{
	CheckpointPlanned:                    0,
	CheckpointRouted:                     1,
	CheckpointImplementationStepComplete: 2,
	CheckpointPRReady:                    3,
	CheckpointMergeStepComplete:          4,
	CheckpointSurveyComplete:             5,
	CheckpointRecorded:                   6,
}

// Precedes reports whether c comes strictly before other in the canonical
// checkpoint ordering. implementation_step_complete is recurring, so equal
// checkpoints never "precede" each other.
func (c Checkpoint) Precedes(other Checkpoint) bool {
	return checkpointOrder[c] < checkpointOrder[other]
}

// BlockedSource tags a resting, human-resumable failure state (spec.md §7).
type BlockedSource string

const (
	BlockedAllowlist     BlockedSource = "allowlist"
	BlockedDirtyRepo     BlockedSource = "dirty-repo"
	BlockedCIFailure     BlockedSource = "ci-failure"
	BlockedCIOnly        BlockedSource = "ci-only"
	BlockedMergeConflict BlockedSource = "merge-conflict"
	BlockedMergeTarget   BlockedSource = "merge-target"
	BlockedAutoUpdate    BlockedSource = "auto-update"
	BlockedStall         BlockedSource = "stall"
	BlockedGuardrail     BlockedSource = "guardrail"
	BlockedDeps          BlockedSource = "deps"
	BlockedRuntimeError  BlockedSource = "runtime-error"
	BlockedAPIRateLimit  BlockedSource = "api-rate-limit"
)

// Task is the unit of work the Worker State Machine advances.
type Task struct {
	// Identity
	Repo            string // owner/name
	Issue           string // owner/name#N
	TaskID          string // stable
	TaskDisplayName string

	// Status
	Status Status

	// Session
	SessionID string // opaque handle into the agent runtime
	WorkerID  string
	RepoSlot  int // non-negative, < repo concurrency limit

	// Placement
	WorktreePath string // absolute, under managed root, never the repo root
	AgentProfile string // pinned or "auto"

	// Checkpoints
	LastCheckpoint    Checkpoint
	CheckpointSeq     uint64
	PauseRequested    bool
	PausedAtCheckpoint Checkpoint // empty when not paused
	PauseAtCheckpoint  Checkpoint // requested target; empty means "any"

	// Blocked-state
	BlockedSource    BlockedSource
	BlockedReason    string
	BlockedDetails   string
	BlockedAt        time.Time
	BlockedCheckedAt time.Time

	// Retry counters
	WatchdogRetries  int
	StallRetries     int
	GuardrailRetries int

	// Lifecycle timestamps
	AssignedAt  time.Time
	CompletedAt time.Time
	ThrottledAt time.Time
	ResumeAt    time.Time
}

// IsPaused reports whether the task is currently paused at a checkpoint.
func (t *Task) IsPaused() bool {
	return t.PausedAtCheckpoint != ""
}

// RunAttemptKind distinguishes a fresh entry from a resumed one.
type RunAttemptKind string

const (
	AttemptProcess RunAttemptKind = "process"
	AttemptResume  RunAttemptKind = "resume"
)

// RunOutcome is the sealed result of a Worker run.
type RunOutcome string

const (
	OutcomeSuccess   RunOutcome = "success"
	OutcomeThrottled RunOutcome = "throttled"
	OutcomeEscalated RunOutcome = "escalated"
	OutcomeFailed    RunOutcome = "failed"
)

// CompletionKind distinguishes how a success outcome was reached.
type CompletionKind string

const (
	CompletionPR       CompletionKind = "pr"
	CompletionVerified CompletionKind = "verified"
)

// RunRecord is created at Worker entry and sealed at exit.
type RunRecord struct {
	RunID          string
	Repo           string
	Issue          string
	TaskID         string
	AttemptKind    RunAttemptKind
	StartedAt      time.Time
	CompletedAt    time.Time
	Outcome        RunOutcome
	PRUrl          string
	CompletionKind CompletionKind
	Reason         string
}

// PRSource identifies where a PR candidate was discovered.
type PRSource string

const (
	PRSourceDB       PRSource = "db"
	PRSourceGHSearch PRSource = "gh-search"
)

// PRCandidate is one open PR discovered for an issue.
type PRCandidate struct {
	URL       string
	Source    PRSource
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lease is an idempotency-keyed row used for single-flight operations such
// as PR creation and merge-conflict recovery.
type Lease struct {
	Key       string
	Scope     string
	Payload   []byte // JSON
	CreatedAt time.Time
}

// Stale reports whether the lease has outlived its TTL and may be
// reclaimed by a subsequent claimer.
func (l Lease) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.CreatedAt) > ttl
}

// CITriageState is the nested triage bookkeeping inside CiDebugCommentState.
type CITriageState struct {
	AttemptCount       int
	LastSignature      string
	LastClassification string
	LastAction         string
	LastUpdatedAt      time.Time
}

// CIAttempt records one CI-debug remediation attempt.
type CIAttempt struct {
	AttemptNumber int
	StartedAt     time.Time
	FinishedAt    time.Time
	HeadSHA       string
	Classification string
	Action        string
}

// CiDebugCommentState is persisted inside a GitHub comment body via the
// `<!-- ralph:ci-debug:v1 {json} -->` marker.
type CiDebugCommentState struct {
	Attempts      []CIAttempt
	LastSignature string
	Lease         *CommentLease
	Triage        CITriageState
}

// MergeConflictAttempt records one merge-conflict resolution attempt.
type MergeConflictAttempt struct {
	AttemptNumber int
	StartedAt     time.Time
	FinishedAt    time.Time
	HeadSHA       string
	ConflictPaths []string
	Resolved      bool
}

// MergeConflictCommentState is persisted inside a GitHub comment body via
// the `<!-- ralph:merge-conflict:v1 {json} -->` marker.
type MergeConflictCommentState struct {
	Attempts      []MergeConflictAttempt
	LastSignature string
	Lease         *CommentLease
}

// CommentLease is the lease nested inside a comment-state marker.
type CommentLease struct {
	Holder    string
	ExpiresAt time.Time
}

// Expired reports whether the comment lease has passed its expiry.
func (l *CommentLease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}
