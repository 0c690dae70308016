// Package bootstrap is the wiring seam cmd/ralph calls through: it takes a
// resolved config.Config plus the externally-owned ports (Queue, Session,
// GitHub, Notify, Throttle, StateStore, EventBus — all named out of scope
// by spec.md §1) and constructs a ready-to-use *worker.Worker along with
// every in-scope collaborator the Worker depends on.
//
// This mirrors cmd/ao's pattern of keeping construction out of the Cobra
// command bodies themselves (see cmd/ao/rpi_phased_setup.go's
// newPhasedPipeline), just collapsed into one function since Ralph has a
// single top-level orchestrator instead of a pipeline of named stages.
package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/checkpoint"
	"github.com/ralph-orchestrator/ralph/internal/config"
	"github.com/ralph-orchestrator/ralph/internal/ledger"
	"github.com/ralph-orchestrator/ralph/internal/mergeconflict"
	"github.com/ralph-orchestrator/ralph/internal/mergegate"
	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/prresolve"
	"github.com/ralph-orchestrator/ralph/internal/redact"
	"github.com/ralph-orchestrator/ralph/internal/supervisor"
	"github.com/ralph-orchestrator/ralph/internal/throttle"
	"github.com/ralph-orchestrator/ralph/internal/worker"
	"github.com/ralph-orchestrator/ralph/internal/worktree"
)

// Ports bundles the externally-owned collaborators the caller (cmd/ralph,
// or a test harness) must supply. None of these are constructed here —
// they reach the real task queue, agent runtime, and GitHub transport
// that spec.md §1 places outside this module's scope.
type Ports struct {
	GitHub     ports.GitHubPort
	Session    ports.SessionPort
	Queue      ports.QueuePort
	Notify     ports.NotifyPort
	Throttle   ports.ThrottlePort
	StateStore ports.StateStore
	EventBus   ports.EventBus
}

// Validate reports which required ports are missing. GitHub, Session, and
// Queue are the minimum a Worker needs to do anything; the rest degrade
// gracefully (see Build) when left nil.
func (p Ports) Validate() error {
	var missing []string
	if p.GitHub == nil {
		missing = append(missing, "GitHub")
	}
	if p.Session == nil {
		missing = append(missing, "Session")
	}
	if p.Queue == nil {
		missing = append(missing, "Queue")
	}
	if len(missing) > 0 {
		return fmt.Errorf("bootstrap: missing required ports: %s (these reach the task queue, agent runtime, and GitHub transport that spec.md §1 places outside this module — an embedding program must supply concrete implementations)", strings.Join(missing, ", "))
	}
	return nil
}

// Build constructs a *worker.Worker for repo (a "owner/name" slug) out of
// cfg's per-repo settings and the supplied external ports, wiring every
// in-scope collaborator named in SPEC_FULL.md's module map: the Worktree
// Manager, Run Ledger, Checkpoint Ledger, PR-create lease, Merge-Conflict
// Recovery Lane, and CI-debug state.
func Build(cfg *config.Config, repo, repoKey string, p Ports) (*worker.Worker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	repoCfg, ok := cfg.Repos[repo]
	if !ok {
		repoCfg = config.RepoConfig{BaseBranch: "main"}
	}
	if repoCfg.BaseBranch == "" {
		repoCfg.BaseBranch = "main"
	}

	wtMgr := worktree.NewManager(cfg.ManagedWorktreeRoot)

	led := ledger.New(p.StateStore, p.EventBus)
	checkpoints := checkpoint.NewLedger()

	var createLease *prresolve.CreateLease
	if p.StateStore != nil {
		createLease = prresolve.NewCreateLease(p.StateStore)
	}

	mcCfg := mergeconflict.DefaultConfig()
	if cfg.MergeConflictMaxAttempts > 0 {
		mcCfg.MaxAttempts = cfg.MergeConflictMaxAttempts
	}
	var mergeConflictLane *mergeconflict.Lane
	if p.GitHub != nil && p.Session != nil {
		mergeConflictLane = mergeconflict.New(p.GitHub, p.Session, wtMgr, mcCfg)
	}

	var ciDebug *mergegate.CiDebugState
	if p.GitHub != nil {
		ciDebug = mergegate.NewCiDebugState(p.GitHub, 20*time.Minute)
	}

	var throttleGate *throttle.Gate
	if p.Throttle != nil {
		throttleGate = throttle.NewGate(p.Throttle, cfg.Throttle.SnapshotCacheTTL)
	}

	autoUpdateWait, err := parseDurationOrDefault(repoCfg.AutoUpdateBehindCooldown, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: repo %s auto_update_behind_cooldown: %w", repo, err)
	}

	wcfg := worker.Config{
		RepoRoot:   "",
		RepoKey:    repoKey,
		BaseBranch: repoCfg.BaseBranch,

		AllowedRepos: cfg.RepoAllowlist,

		SetupCommands: repoCfg.SetupCommands,
		SetupTimeout:  5 * time.Minute,
		GitTimeout:    2 * time.Minute,

		IssueContextCommentLimit:    25,
		IssueContextPrefetchTimeout: cfg.IssueContextPrefetchTimeout,

		RequiredChecks: repoCfg.RequiredChecks,
		MergePolicy: mergegate.MergePolicy{
			DefaultBranch: repoCfg.BaseBranch,
			MergeMethod:   "merge",
		},
		PollConfig: mergegate.PollConfig{
			InitialBackoff: cfg.MergeGate.PollInitialBackoff,
			MaxBackoff:     cfg.MergeGate.PollMaxBackoff,
			Timeout:        cfg.MergeGate.PollTimeout,
			RequiredChecks: repoCfg.RequiredChecks,
		},

		CIMaxAttempts:        cfg.CIRemediationMaxAttempts,
		MaxQuarantine:        cfg.MergeGate.MaxQuarantineDuration,
		MergeConflict:        mcCfg,
		AutoUpdateBehindWait: autoUpdateWait,

		LoopConfig: supervisor.LoopConfig{
			WindowSize:        cfg.LoopDetection.WindowSize,
			RepeatedThreshold: cfg.LoopDetection.RepeatedThreshold,
		},

		ThrottleProfile: repo,
		HolderToken:     prresolve.NewHolderToken(),
	}

	deps := worker.Deps{
		GitHub:            p.GitHub,
		Session:           p.Session,
		Queue:             p.Queue,
		Notify:            p.Notify,
		Worktrees:         wtMgr,
		Ledger:            led,
		Checkpoints:       checkpoints,
		Pauses:            checkpoint.NewPauseWaiter(),
		CreateLease:       createLease,
		MergeConflictLane: mergeConflictLane,
		CIDebug:           ciDebug,
		Sanitizer:         redact.New(),
	}
	if throttleGate != nil {
		deps.Throttler = throttleGate
	}

	return worker.New(wcfg, deps), nil
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}
