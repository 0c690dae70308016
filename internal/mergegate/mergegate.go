// Package mergegate implements the merge gate (spec.md §4.8):
// required-checks polling with capped exponential backoff and jitter, a
// CI triage classifier, and merge semantics (auto-update-behind, policy
// refusal on the default branch, CI-only guard, post-merge cleanup).
//
// The poll loop is grounded on
// hugo-lorenzo-mato-quorum-ai/internal/adapters/github/checks.go's
// ChecksWaiter (poll-until-AllCompleted, required-check filtering,
// Summary()), generalized from a fixed poll interval to capped
// exponential backoff with jitter and an early DIRTY-state exit. The CI
// triage decision function has no direct teacher analog — it is built
// from spec.md's own classification table.
package mergegate

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/ralph-orchestrator/ralph/internal/ports"
)

// PollResult is the outcome of a required-checks poll cycle.
type PollResult struct {
	AllCompleted bool
	AllPassed    bool
	Checks       []ports.CheckRun
	FailedChecks []string
	PendingNames []string
	MergeState   ports.MergeState
	Elapsed      time.Duration
}

// IsPassing reports whether polling can stop with a mergeable result.
func (r PollResult) IsPassing() bool { return r.AllCompleted && r.AllPassed }

// Summary renders a short human-readable status line.
func (r PollResult) Summary() string {
	total := len(r.Checks)
	pending := len(r.PendingNames)
	failed := len(r.FailedChecks)
	if r.AllCompleted && r.AllPassed {
		return fmt.Sprintf("all %d required checks passed", total)
	}
	if !r.AllCompleted {
		return fmt.Sprintf("%d/%d required checks completed, %d pending", total-pending, total, pending)
	}
	return fmt.Sprintf("%d passed, %d failed of %d required checks", total-pending-failed, failed, total)
}

// PollConfig controls the backoff ladder.
type PollConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	RequiredChecks []string // empty means "all reported checks are required"
}

// Poll polls gh.GetCommitCheckRuns for the PR's head SHA until every
// required check completes, the PR goes DIRTY (merge conflict — no point
// polling further), or Timeout elapses.
func Poll(ctx context.Context, gh ports.GitHubPort, repo string, pr ports.PRView, cfg PollConfig) (PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	backoff := cfg.InitialBackoff

	for {
		runs, err := gh.GetCommitCheckRuns(ctx, repo, pr.HeadSHA)
		if err != nil {
			return PollResult{}, fmt.Errorf("mergegate: poll checks: %w", err)
		}
		result := evaluate(runs, cfg.RequiredChecks)
		result.Elapsed = time.Since(start)

		refreshed, err := gh.PRView(ctx, pr.URL)
		if err == nil {
			result.MergeState = refreshed.MergeState
		}
		if result.MergeState == ports.MergeStateDirty {
			return result, nil
		}
		if result.AllCompleted {
			return result, nil
		}

		jittered, jerr := jitter(backoff)
		if jerr != nil {
			jittered = backoff
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return result, fmt.Errorf("mergegate: required checks did not complete within %s", cfg.Timeout)
			}
			return result, ctx.Err()
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}

func jitter(d time.Duration) (time.Duration, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64()), nil
}

func evaluate(runs []ports.CheckRun, required []string) PollResult {
	isRequired := func(name string) bool {
		if len(required) == 0 {
			return true
		}
		for _, r := range required {
			if r == name {
				return true
			}
		}
		return false
	}

	result := PollResult{AllCompleted: true, AllPassed: true}
	for _, r := range runs {
		if !isRequired(r.Name) {
			continue
		}
		result.Checks = append(result.Checks, r)
		switch r.State {
		case ports.CheckPending:
			result.AllCompleted = false
			result.PendingNames = append(result.PendingNames, r.Name)
		case ports.CheckFailure:
			result.AllPassed = false
			result.FailedChecks = append(result.FailedChecks, r.Name)
		}
	}
	if len(result.Checks) == 0 {
		result.AllCompleted = false
		result.AllPassed = false
	}
	return result
}

// TriageClassification is the CI triage classifier's verdict.
type TriageClassification string

const (
	ClassificationFlaky      TriageClassification = "flaky"
	ClassificationRealFailure TriageClassification = "real-failure"
	ClassificationInfra      TriageClassification = "infra"
	ClassificationUnknown    TriageClassification = "unknown"
)

// TriageAction is what the Worker should do about a classification.
type TriageAction string

const (
	ActionResume     TriageAction = "resume"
	ActionSpawn      TriageAction = "spawn"
	ActionQuarantine TriageAction = "quarantine"
	ActionEscalate   TriageAction = "escalate"
)

// TriageDecision is the {classification, action, reason} tuple spec.md
// §4.8 requires from CI triage.
type TriageDecision struct {
	Classification TriageClassification
	Action         TriageAction
	Reason         string
	Backoff        time.Duration // set only when Action == ActionQuarantine
}

// quarantineBaseBackoff and quarantineMaxBackoff bound the capped
// exponential backoff spec.md §4.8.2 and §8's CI-failure-triage scenario
// describe (attempt 2 -> 60s).
const (
	quarantineBaseBackoff = 30 * time.Second
	quarantineMaxBackoff  = 10 * time.Minute
)

// quarantineBackoff computes the resume delay for the given 1-based
// attempt number, doubling per attempt and capping at quarantineMaxBackoff.
func quarantineBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 { // guards the bit-shift below against overflow
		return quarantineMaxBackoff
	}
	d := quarantineBaseBackoff << uint(attempt-1)
	if d <= 0 || d > quarantineMaxBackoff {
		return quarantineMaxBackoff
	}
	return d
}

// TriageInput bundles everything the triage function needs to decide.
type TriageInput struct {
	FailedChecks      []string
	AttemptCount      int
	MaxAttempts       int
	QuarantineElapsed time.Duration
	MaxQuarantine     time.Duration
	PreviousSignature string
	CurrentSignature  string
	SameFailureStreak int
}

// Triage classifies a CI failure and decides the remediation action. Pure
// function, no I/O: same-signature-repeated failures with no progress
// indicate a real failure needing a fresh implementation attempt; any
// other failure is treated as flaky and quarantined with a per-attempt
// backoff; a poll that reports no failed checks is resumed; attempt
// exhaustion or quarantine-duration exhaustion escalates to a human.
func Triage(in TriageInput) TriageDecision {
	if in.MaxAttempts > 0 && in.AttemptCount >= in.MaxAttempts {
		return TriageDecision{
			Classification: ClassificationRealFailure,
			Action:         ActionEscalate,
			Reason:         fmt.Sprintf("exhausted %d remediation attempts", in.MaxAttempts),
		}
	}
	if in.MaxQuarantine > 0 && in.QuarantineElapsed >= in.MaxQuarantine {
		return TriageDecision{
			Classification: ClassificationFlaky,
			Action:         ActionEscalate,
			Reason:         fmt.Sprintf("quarantine exceeded max duration %s with no resolution", in.MaxQuarantine),
		}
	}

	if in.CurrentSignature == in.PreviousSignature && in.SameFailureStreak >= 2 {
		return TriageDecision{
			Classification: ClassificationRealFailure,
			Action:         ActionSpawn,
			Reason:         "identical check failure signature repeated across attempts",
		}
	}

	if len(in.FailedChecks) == 0 {
		return TriageDecision{
			Classification: ClassificationInfra,
			Action:         ActionResume,
			Reason:         "no failed checks reported, resuming to re-evaluate",
		}
	}

	return TriageDecision{
		Classification: ClassificationFlaky,
		Action:         ActionQuarantine,
		Reason:         "first observation of this failure signature, quarantining for one retry window",
		Backoff:        quarantineBackoff(in.AttemptCount + 1),
	}
}

// RequiredCheckSignature computes a stable FNV-1a hash over sorted
// "name:conclusion" pairs, per SPEC_FULL.md's "CI triage signature" note.
func RequiredCheckSignature(checks []ports.CheckRun) string {
	pairs := make([]string, 0, len(checks))
	for _, c := range checks {
		pairs = append(pairs, fmt.Sprintf("%s:%s", c.Name, c.State))
	}
	sort.Strings(pairs)
	return fnv1a(pairs)
}

func fnv1a(pairs []string) string {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	var h uint64 = offset64
	for _, p := range pairs {
		for i := 0; i < len(p); i++ {
			h ^= uint64(p[i])
			h *= prime64
		}
		h ^= ':'
		h *= prime64
	}
	return fmt.Sprintf("%016x", h)
}

// ConflictDiff renders a human-readable diff of two log excerpts. No
// escalation or triage path in this module calls it.
func ConflictDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	return dmp.DiffPrettyText(diffs)
}

// AutoUpdateBehind refreshes a PR branch against its base when the merge
// gate observes MergeStateBehind, refusing any update whose head lives in
// a different repository (a fork), per spec.md §9's cross-repo decision.
func AutoUpdateBehind(ctx context.Context, gh ports.GitHubPort, pr ports.PRView) error {
	if pr.HeadRepo != "" && pr.BaseRepo != "" && pr.HeadRepo != pr.BaseRepo {
		return &ErrCrossRepoUpdateRefused{HeadRepo: pr.HeadRepo, BaseRepo: pr.BaseRepo}
	}
	return gh.PRUpdateBranch(ctx, pr.URL)
}

// ErrCrossRepoUpdateRefused is returned when AutoUpdateBehind is asked to
// update a PR whose head branch lives in a fork.
type ErrCrossRepoUpdateRefused struct {
	HeadRepo string
	BaseRepo string
}

func (e *ErrCrossRepoUpdateRefused) Error() string {
	return fmt.Sprintf("mergegate: refusing auto-update-behind across repos (head=%s base=%s)", e.HeadRepo, e.BaseRepo)
}
