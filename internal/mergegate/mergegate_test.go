package mergegate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/ports/portstest"
)

func TestPollReturnsOnAllCompleted(t *testing.T) {
	gh := portstest.NewGitHub()
	gh.CheckRuns["acme/widgets@sha1"] = []ports.CheckRun{
		{Name: "build", State: ports.CheckSuccess},
		{Name: "test", State: ports.CheckSuccess},
	}
	gh.PRs["https://gh/pr/1"] = ports.PRView{URL: "https://gh/pr/1", HeadSHA: "sha1", MergeState: ports.MergeStateClean}

	result, err := Poll(context.Background(), gh, "acme/widgets", gh.PRs["https://gh/pr/1"], PollConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
	})
	require.NoError(t, err)
	require.True(t, result.IsPassing())
}

func TestPollStopsEarlyOnDirty(t *testing.T) {
	gh := portstest.NewGitHub()
	gh.CheckRuns["acme/widgets@sha1"] = []ports.CheckRun{{Name: "build", State: ports.CheckPending}}
	gh.PRs["https://gh/pr/1"] = ports.PRView{URL: "https://gh/pr/1", HeadSHA: "sha1", MergeState: ports.MergeStateDirty}

	result, err := Poll(context.Background(), gh, "acme/widgets", gh.PRs["https://gh/pr/1"], PollConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, ports.MergeStateDirty, result.MergeState)
	require.False(t, result.AllCompleted)
}

func TestPollHonorsRequiredChecksFilter(t *testing.T) {
	gh := portstest.NewGitHub()
	gh.CheckRuns["acme/widgets@sha1"] = []ports.CheckRun{
		{Name: "build", State: ports.CheckSuccess},
		{Name: "lint", State: ports.CheckFailure},
	}
	gh.PRs["https://gh/pr/1"] = ports.PRView{URL: "https://gh/pr/1", HeadSHA: "sha1", MergeState: ports.MergeStateClean}

	result, err := Poll(context.Background(), gh, "acme/widgets", gh.PRs["https://gh/pr/1"], PollConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
		RequiredChecks: []string{"build"},
	})
	require.NoError(t, err)
	require.True(t, result.IsPassing())
}

func TestTriageEscalatesAfterMaxAttempts(t *testing.T) {
	d := Triage(TriageInput{AttemptCount: 5, MaxAttempts: 5, FailedChecks: []string{"test"}})
	require.Equal(t, ActionEscalate, d.Action)
}

func TestTriageSpawnsOnRepeatedSignature(t *testing.T) {
	d := Triage(TriageInput{
		FailedChecks:      []string{"test"},
		CurrentSignature:  "sig-a",
		PreviousSignature: "sig-a",
		SameFailureStreak: 2,
	})
	require.Equal(t, ActionSpawn, d.Action)
	require.Equal(t, ClassificationRealFailure, d.Classification)
}

func TestTriageQuarantinesFirstObservation(t *testing.T) {
	d := Triage(TriageInput{FailedChecks: []string{"test"}, CurrentSignature: "sig-a"})
	require.Equal(t, ActionQuarantine, d.Action)
}

func TestRequiredCheckSignatureStableUnderReordering(t *testing.T) {
	a := []ports.CheckRun{{Name: "build", State: ports.CheckSuccess}, {Name: "test", State: ports.CheckFailure}}
	b := []ports.CheckRun{{Name: "test", State: ports.CheckFailure}, {Name: "build", State: ports.CheckSuccess}}
	require.Equal(t, RequiredCheckSignature(a), RequiredCheckSignature(b))
}

func TestEvaluateForbidsDefaultBranch(t *testing.T) {
	pr := ports.PRView{BaseBranch: "main"}
	err := Evaluate(pr, MergePolicy{DefaultBranch: "main", ForbidDefaultBranch: true})
	require.ErrorIs(t, err, ErrDefaultBranchPolicy)
}

func TestEvaluateRequiresHumanForCIOnlyChange(t *testing.T) {
	pr := ports.PRView{Files: []string{".github/workflows/ci.yml"}}
	err := Evaluate(pr, MergePolicy{RequireHumanForCIOnly: true})
	require.ErrorIs(t, err, ErrCIOnlyChangeRequiresHuman)
}

func TestAutoUpdateBehindRefusesCrossRepo(t *testing.T) {
	gh := portstest.NewGitHub()
	pr := ports.PRView{URL: "https://gh/pr/1", HeadRepo: "fork/widgets", BaseRepo: "acme/widgets"}

	err := AutoUpdateBehind(context.Background(), gh, pr)
	var refused *ErrCrossRepoUpdateRefused
	require.ErrorAs(t, err, &refused)
}

func TestAutoUpdateBehindSameRepoSucceeds(t *testing.T) {
	gh := portstest.NewGitHub()
	gh.PRs["https://gh/pr/1"] = ports.PRView{URL: "https://gh/pr/1", HeadRepo: "acme/widgets", BaseRepo: "acme/widgets"}

	err := AutoUpdateBehind(context.Background(), gh, gh.PRs["https://gh/pr/1"])
	require.NoError(t, err)
}
