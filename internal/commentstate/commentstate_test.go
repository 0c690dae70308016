package commentstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/task"
)

func TestPrintFindRoundTripMergeConflict(t *testing.T) {
	state := task.MergeConflictCommentState{
		LastSignature: "abc123",
		Attempts: []task.MergeConflictAttempt{
			{AttemptNumber: 1, ConflictPaths: []string{"a.go", "b.go"}, Resolved: false},
		},
		Lease: &task.CommentLease{Holder: "worker-1", ExpiresAt: time.Now().Add(20 * time.Minute)},
	}

	marker, err := Print("merge-conflict", state)
	require.NoError(t, err)

	decoded, ok, err := Find[task.MergeConflictCommentState]("merge-conflict", []string{"some preamble\n" + marker + "\ntrailer"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.LastSignature, decoded.LastSignature)
	require.Equal(t, state.Attempts[0].ConflictPaths, decoded.Attempts[0].ConflictPaths)
	require.Equal(t, state.Lease.Holder, decoded.Lease.Holder)
}

func TestPrintFindRoundTripCiDebug(t *testing.T) {
	state := task.CiDebugCommentState{
		LastSignature: "sig-1",
		Triage: task.CITriageState{
			AttemptCount:       2,
			LastClassification: "flaky",
			LastAction:         "quarantine",
		},
	}

	marker, err := Print("ci-debug", state)
	require.NoError(t, err)

	decoded, ok, err := Find[task.CiDebugCommentState]("ci-debug", []string{marker})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.Triage.AttemptCount, decoded.Triage.AttemptCount)
}

func TestFindReturnsMostRecentMarkerOfKind(t *testing.T) {
	older := task.MergeConflictCommentState{LastSignature: "old"}
	newer := task.MergeConflictCommentState{LastSignature: "new"}

	olderMarker, err := Print("merge-conflict", older)
	require.NoError(t, err)
	newerMarker, err := Print("merge-conflict", newer)
	require.NoError(t, err)

	decoded, ok, err := Find[task.MergeConflictCommentState]("merge-conflict", []string{olderMarker, newerMarker})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", decoded.LastSignature)
}

func TestFindNoMarkerReturnsNotOK(t *testing.T) {
	_, ok, err := Find[task.MergeConflictCommentState]("merge-conflict", []string{"no markers here"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindIgnoresOtherKinds(t *testing.T) {
	ciMarker, err := Print("ci-debug", task.CiDebugCommentState{LastSignature: "ci"})
	require.NoError(t, err)

	_, ok, err := Find[task.MergeConflictCommentState]("merge-conflict", []string{ciMarker})
	require.NoError(t, err)
	require.False(t, ok)
}
