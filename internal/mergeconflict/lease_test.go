package mergeconflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/ports/portstest"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

func TestLeaseClaimThenRejectsSecondHolder(t *testing.T) {
	gh := portstest.NewGitHub()
	lease := NewLease(gh, 20*time.Minute)
	ctx := context.Background()

	held, err := lease.Claim(ctx, "acme/widgets#42", "worker-a")
	require.NoError(t, err)
	require.True(t, held)

	held2, err := lease.Claim(ctx, "acme/widgets#42", "worker-b")
	require.NoError(t, err)
	require.False(t, held2)
}

func TestLeaseReleaseAllowsReclaim(t *testing.T) {
	gh := portstest.NewGitHub()
	lease := NewLease(gh, 20*time.Minute)
	ctx := context.Background()

	_, err := lease.Claim(ctx, "acme/widgets#42", "worker-a")
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx, "acme/widgets#42"))

	held, err := lease.Claim(ctx, "acme/widgets#42", "worker-b")
	require.NoError(t, err)
	require.True(t, held)
}

func TestLeaseSameHolderCanReclaimOwnLease(t *testing.T) {
	gh := portstest.NewGitHub()
	lease := NewLease(gh, 20*time.Minute)
	ctx := context.Background()

	_, err := lease.Claim(ctx, "acme/widgets#42", "worker-a")
	require.NoError(t, err)

	held, err := lease.Claim(ctx, "acme/widgets#42", "worker-a")
	require.NoError(t, err)
	require.True(t, held)
}

func TestRecordAttemptPersistsSignatureAndHistory(t *testing.T) {
	gh := portstest.NewGitHub()
	lease := NewLease(gh, 20*time.Minute)
	ctx := context.Background()

	state, err := lease.RecordAttempt(ctx, "acme/widgets#42", task.MergeConflictAttempt{
		AttemptNumber: 1,
		ConflictPaths: []string{"a.go"},
		Resolved:      false,
	}, "sig-1")
	require.NoError(t, err)
	require.Equal(t, "sig-1", state.LastSignature)
	require.Len(t, state.Attempts, 1)

	reloaded, err := lease.loadState(ctx, "acme/widgets#42")
	require.NoError(t, err)
	require.Equal(t, "sig-1", reloaded.LastSignature)
	require.Len(t, reloaded.Attempts, 1)
}
