package mergegate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/ports/portstest"
)

func TestCiDebugStateClaimRejectsSecondHolder(t *testing.T) {
	gh := portstest.NewGitHub()
	st := NewCiDebugState(gh, 20*time.Minute)
	ctx := context.Background()

	held, err := st.Claim(ctx, "acme/widgets#7", "worker-a")
	require.NoError(t, err)
	require.True(t, held)

	held2, err := st.Claim(ctx, "acme/widgets#7", "worker-b")
	require.NoError(t, err)
	require.False(t, held2)
}

func TestCiDebugStateReleaseAllowsReclaim(t *testing.T) {
	gh := portstest.NewGitHub()
	st := NewCiDebugState(gh, 20*time.Minute)
	ctx := context.Background()

	_, err := st.Claim(ctx, "acme/widgets#7", "worker-a")
	require.NoError(t, err)
	require.NoError(t, st.Release(ctx, "acme/widgets#7"))

	held, err := st.Claim(ctx, "acme/widgets#7", "worker-b")
	require.NoError(t, err)
	require.True(t, held)
}

func TestCiDebugStateRecordDecisionPersistsTriage(t *testing.T) {
	gh := portstest.NewGitHub()
	st := NewCiDebugState(gh, 20*time.Minute)
	ctx := context.Background()

	decision := Triage(TriageInput{FailedChecks: []string{"test"}, CurrentSignature: "sig-1"})
	state, err := st.RecordDecision(ctx, "acme/widgets#7", "sha1", "sig-1", decision, 1)
	require.NoError(t, err)
	require.Equal(t, "sig-1", state.LastSignature)
	require.Equal(t, string(ActionQuarantine), state.Triage.LastAction)
	require.Len(t, state.Attempts, 1)

	reloaded, err := st.load(ctx, "acme/widgets#7")
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Triage.AttemptCount)
}
