package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/ports/portstest"
)

func TestGateCachesDecision(t *testing.T) {
	port := portstest.NewThrottle(ports.ThrottleDecision{State: ports.ThrottleOK})
	gate := NewGate(port, time.Minute)

	_, err := gate.Check(context.Background(), "default")
	require.NoError(t, err)
	_, err = gate.Check(context.Background(), "default")
	require.NoError(t, err)

	require.Equal(t, 1, port.Calls, "second check within TTL must hit the cache, not the port")
}

func TestGateInvalidateForcesRefetch(t *testing.T) {
	port := portstest.NewThrottle(ports.ThrottleDecision{State: ports.ThrottleOK})
	gate := NewGate(port, time.Minute)

	_, _ = gate.Check(context.Background(), "default")
	gate.Invalidate("default")
	_, _ = gate.Check(context.Background(), "default")

	require.Equal(t, 2, port.Calls)
}

func TestFromGitHubErrorNonRateLimit(t *testing.T) {
	_, ok := FromGitHubError(&ports.GitHubAPIError{Status: 500})
	require.False(t, ok)
}

func TestFromGitHubErrorRateLimited(t *testing.T) {
	resume := time.Now().Add(time.Hour)
	d, ok := FromGitHubError(&ports.GitHubAPIError{Status: 403, ResumeAtTs: &resume})
	require.True(t, ok)
	require.Equal(t, ports.ThrottleHard, d.State)
	require.Equal(t, &resume, d.ResumeAtTs)
}
