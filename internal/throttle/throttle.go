// Package throttle wraps the external Throttle Port with the
// quota/rate-limit gate semantics of spec.md §4.3: a coarse ok/soft/hard
// decision, a snapshot TTL cache to absorb bursts of phase-boundary
// checks, and the GitHub rate-limit-error-to-throttled-rest conversion.
package throttle

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ralph-orchestrator/ralph/internal/ports"
)

// Gate consults the Throttle Port, caching decisions per profile so a
// burst of checks within one session call does not hammer the quota
// oracle. Cache TTL must stay below the smallest resumeAt granularity the
// spec allows, per SPEC_FULL.md's "throttle quota snapshot caching" note.
type Gate struct {
	port  ports.ThrottlePort
	cache *gocache.Cache
}

// NewGate builds a Gate with the given snapshot TTL.
func NewGate(port ports.ThrottlePort, snapshotTTL time.Duration) *Gate {
	return &Gate{
		port:  port,
		cache: gocache.New(snapshotTTL, 2*snapshotTTL),
	}
}

// Check returns the throttle decision for profile, using the cached
// snapshot when fresh.
func (g *Gate) Check(ctx context.Context, profile string) (ports.ThrottleDecision, error) {
	if cached, ok := g.cache.Get(profile); ok {
		return cached.(ports.ThrottleDecision), nil
	}

	decision, err := g.port.GetThrottleDecision(ctx, time.Now().UnixMilli(), profile)
	if err != nil {
		return ports.ThrottleDecision{}, fmt.Errorf("throttle: get decision for %s: %w", profile, err)
	}

	g.cache.SetDefault(profile, decision)
	return decision, nil
}

// Invalidate drops any cached decision for profile, used after a hard
// rest has been observed directly from a GitHub API error so the next
// check doesn't serve a stale ok/soft snapshot.
func (g *Gate) Invalidate(profile string) {
	g.cache.Delete(profile)
}

// FromGitHubError converts a rate-limited GitHubAPIError into the same
// hard-throttle decision shape the Throttle Port itself would produce,
// per spec.md §4.3's "GitHub rate-limit gate."
func FromGitHubError(err *ports.GitHubAPIError) (ports.ThrottleDecision, bool) {
	if err == nil || !err.IsRateLimit() {
		return ports.ThrottleDecision{}, false
	}
	return ports.ThrottleDecision{
		State:      ports.ThrottleHard,
		ResumeAtTs: err.ResumeAtTs,
		Snapshot: map[string]any{
			"source":     "github_rate_limit",
			"status":     err.Status,
			"request_id": err.RequestID,
		},
	}, true
}
