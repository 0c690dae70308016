// Package prresolve implements PR Resolution & canonical selection plus
// the PR-create idempotency lease (spec.md §4.6).
//
// Canonical selection is grounded on internal/pool/pool.go's candidate
// lifecycle (pending → staged → promoted), adapted to a two-source
// candidate set: (db-tracked, gh-search-discovered). The lease is
// grounded on cmd/ao/rpi_loop_supervisor.go's supervisorLease
// (flock + heartbeat + JSON metadata over a local file), adapted to a
// State-Store-row TTL lease plus an in-process singleflight.Group so two
// goroutines never double-claim before the Store round-trip completes.
package prresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

// LeaseTTL is the PR-create lease lifetime (spec.md §4.6).
const LeaseTTL = 20 * time.Minute

// Canonical deterministically selects the one PR a Worker should treat as
// "the" PR for an issue, given candidates from both the State Store and a
// fresh GitHub search, per spec.md §4.6: DB-tracked candidates always win
// over GitHub-search candidates (the Store is assumed consistent once it
// has one), and ties within a source are broken by creation timestamp,
// then updated timestamp, then lexical URL order for full determinism.
func Canonical(candidates []task.PRCandidate) (selected *task.PRCandidate, duplicates []task.PRCandidate) {
	if len(candidates) == 0 {
		return nil, nil
	}

	sorted := append([]task.PRCandidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Source != b.Source {
			return a.Source == task.PRSourceDB
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.URL < b.URL
	})

	first := sorted[0]
	return &first, sorted[1:]
}

// leaseMetadata is the JSON payload stored alongside a claimed lease row,
// mirroring supervisorLeaseMetadata's identity fields.
type leaseMetadata struct {
	Holder     string `json:"holder"`
	Repo       string `json:"repo"`
	Issue      int    `json:"issue"`
	BaseBranch string `json:"base_branch"`
	AcquiredAt string `json:"acquired_at"`
}

// CreateLease guards PR creation against double-submission: in-process
// concurrent callers are coalesced by a singleflight.Group, and the
// winner claims a TTL-leased State Store row keyed by
// (repo, issueNumber, baseBranch).
type CreateLease struct {
	store ports.StateStore
	group singleflight.Group
}

// NewCreateLease builds a CreateLease over the given State Store.
func NewCreateLease(store ports.StateStore) *CreateLease {
	return &CreateLease{store: store}
}

func leaseKey(repo string, issueNumber int, baseBranch string) string {
	return fmt.Sprintf("%s#%d@%s", repo, issueNumber, baseBranch)
}

// Claim attempts to claim the PR-create lease for (repo, issueNumber,
// baseBranch). held is false when another holder already owns a live
// lease; callers must treat that as "do not create a PR, someone else
// is," per spec.md §4.6's idempotency invariant.
func (c *CreateLease) Claim(ctx context.Context, repo string, issueNumber int, baseBranch, holder string) (held bool, err error) {
	key := leaseKey(repo, issueNumber, baseBranch)

	v, err, _ := c.group.Do(key, func() (any, error) {
		meta := leaseMetadata{
			Holder:     holder,
			Repo:       repo,
			Issue:      issueNumber,
			BaseBranch: baseBranch,
			AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		}
		payload, merr := json.Marshal(meta)
		if merr != nil {
			return false, fmt.Errorf("prresolve: marshal lease metadata: %w", merr)
		}
		ok, _, cerr := c.store.ClaimLease(ctx, key, "pr-create", LeaseTTL, payload)
		if cerr != nil {
			return false, fmt.Errorf("prresolve: claim lease: %w", cerr)
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Release drops the lease once PR creation either succeeds or is
// abandoned.
func (c *CreateLease) Release(ctx context.Context, repo string, issueNumber int, baseBranch string) error {
	return c.store.DeleteLease(ctx, leaseKey(repo, issueNumber, baseBranch), "pr-create")
}

// NewHolderToken mints a unique lease-holder identity, one per Worker
// process instance.
func NewHolderToken() string {
	return uuid.NewString()
}
