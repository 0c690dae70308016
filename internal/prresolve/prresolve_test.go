package prresolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/ports/portstest"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

func TestCanonicalPrefersDBOverGHSearch(t *testing.T) {
	now := time.Now()
	cands := []task.PRCandidate{
		{URL: "https://gh/2", Source: task.PRSourceGHSearch, CreatedAt: now.Add(-time.Hour)},
		{URL: "https://gh/1", Source: task.PRSourceDB, CreatedAt: now},
	}

	selected, dup := Canonical(cands)
	require.Equal(t, "https://gh/1", selected.URL)
	require.Len(t, dup, 1)
}

func TestCanonicalTiesBrokenByCreatedAtThenURL(t *testing.T) {
	now := time.Now()
	cands := []task.PRCandidate{
		{URL: "https://gh/b", Source: task.PRSourceDB, CreatedAt: now},
		{URL: "https://gh/a", Source: task.PRSourceDB, CreatedAt: now},
	}

	selected, _ := Canonical(cands)
	require.Equal(t, "https://gh/a", selected.URL)
}

func TestCanonicalEmpty(t *testing.T) {
	selected, dup := Canonical(nil)
	require.Nil(t, selected)
	require.Nil(t, dup)
}

func TestCreateLeaseSingleClaim(t *testing.T) {
	store := portstest.NewStateStore()
	lease := NewCreateLease(store)

	held, err := lease.Claim(context.Background(), "acme/widgets", 7, "main", "holder-1")
	require.NoError(t, err)
	require.True(t, held)

	held2, err := lease.Claim(context.Background(), "acme/widgets", 7, "main", "holder-2")
	require.NoError(t, err)
	require.False(t, held2, "a second claim before release or TTL expiry must fail")
}

func TestCreateLeaseReleaseThenReclaim(t *testing.T) {
	store := portstest.NewStateStore()
	lease := NewCreateLease(store)
	ctx := context.Background()

	_, err := lease.Claim(ctx, "acme/widgets", 7, "main", "holder-1")
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx, "acme/widgets", 7, "main"))

	held, err := lease.Claim(ctx, "acme/widgets", 7, "main", "holder-2")
	require.NoError(t, err)
	require.True(t, held)
}
