package worktree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotPathSanitizesSegments(t *testing.T) {
	m := NewManager("/managed/root")

	path, err := m.SlotPath("acme-widgets", 2, 42, "task-abc")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/managed/root", "acme-widgets", "slot-2", "42", "task-abc"), path)
}

func TestSlotPathRejectsUnsafeSegment(t *testing.T) {
	m := NewManager("/managed/root")

	_, err := m.SlotPath("acme/../widgets", 0, 1, "task")
	require.ErrorIs(t, err, ErrSegmentInvalid)
}

func TestSlotPathRejectsEmptySegment(t *testing.T) {
	m := NewManager("/managed/root")
	_, err := m.SlotPath("", 0, 1, "task")
	require.ErrorIs(t, err, ErrEmptySegment)
}

func TestSlotPathRejectsNegativeSlot(t *testing.T) {
	m := NewManager("/managed/root")
	_, err := m.SlotPath("acme", -1, 1, "task")
	require.Error(t, err)
}

func TestMergeConflictPathLayout(t *testing.T) {
	m := NewManager("/managed/root")

	path, err := m.MergeConflictPath("acme-widgets", 42, 1)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/managed/root", "acme-widgets", "merge-conflict", "42", "attempt-1"), path)
}

func TestMergeConflictPathRejectsNonPositiveAttempt(t *testing.T) {
	m := NewManager("/managed/root")
	_, err := m.MergeConflictPath("acme-widgets", 42, 0)
	require.Error(t, err)
}

func TestRefuseRepoRootOutsideManagedRoot(t *testing.T) {
	m := NewManager("/managed/root")
	err := m.refuseRepoRoot("/somewhere/else")
	require.ErrorIs(t, err, ErrNotManagedRoot)
}

func TestRefuseRepoRootAtManagedRootItself(t *testing.T) {
	m := NewManager("/managed/root")
	err := m.refuseRepoRoot("/managed/root")
	require.ErrorIs(t, err, ErrNotManagedRoot)
}
