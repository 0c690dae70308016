package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/task"
)

func TestLedgerExactlyOnce(t *testing.T) {
	l := NewLedger()
	tk := &task.Task{TaskID: "t1"}

	ok, err := l.Record(tk, task.CheckpointPlanned)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.CheckpointPlanned, tk.LastCheckpoint)
	require.Equal(t, uint64(1), tk.CheckpointSeq)

	// Replaying the identical (taskId, seq, checkpoint) after a crash must
	// be a no-op, not a double-advance.
	tk2 := &task.Task{TaskID: "t1", LastCheckpoint: task.CheckpointPlanned, CheckpointSeq: 0}
	ok, err = l.Record(tk2, task.CheckpointPlanned)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerRejectsRegression(t *testing.T) {
	l := NewLedger()
	tk := &task.Task{TaskID: "t1"}

	_, err := l.Record(tk, task.CheckpointRouted)
	require.NoError(t, err)

	_, err = l.Record(tk, task.CheckpointPlanned)
	require.ErrorIs(t, err, ErrCheckpointRegressed)
}

func TestLedgerAllowsRecurringImplementationStep(t *testing.T) {
	l := NewLedger()
	tk := &task.Task{TaskID: "t1"}

	ok, err := l.Record(tk, task.CheckpointImplementationStepComplete)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Record(tk, task.CheckpointImplementationStepComplete)
	require.NoError(t, err)
	require.True(t, ok, "recurring checkpoint at a new seq is not a regression")
}

func TestPauseWaiterReturnsOnceUnpaused(t *testing.T) {
	w := NewPauseWaiter()
	w.Initial = time.Millisecond
	w.Max = 5 * time.Millisecond

	calls := 0
	err := w.Wait(context.Background(), func(ctx context.Context) (bool, error) {
		calls++
		return calls < 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPauseWaiterRespectsContextCancel(t *testing.T) {
	w := NewPauseWaiter()
	w.Initial = 50 * time.Millisecond
	w.Max = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Wait(ctx, func(ctx context.Context) (bool, error) {
		return true, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
