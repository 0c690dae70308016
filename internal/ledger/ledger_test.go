package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/ports/portstest"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

func TestStartRunThenSealRunRoundTrips(t *testing.T) {
	store := portstest.NewStateStore()
	bus := portstest.NewEventBus()
	l := New(store, bus)
	ctx := context.Background()

	tk := &task.Task{Repo: "acme/widgets", Issue: "acme/widgets#7", TaskID: "t-1"}
	runCtx, rr, err := l.StartRun(ctx, tk, task.AttemptProcess)
	require.NoError(t, err)
	require.NotEmpty(t, rr.RunID)
	ctx = runCtx

	require.NoError(t, l.SealRun(ctx, rr.RunID, task.OutcomeSuccess, "https://github.com/acme/widgets/pull/9", ""))

	sealed := store.Runs()[rr.RunID]
	require.Equal(t, task.OutcomeSuccess, sealed.Outcome)
	require.Equal(t, "https://github.com/acme/widgets/pull/9", sealed.PRUrl)

	var types []string
	for _, e := range bus.Events {
		types = append(types, e.Type)
	}
	require.Contains(t, types, EventWorkerBecameBusy)
	require.Contains(t, types, EventWorkerBecameIdle)
}

func TestCheckpointSuppressesDuplicateEvents(t *testing.T) {
	store := portstest.NewStateStore()
	bus := portstest.NewEventBus()
	l := New(store, bus)
	ctx := context.Background()
	tk := &task.Task{TaskID: "t-2"}

	published := l.Checkpoint(ctx, tk, 3, task.CheckpointPRReady)
	require.True(t, published)

	publishedAgain := l.Checkpoint(ctx, tk, 3, task.CheckpointPRReady)
	require.False(t, publishedAgain, "duplicate (taskId, seq, checkpoint) must be suppressed")

	publishedNext := l.Checkpoint(ctx, tk, 4, task.CheckpointMergeStepComplete)
	require.True(t, publishedNext)

	count := 0
	for _, e := range bus.Events {
		if e.Type == EventCheckpointReached {
			count++
		}
	}
	require.Equal(t, 2, count)
}

func TestRecordTokensAccumulatesAndPersists(t *testing.T) {
	store := portstest.NewStateStore()
	l := New(store, portstest.NewEventBus())
	ctx := context.Background()

	require.NoError(t, l.RecordTokens(ctx, "sess-1", 100, 50))
	require.NoError(t, l.RecordTokens(ctx, "sess-1", 25, 10))

	in, out := l.TokenTotals("sess-1")
	require.Equal(t, int64(125), in)
	require.Equal(t, int64(60), out)
}

func TestRunLogFooterFormatsTotals(t *testing.T) {
	footer := RunLogFooter(100, 50)
	require.Contains(t, footer, "in=100")
	require.Contains(t, footer, "out=50")
	require.Contains(t, footer, "total=150")
}

func TestLogHelpersPublishExpectedEventTypes(t *testing.T) {
	bus := portstest.NewEventBus()
	l := New(portstest.NewStateStore(), bus)
	ctx := context.Background()

	l.LogWorker(ctx, "t-3", "starting implementation step")
	l.LogSessionEvent(ctx, "sess-2", map[string]any{"kind": "tool_call"})
	l.LogSessionText(ctx, "sess-2", "some output")

	var types []string
	for _, e := range bus.Events {
		types = append(types, e.Type)
	}
	require.Contains(t, types, EventLogWorker)
	require.Contains(t, types, EventLogSessionEvent)
	require.Contains(t, types, EventLogSessionText)
}
