package escalation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/ports/portstest"
	"github.com/ralph-orchestrator/ralph/internal/redact"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

func TestBodyRedactsSecrets(t *testing.T) {
	sanitizer := redact.New()
	req := Request{
		Task:   &task.Task{Issue: "acme/widgets#7", SessionID: "sess-1"},
		Reason: "guardrail",
		Details: "leaked key sk-ant-" + repeatChar("a", 45),
		Packet: ConsultantPacket{SessionExcerpt: "token=" + repeatChar("b", 25)},
	}

	body := Body(sanitizer, req)
	require.NotContains(t, body, "sk-ant-")
	require.Contains(t, body, "[REDACTED]")
	require.Contains(t, body, Header("guardrail", "sess-1"))
}

func TestAlreadyPostedDetectsExistingHeader(t *testing.T) {
	header := Header("stall", "sess-2")
	require.True(t, AlreadyPosted([]string{"preamble\n" + header}, "stall", "sess-2"))
	require.False(t, AlreadyPosted([]string{"preamble\n" + header}, "stall", "sess-other"))
	require.False(t, AlreadyPosted([]string{"no marker"}, "stall", "sess-2"))
}

func TestEscalateSkipsDuplicateCommentButAlwaysNotifies(t *testing.T) {
	gh := portstest.NewGitHub()
	notify := portstest.NewNotify()
	queue := portstest.NewQueue()
	sanitizer := redact.New()

	tk := &task.Task{Issue: "acme/widgets#7", SessionID: "sess-3", TaskID: "t-1", Status: task.StatusInProgress}
	req := Request{Task: tk, Reason: "guardrail", RunID: "run-1", RunLogURL: "https://logs/run-1"}

	require.NoError(t, Escalate(context.Background(), gh, notify, queue, sanitizer, req))
	require.Equal(t, task.StatusEscalated, tk.Status)
	require.Len(t, gh.Comments["acme/widgets#7"], 1)
	require.Len(t, notify.Escalations, 1)

	require.NoError(t, Escalate(context.Background(), gh, notify, queue, sanitizer, req))
	require.Len(t, gh.Comments["acme/widgets#7"], 1, "duplicate escalation comment must not be reposted")
	require.Len(t, notify.Escalations, 2, "Notify Port is still called every time, only the comment is deduped")
}

func TestSessionExcerptTrimsToLastMaxLines(t *testing.T) {
	out := "l1\nl2\nl3\nl4\nl5"
	excerpt := SessionExcerpt(out, 2)
	require.Equal(t, "l4\nl5", excerpt)
}

func TestRunNoteBodyIncludesReasonSessionAndLog(t *testing.T) {
	req := Request{
		Task:      &task.Task{SessionID: "sess-4"},
		Reason:    "stall",
		RunID:     "run-9",
		RunLogURL: "https://logs/run-9",
	}
	note := RunNoteBody(req)
	require.Contains(t, note, "stall")
	require.Contains(t, note, "sess-4")
	require.Contains(t, note, "run-9")
}

func repeatChar(c string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += c
	}
	return out
}
