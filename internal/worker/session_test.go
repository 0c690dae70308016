package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/checkpoint"
	"github.com/ralph-orchestrator/ralph/internal/ledger"
	"github.com/ralph-orchestrator/ralph/internal/ports/portstest"
	"github.com/ralph-orchestrator/ralph/internal/prresolve"
	"github.com/ralph-orchestrator/ralph/internal/redact"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

// TestRecoverPRFromLeasePushesAndCreatesPR covers the held-lease, no-PR-
// found path: the winner pushes the worktree's HEAD and opens a PR.
func TestRecoverPRFromLeasePushesAndCreatesPR(t *testing.T) {
	origin := initBareRemote(t)
	worktreePath := cloneAndCommit(t, origin)

	gh := portstest.NewGitHub()
	store := portstest.NewStateStore()
	queue := portstest.NewQueue()
	w := &Worker{
		Cfg: Config{BaseBranch: "main"},
		Deps: Deps{
			GitHub:      gh,
			Queue:       queue,
			Ledger:      ledger.New(store, portstest.NewEventBus()),
			Checkpoints: checkpoint.NewLedger(),
			Sanitizer:   redact.New(),
			CreateLease: prresolve.NewCreateLease(store),
		},
	}
	tk := &task.Task{Repo: "acme/widgets", Issue: "acme/widgets#7", TaskID: "task-recover-1"}

	url := w.recoverPRFromLease(context.Background(), tk, 7, worktreePath)
	require.NotEmpty(t, url)
	require.Len(t, gh.CreatedPRs, 1)

	call := gh.CreatedPRs[0]
	require.Equal(t, "acme/widgets", call.Repo)
	require.Equal(t, "ralph/task-recover-1", call.HeadBranch)
	require.Equal(t, "main", call.BaseBranch)
	require.Contains(t, call.Title, "acme/widgets#7")

	branches := runGitCmd(t, origin, "branch", "--list", "ralph/task-recover-1")
	require.Contains(t, branches, "ralph/task-recover-1")
}

// TestRecoverPRFromLeaseBusyPollsThenThrottles covers the busy-lease path:
// a loser polls for the winner's PR and, finding none within its budget,
// throttles the task instead of blocking it.
func TestRecoverPRFromLeaseBusyPollsThenThrottles(t *testing.T) {
	gh := portstest.NewGitHub()
	store := portstest.NewStateStore()
	queue := portstest.NewQueue()
	lease := prresolve.NewCreateLease(store)

	held, err := lease.Claim(context.Background(), "acme/widgets", 9, "main", "other-worker")
	require.NoError(t, err)
	require.True(t, held)

	w := &Worker{
		Cfg: Config{
			BaseBranch:              "main",
			PRLeaseBusyPollInterval: time.Millisecond,
			PRLeaseBusyPollBudget:   5 * time.Millisecond,
			PRLeaseBusyThrottle:     5 * time.Minute,
		},
		Deps: Deps{
			GitHub:      gh,
			Queue:       queue,
			Ledger:      ledger.New(store, portstest.NewEventBus()),
			Checkpoints: checkpoint.NewLedger(),
			Sanitizer:   redact.New(),
			CreateLease: lease,
		},
	}
	tk := &task.Task{Repo: "acme/widgets", Issue: "acme/widgets#9", TaskID: "task-recover-2"}

	url := w.recoverPRFromLease(context.Background(), tk, 9, "")
	require.Empty(t, url)
	require.Empty(t, gh.CreatedPRs)

	require.NotEmpty(t, queue.Calls)
	last := queue.Calls[len(queue.Calls)-1]
	require.Equal(t, task.StatusThrottled, last.Status)
	require.NotZero(t, last.Patch["ThrottledAt"])
}

// TestRecoverPRFromLeaseBusyFindsPRBeforeDeadline covers the busy-lease
// path finding the winner's PR mid-poll, before its budget elapses.
func TestRecoverPRFromLeaseBusyFindsPRBeforeDeadline(t *testing.T) {
	gh := portstest.NewGitHub()
	gh.PRCandidates["acme/widgets#9"] = []task.PRCandidate{
		{URL: "https://github.com/acme/widgets/pull/42", Source: task.PRSourceGHSearch},
	}
	store := portstest.NewStateStore()
	queue := portstest.NewQueue()
	lease := prresolve.NewCreateLease(store)

	held, err := lease.Claim(context.Background(), "acme/widgets", 9, "main", "other-worker")
	require.NoError(t, err)
	require.True(t, held)

	w := &Worker{
		Cfg: Config{
			BaseBranch:              "main",
			PRLeaseBusyPollInterval: time.Millisecond,
			PRLeaseBusyPollBudget:   time.Minute,
		},
		Deps: Deps{
			GitHub:      gh,
			Queue:       queue,
			Ledger:      ledger.New(store, portstest.NewEventBus()),
			Checkpoints: checkpoint.NewLedger(),
			Sanitizer:   redact.New(),
			CreateLease: lease,
		},
	}
	tk := &task.Task{Repo: "acme/widgets", Issue: "acme/widgets#9", TaskID: "task-recover-3"}

	url := w.recoverPRFromLease(context.Background(), tk, 9, "")
	require.Equal(t, "https://github.com/acme/widgets/pull/42", url)
	require.Empty(t, queue.Calls)
}

func initBareRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init", "--bare", "-b", "main")
	return dir
}

func cloneAndCommit(t *testing.T, origin string) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("git", "clone", origin, dir)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	runGitCmd(t, dir, "config", "user.email", "test@example.com")
	runGitCmd(t, dir, "config", "user.name", "Test")
	runGitCmd(t, dir, "checkout", "-B", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGitCmd(t, dir, "add", "README.md")
	runGitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func runGitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), string(out))
	return string(out)
}
