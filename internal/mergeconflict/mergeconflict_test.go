package mergeconflict

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConflictSignatureStableUnderPathReordering(t *testing.T) {
	a := ConflictSignature("base1", "head1", []string{"b.go", "a.go"})
	b := ConflictSignature("base1", "head1", []string{"a.go", "b.go"})
	require.Equal(t, a, b)
}

func TestConflictSignatureChangesWithHeadSHA(t *testing.T) {
	a := ConflictSignature("base1", "head1", []string{"a.go"})
	b := ConflictSignature("base1", "head2", []string{"a.go"})
	require.NotEqual(t, a, b)
}

func TestMergeDetectsConflictAndListsPaths(t *testing.T) {
	origin, clone := initConflictingRepos(t)
	_ = origin

	require.NoError(t, Fetch(context.Background(), clone, 30*time.Second))
	baseSHA, err := ResolveOriginSHA(context.Background(), clone, "main", 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, baseSHA)

	conflicted, err := Merge(context.Background(), clone, "main", 30*time.Second)
	require.NoError(t, err)
	require.True(t, conflicted)

	paths, err := ListConflicts(context.Background(), clone, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"shared.txt"}, paths)

	require.NoError(t, AbortMerge(context.Background(), clone, 30*time.Second))
}

func TestMergeCleanWhenNoConflict(t *testing.T) {
	origin := initGitRepo(t)
	clone := cloneRepo(t, origin)

	require.NoError(t, Fetch(context.Background(), clone, 30*time.Second))
	conflicted, err := Merge(context.Background(), clone, "main", 30*time.Second)
	require.NoError(t, err)
	require.False(t, conflicted)
}

func TestCheckPushableRejectsReadOnlyRemote(t *testing.T) {
	origin := initGitRepo(t)
	clone := cloneRepo(t, origin)

	// Point the clone's push URL at a path with no repository, so the
	// dry-run push cannot reach a writable remote.
	runGitCmd(t, clone, "config", "remote.origin.pushurl", filepath.Join(t.TempDir(), "missing"))
	err := CheckPushable(context.Background(), clone, "main", 10*time.Second)
	require.ErrorIs(t, err, ErrNotPushable)
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init", "-b", "main")
	runGitCmd(t, dir, "config", "user.email", "test@example.com")
	runGitCmd(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared.txt"), []byte("base\n"), 0o644))
	runGitCmd(t, dir, "add", "shared.txt")
	runGitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func cloneRepo(t *testing.T, origin string) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("git", "clone", origin, dir)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	runGitCmd(t, dir, "config", "user.email", "test@example.com")
	runGitCmd(t, dir, "config", "user.name", "Test")
	return dir
}

// initConflictingRepos builds an origin repo and a clone that has diverged
// on the same line of shared.txt, so merging origin/main into the clone's
// checkout produces a real conflict.
func initConflictingRepos(t *testing.T) (origin, clone string) {
	t.Helper()
	origin = initGitRepo(t)
	clone = cloneRepo(t, origin)

	require.NoError(t, os.WriteFile(filepath.Join(origin, "shared.txt"), []byte("origin-change\n"), 0o644))
	runGitCmd(t, origin, "commit", "-am", "origin change")

	require.NoError(t, os.WriteFile(filepath.Join(clone, "shared.txt"), []byte("clone-change\n"), 0o644))
	runGitCmd(t, clone, "commit", "-am", "clone change")

	return origin, clone
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), string(out))
}
