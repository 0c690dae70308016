package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralph-orchestrator/ralph/internal/bootstrap"
	"github.com/ralph-orchestrator/ralph/internal/config"
	"github.com/ralph-orchestrator/ralph/internal/task"
)

var (
	runIssue   string
	runRepo    string
	runRepoKey string
	runResume  bool
	runTaskID  string
)

// runCmd wires a Worker for one repo and drives a single task through
// Process or Resume. It is the thin CLI edge over internal/bootstrap; the
// daemon loop that discovers tasks and calls this repeatedly is the
// CLI/daemon bootstrap spec.md §1 names out of scope — an embedding
// program supplies that loop and the concrete ports (internal/bootstrap.
// Ports) this command cannot construct on its own.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process or resume one task through the Worker State Machine",
	Long: `run drives a single issue through the Worker State Machine: plan,
build, merge gate, and post-merge survey.

This command only demonstrates the wiring seam (internal/bootstrap.Build);
it does not itself implement the task queue, agent runtime, or GitHub
transport ports a production deployment needs. Those are supplied by the
embedding program via bootstrap.Ports.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runIssue == "" || runRepo == "" {
			return fmt.Errorf("--repo and --issue are required")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		repoKey := runRepoKey
		if repoKey == "" {
			repoKey = runRepo
		}

		w, err := bootstrap.Build(cfg, runRepo, repoKey, bootstrap.Ports{})
		if err != nil {
			return err
		}

		taskID := runTaskID
		if taskID == "" {
			taskID = runRepo + "#" + runIssue
		}
		t := &task.Task{
			TaskID: taskID,
			Repo:   runRepo,
			Issue:  runRepo + "#" + runIssue,
			Status: task.StatusQueued,
		}

		ctx := context.Background()
		var outcome task.RunOutcome
		if runResume {
			outcome, err = w.Resume(ctx, t)
		} else {
			outcome, err = w.Process(ctx, t)
		}
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}

		fmt.Printf("task %s finished with outcome %s\n", t.TaskID, outcome)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runRepo, "repo", "", `repository slug ("owner/name")`)
	runCmd.Flags().StringVar(&runIssue, "issue", "", "issue number")
	runCmd.Flags().StringVar(&runRepoKey, "repo-key", "", "worktree repo key (defaults to --repo)")
	runCmd.Flags().StringVar(&runTaskID, "task-id", "", "task identifier (defaults to repo#issue)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "resume an in-progress task instead of starting fresh")
	rootCmd.AddCommand(runCmd)
}
