package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ralph-orchestrator/ralph/internal/rlog"
)

var (
	dryRun  bool
	verbose bool
	output  string
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Ralph drives GitHub issues through an autonomous agent lifecycle",
	Long: `ralph is the CLI for Ralph, an orchestrator that drives long-running
AI coding agent sessions through a GitHub issue's full lifecycle: plan,
implement, open a pull request, remediate CI failures, merge, and run a
post-merge survey.

Core Commands:
  run          Process or resume one task through the Worker State Machine
  version      Show version information`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		syncConfigFlagToEnv()
		rlog.Init(rlog.Config{
			Level:      logLevel(),
			JSONOutput: output == "json",
		})
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "has no effect; no command reads it")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (json, table)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .ralph/config.yaml)")
}

func logLevel() rlog.Level {
	if verbose {
		return rlog.DebugLevel
	}
	return rlog.InfoLevel
}

func syncConfigFlagToEnv() {
	path := strings.TrimSpace(cfgFile)
	if path == "" {
		return
	}
	_ = os.Setenv("RALPH_CONFIG", path)
}
