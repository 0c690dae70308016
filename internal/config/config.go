// Package config loads Ralph's layered configuration: command-line flags,
// then RALPH_* environment variables, then a project-local
// .ralph/config.yaml, then a home ~/.ralph/config.yaml, then defaults —
// the same precedence order the teacher's own internal/config/config.go
// documents, but driven by github.com/spf13/viper instead of hand-rolled
// YAML merging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RepoConfig is the per-repository settings block (spec.md §6).
type RepoConfig struct {
	BaseBranch               string   `mapstructure:"base_branch"`
	RequiredChecks           []string `mapstructure:"required_checks"`
	ConcurrencySlots         int      `mapstructure:"concurrency_slots"`
	AutoUpdateBehindLabel    string   `mapstructure:"auto_update_behind_label"`
	AutoUpdateBehindCooldown string   `mapstructure:"auto_update_behind_cooldown"`
	SetupCommands            []string `mapstructure:"setup_commands"`
	AllowlistLabel           string   `mapstructure:"allowlist_label"`
}

// Config is the fully resolved Ralph configuration.
type Config struct {
	Output  string `mapstructure:"output"`
	Verbose bool   `mapstructure:"verbose"`
	DryRun  bool   `mapstructure:"dry_run"`

	ManagedWorktreeRoot string `mapstructure:"managed_worktree_root"`

	LoopDetection LoopDetectionConfig `mapstructure:"loop_detection"`
	Throttle      ThrottleConfig      `mapstructure:"throttle"`
	MergeGate     MergeGateConfig     `mapstructure:"merge_gate"`

	CIRemediationMaxAttempts    int           `mapstructure:"ci_remediation_max_attempts"`
	MergeConflictMaxAttempts    int           `mapstructure:"merge_conflict_max_attempts"`
	IssueContextPrefetchTimeout time.Duration `mapstructure:"issue_context_prefetch_timeout"`

	Repos map[string]RepoConfig `mapstructure:"repos"`

	RepoAllowlist []string `mapstructure:"repo_allowlist"`
}

// LoopDetectionConfig controls the loop detector (spec.md §4.4).
type LoopDetectionConfig struct {
	WindowSize        int `mapstructure:"window_size"`
	RepeatedThreshold int `mapstructure:"repeated_threshold"`
}

// ThrottleConfig controls the quota snapshot cache (spec.md §4.3).
type ThrottleConfig struct {
	SnapshotCacheTTL time.Duration `mapstructure:"snapshot_cache_ttl"`
}

// MergeGateConfig controls required-check polling and CI triage.
type MergeGateConfig struct {
	PollInitialBackoff    time.Duration `mapstructure:"poll_initial_backoff"`
	PollMaxBackoff        time.Duration `mapstructure:"poll_max_backoff"`
	PollTimeout           time.Duration `mapstructure:"poll_timeout"`
	MaxQuarantineDuration time.Duration `mapstructure:"max_quarantine_duration"`
}

const envPrefix = "RALPH"

// Default returns Ralph's built-in defaults, applied before any file or
// environment layer is considered.
func Default() *Config {
	return &Config{
		Output:              "table",
		ManagedWorktreeRoot: ".ralph/worktrees",
		LoopDetection:       LoopDetectionConfig{WindowSize: 5, RepeatedThreshold: 3},
		Throttle:            ThrottleConfig{SnapshotCacheTTL: 30 * time.Second},
		MergeGate: MergeGateConfig{
			PollInitialBackoff:    5 * time.Second,
			PollMaxBackoff:        2 * time.Minute,
			PollTimeout:           45 * time.Minute,
			MaxQuarantineDuration: 4 * time.Hour,
		},
		CIRemediationMaxAttempts:    5,
		MergeConflictMaxAttempts:    3,
		IssueContextPrefetchTimeout: 30 * time.Second,
		Repos:                       map[string]RepoConfig{},
	}
}

// Load resolves configuration with precedence flags > env > project file >
// home file > defaults, mirroring internal/config/config.go's documented
// order but executed by viper.
func Load(configFileOverride string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetConfigType("yaml")
	setDefaults(v, def)

	homePath := homeConfigPath()
	if homePath != "" {
		if err := mergeInConfigFile(v, homePath); err != nil {
			return nil, fmt.Errorf("config: load home config: %w", err)
		}
	}

	projectPath := configFileOverride
	if projectPath == "" {
		projectPath = projectConfigPath()
	}
	if projectPath != "" {
		if err := mergeInConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("config: load project config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// mergeInConfigFile merges a YAML file into v if it exists; a missing file
// is not an error, matching loadFromPath's silent-skip behavior.
func mergeInConfigFile(v *viper.Viper, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	v.SetConfigFile(path)
	return v.MergeConfig(f)
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("output", def.Output)
	v.SetDefault("managed_worktree_root", def.ManagedWorktreeRoot)
	v.SetDefault("loop_detection.window_size", def.LoopDetection.WindowSize)
	v.SetDefault("loop_detection.repeated_threshold", def.LoopDetection.RepeatedThreshold)
	v.SetDefault("throttle.snapshot_cache_ttl", def.Throttle.SnapshotCacheTTL)
	v.SetDefault("merge_gate.poll_initial_backoff", def.MergeGate.PollInitialBackoff)
	v.SetDefault("merge_gate.poll_max_backoff", def.MergeGate.PollMaxBackoff)
	v.SetDefault("merge_gate.poll_timeout", def.MergeGate.PollTimeout)
	v.SetDefault("merge_gate.max_quarantine_duration", def.MergeGate.MaxQuarantineDuration)
	v.SetDefault("ci_remediation_max_attempts", def.CIRemediationMaxAttempts)
	v.SetDefault("merge_conflict_max_attempts", def.MergeConflictMaxAttempts)
	v.SetDefault("issue_context_prefetch_timeout", def.IssueContextPrefetchTimeout)
}

func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ralph", "config.yaml")
}

func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("RALPH_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".ralph", "config.yaml")
}

// RepoFor returns the per-repo settings for repo, falling back to an
// empty RepoConfig (callers apply their own field defaults) when the repo
// is not explicitly configured.
func (c *Config) RepoFor(repo string) RepoConfig {
	if rc, ok := c.Repos[repo]; ok {
		return rc
	}
	return RepoConfig{}
}

// Allowed reports whether repo is present in the configured allowlist. An
// empty allowlist means every repo is allowed, matching spec.md §6's
// default-open allowlist semantics.
func (c *Config) Allowed(repo string) bool {
	if len(c.RepoAllowlist) == 0 {
		return true
	}
	for _, r := range c.RepoAllowlist {
		if r == repo {
			return true
		}
	}
	return false
}
