package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, "table", cfg.Output)
	require.Equal(t, 5, cfg.CIRemediationMaxAttempts)
	require.Equal(t, 3, cfg.MergeConflictMaxAttempts)
}

func TestLoadProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
output: json
ci_remediation_max_attempts: 9
repo_allowlist:
  - acme/widgets
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "json", cfg.Output)
	require.Equal(t, 9, cfg.CIRemediationMaxAttempts)
	require.True(t, cfg.Allowed("acme/widgets"))
	require.False(t, cfg.Allowed("acme/other"))
}

func TestAllowedDefaultOpenWhenAllowlistEmpty(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.Allowed("anything/goes"))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RALPH_OUTPUT", "yaml")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "yaml", cfg.Output)
}

func TestRepoForUnconfiguredReturnsZeroValue(t *testing.T) {
	cfg := Default()
	rc := cfg.RepoFor("never/configured")
	require.Equal(t, RepoConfig{}, rc)
}
