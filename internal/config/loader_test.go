package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the config dir in it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "taskrun")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `storage:
  root: /var/lib/taskrun
approval:
  timeout: 90s
  auto_approve_ceiling: low
  require_for:
    low: true
retry:
  max_attempts: 5
  initial_backoff: 10ms
  max_backoff: 1s
tools:
  catalog: [read_file, write_file, bash]
  categories:
    deploy: external
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/taskrun", cfg.Storage.Root)
	assert.Equal(t, 90*time.Second, cfg.Approval.Timeout.Duration())
	assert.Equal(t, "low", cfg.Approval.AutoApproveCeiling)
	assert.True(t, cfg.Approval.RequireFor["low"])
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.InitialBackoff.Duration())
	assert.Equal(t, []string{"read_file", "write_file", "bash"}, cfg.Tools.Catalog)
	assert.Equal(t, "external", cfg.Tools.Categories["deploy"])

	// untouched sections get defaults
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 10*1024, cfg.Artifacts.CompressionThreshold)
	assert.Equal(t, 4, cfg.Runs.MaxConcurrent)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "retry:\n  max_attempts: 5\n", 0600)

	t.Setenv("TASKRUN_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("TASKRUN_APPROVAL_AUTO_APPROVE_CEILING", "medium")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, "medium", cfg.Approval.AutoApproveCeiling)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, "~/.local/share/taskrun", cfg.Storage.Root)
	assert.Equal(t, 5*time.Minute, cfg.Approval.Timeout.Duration())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*24*time.Hour, cfg.Artifacts.Retention.Duration())
}

func TestLoadWithFile_ApprovalRules(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `approval:
  disable_default_rules: true
  rules:
    - id: deny-prod-deploys
      tools: ["^deploy$"]
      operations: ["prod"]
      action: deny
      priority: 1
    - id: approve-status
      tools: ["^status$"]
      risk_levels: [low, medium]
      action: approve
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Approval.DisableDefaultRules)
	require.Len(t, cfg.Approval.Rules, 2)
	assert.Equal(t, ApprovalRule{
		ID:         "deny-prod-deploys",
		Tools:      []string{"^deploy$"},
		Operations: []string{"prod"},
		Action:     "deny",
		Priority:   1,
	}, cfg.Approval.Rules[0])
	assert.Equal(t, []string{"low", "medium"}, cfg.Approval.Rules[1].RiskLevels)
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "retry: [unclosed\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
}

func TestLoadWithFile_ValidationFailure(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "approval:\n  require_for:\n    critical: false\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical steps always require approval")
}

func TestLoadWithFile_PathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "retry:\n  max_attempts: 2\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	dir := setupTestHome(t)
	content := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	path := writeConfig(t, dir, content, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "retry.max_attempts", envKey("TASKRUN_RETRY_MAX_ATTEMPTS"))
	assert.Equal(t, "storage.root", envKey("TASKRUN_STORAGE_ROOT"))
	assert.Equal(t, "debug", envKey("TASKRUN_DEBUG"))
}
