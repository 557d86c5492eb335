// Package config provides configuration loading for taskrun.
//
// Values come from built-in defaults, then the YAML config file, then
// TASKRUN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Config holds the complete taskrun configuration.
type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Approval  ApprovalConfig  `koanf:"approval"`
	Retry     RetryConfig     `koanf:"retry"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Runs      RunsConfig      `koanf:"runs"`
	Tools     ToolsConfig     `koanf:"tools"`
	Audit     AuditConfig     `koanf:"audit"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// StorageConfig locates persisted plans, runs, approvals, artifacts and the
// audit database.
type StorageConfig struct {
	Root string `koanf:"root"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	// Timeout is how long a request stays pending before it times out.
	Timeout Duration `koanf:"timeout"`

	// RequireFor overrides whether a risk level needs approval
	// (keys: low, medium, high, critical). Critical cannot be disabled.
	RequireFor map[string]bool `koanf:"require_for"`

	// AutoApproveCeiling is the default highest level resolved by policy
	// without a human. Empty disables auto-approval.
	AutoApproveCeiling string `koanf:"auto_approve_ceiling"`

	// Inbox enables the file-drop decision inbox used by the CLI.
	Inbox bool `koanf:"inbox"`

	// Rules decide matching requests without a human. They are evaluated
	// by ascending priority after the built-in rules unless
	// DisableDefaultRules is set.
	Rules               []ApprovalRule `koanf:"rules"`
	DisableDefaultRules bool           `koanf:"disable_default_rules"`
}

// ApprovalRule is one approval rule. Action is approve, deny or manual.
// Tools and Operations are case-insensitive regular expressions.
type ApprovalRule struct {
	ID         string   `koanf:"id"`
	Tools      []string `koanf:"tools"`
	RiskLevels []string `koanf:"risk_levels"`
	Operations []string `koanf:"operations"`
	Action     string   `koanf:"action"`
	Priority   int      `koanf:"priority"`
	Disabled   bool     `koanf:"disabled"`
}

// RetryConfig controls per-step retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	Multiplier     float64  `koanf:"multiplier"`
}

// ArtifactsConfig controls artifact compression and retention.
type ArtifactsConfig struct {
	CompressionThreshold int      `koanf:"compression_threshold"`
	Retention            Duration `koanf:"retention"`
}

// RunsConfig controls run scheduling.
type RunsConfig struct {
	MaxConcurrent int      `koanf:"max_concurrent"`
	StepTimeout   Duration `koanf:"step_timeout"`
}

// ToolsConfig describes the tool catalog known to plan validation and the
// risk classifier.
type ToolsConfig struct {
	Catalog    []string          `koanf:"catalog"`
	Categories map[string]string `koanf:"categories"`
	RateLimit  float64           `koanf:"rate_limit"`
	Burst      int               `koanf:"burst"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	DisableScrub bool `koanf:"disable_scrub"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
}

var validLevels = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "~/.local/share/taskrun"
	}

	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = Duration(5 * time.Minute)
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = Duration(time.Second)
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}

	if cfg.Artifacts.CompressionThreshold == 0 {
		cfg.Artifacts.CompressionThreshold = 10 * 1024
	}
	if cfg.Artifacts.Retention == 0 {
		cfg.Artifacts.Retention = Duration(30 * 24 * time.Hour)
	}

	if cfg.Runs.MaxConcurrent == 0 {
		cfg.Runs.MaxConcurrent = 4
	}
	if cfg.Runs.StepTimeout == 0 {
		cfg.Runs.StepTimeout = Duration(5 * time.Minute)
	}

	if cfg.Tools.Burst == 0 {
		cfg.Tools.Burst = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "taskrun"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	for level, required := range c.Approval.RequireFor {
		if !validLevels[level] {
			errs = append(errs, fmt.Errorf("approval.require_for: unknown risk level %q", level))
		}
		if level == "critical" && !required {
			errs = append(errs, errors.New("approval.require_for: critical steps always require approval"))
		}
	}
	if c.Approval.AutoApproveCeiling != "" && !validLevels[c.Approval.AutoApproveCeiling] {
		errs = append(errs, fmt.Errorf("approval.auto_approve_ceiling: unknown risk level %q", c.Approval.AutoApproveCeiling))
	}
	errs = append(errs, validateRules(c.Approval.Rules)...)
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier))
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, errors.New("retry.max_backoff must be >= retry.initial_backoff"))
	}
	if c.Artifacts.CompressionThreshold < 0 {
		errs = append(errs, errors.New("artifacts.compression_threshold cannot be negative"))
	}
	if c.Runs.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("runs.max_concurrent must be >= 1, got %d", c.Runs.MaxConcurrent))
	}
	if c.Tools.RateLimit < 0 {
		errs = append(errs, errors.New("tools.rate_limit cannot be negative"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}

func validateRules(rules []ApprovalRule) []error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		name := r.ID
		if name == "" {
			errs = append(errs, fmt.Errorf("approval.rules[%d]: id is required", i))
			name = fmt.Sprintf("[%d]", i)
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("approval.rules %s: duplicate id", name))
		}
		seen[name] = true
		switch r.Action {
		case "approve", "deny", "manual":
		default:
			errs = append(errs, fmt.Errorf("approval.rules %s: unknown action %q", name, r.Action))
		}
		for _, l := range r.RiskLevels {
			if !validLevels[l] {
				errs = append(errs, fmt.Errorf("approval.rules %s: unknown risk level %q", name, l))
			}
		}
		for _, p := range slices.Concat(r.Tools, r.Operations) {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("approval.rules %s: bad pattern %q: %w", name, p, err))
			}
		}
	}
	return errs
}

// StorageRoot returns Storage.Root with a leading ~ expanded.
func (c *Config) StorageRoot() (string, error) {
	return ExpandPath(c.Storage.Root)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
