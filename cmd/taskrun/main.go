// Package main implements the taskrun CLI for inspecting and driving plans,
// runs, approvals, audit events and artifacts stored under the configured
// storage root.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/config"
	"github.com/fyrsmithlabs/taskrun/internal/logging"
	"github.com/fyrsmithlabs/taskrun/internal/services"
	"github.com/fyrsmithlabs/taskrun/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location
	configPath string
	// outputJSON prints machine-readable output instead of tables
	outputJSON bool
)

// shutdownTimeout bounds how long Close waits for active runs.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if cerr := env.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskrun",
	Short: "Plan, approve and execute multi-step tool runs",
	Long: `taskrun validates multi-step plans, gates risky steps behind approval,
executes runs with retry and rollback, and keeps an append-only audit trail
and artifact store for every run.

State lives under storage.root (default ~/.taskrun). Configuration is read
from ~/.config/taskrun/config.yaml and TASKRUN_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/taskrun/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints build information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "taskrun by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

// environment holds what commands share. Everything is created on first
// use so that commands needing only the config never open storage.
type environment struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	reg    services.Registry
}

var env environment

// config loads configuration once.
func (e *environment) config() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	e.cfg = cfg
	return cfg, nil
}

// services builds the service registry once, with logging and telemetry.
func (e *environment) services(ctx context.Context) (services.Registry, error) {
	if e.reg != nil {
		return e.reg, nil
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	e.tel = tel

	logCfg, err := logging.FromSettings(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid log settings: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	e.logger = logger

	reg, err := services.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e.reg = reg
	return reg, nil
}

// close releases whatever services created, in reverse order.
func (e *environment) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if e.reg != nil {
		if err := e.reg.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		e.reg = nil
	}
	if e.logger != nil {
		if err := e.logger.Sync(); err != nil {
			e.logger.Debug(ctx, "logger sync failed", zap.Error(err))
		}
		e.logger = nil
	}
	if e.tel != nil {
		if err := e.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
		}
		e.tel = nil
	}
	e.cfg = nil
	return errors.Join(errs...)
}
