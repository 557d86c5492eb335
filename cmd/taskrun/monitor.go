package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrun/internal/monitor"
	"github.com/fyrsmithlabs/taskrun/internal/orchestrator"
	"github.com/fyrsmithlabs/taskrun/internal/services"
)

var (
	// monitorInterval is the polling interval for dashboard refreshes
	monitorInterval time.Duration
	// monitorLimit bounds how many runs the dashboard lists
	monitorLimit int
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 2*time.Second, "refresh interval")
	monitorCmd.Flags().IntVar(&monitorLimit, "limit", 10, "maximum number of runs to list")
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch runs and pending approvals live",
	Long: `Watch runs and pending approvals in a live terminal dashboard.

The dashboard reads run manifests and approval requests from storage, so it
follows runs started by any taskrun process using the same storage root.

Keys:
  q  quit
  r  refresh now`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	if monitorInterval <= 0 {
		return fmt.Errorf("--interval must be > 0, got %s", monitorInterval)
	}
	cfg, err := env.config()
	if err != nil {
		return err
	}
	runsDir, err := services.RunsDir(cfg)
	if err != nil {
		return err
	}
	approvalsDir, err := services.ApprovalsDir(cfg)
	if err != nil {
		return err
	}
	store, err := orchestrator.NewManifestStore(runsDir)
	if err != nil {
		return err
	}

	model := monitor.NewModel(monitor.StoreSource{Manifests: store, ApprovalsDir: approvalsDir}, monitorInterval, monitorLimit)
	p := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithContext(cmd.Context()),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()))
	if _, err := p.Run(); err != nil && cmd.Context().Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
