package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/orchestrator"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/services"
)

var (
	// runs start flags
	runDryRun      bool
	runSteps       []string
	runAutoApprove string

	// runs list flags
	runsPlan   string
	runsStatus string
	runsLimit  int
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStartCmd)
	runsCmd.AddCommand(runsDeleteCmd)

	runsListCmd.Flags().StringVar(&runsPlan, "plan", "", "Only show runs of this plan")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Only show runs with this status")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", orchestrator.DefaultRunListLimit, "Maximum number of runs to show")

	runsStartCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Record every step as skipped without invoking tools")
	runsStartCmd.Flags().StringSliceVar(&runSteps, "steps", nil, "Run only these step ids (dependencies must be included)")
	runsStartCmd.Flags().StringVar(&runAutoApprove, "auto-approve", "", "Highest risk level approved without a human: low, medium or high")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Start and inspect runs",
	Long: `Start and inspect runs.

Every run keeps a manifest under <storage.root>/runs/<run-id>/manifest.json
that records step states, retries, artifacts and the final status.

Examples:
  # Start a run and follow it until it finishes
  taskrun runs start <plan-id>

  # Rehearse a run without invoking tools
  taskrun runs start <plan-id> --dry-run

  # List paused runs of a plan
  taskrun runs list --plan <plan-id> --status paused

  # Remove a finished run and its artifacts
  taskrun runs delete <run-id>`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a finished run with its manifest and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the manifest of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsStartCmd = &cobra.Command{
	Use:   "start <plan-id>",
	Short: "Execute a plan and follow the run until it stops",
	Long: `Execute a plan and follow the run until it stops.

Steps that need approval wait for a decision. With approval.inbox enabled,
decisions submitted from another terminal with "taskrun approve" or
"taskrun deny" are picked up while the run is followed.

An interrupt stops the run after the step in flight finishes; a second
interrupt cancels that step too. A run that pauses for any reason other than
a pending approval is stopped when the command exits.

The CLI registers no tools of its own. Steps invoke whatever tools the
embedding program registers; use --dry-run to rehearse a plan.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsStart,
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	reg, err := env.services(cmd.Context())
	if err != nil {
		return err
	}
	status := orchestrator.RunStatus(runsStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown run status %q", runsStatus)
	}
	if runsLimit < 1 {
		return fmt.Errorf("--limit must be >= 1, got %d", runsLimit)
	}
	runs, err := reg.Runs().ListRuns(orchestrator.RunFilter{
		PlanID: runsPlan,
		Status: status,
		Limit:  runsLimit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, runs)
	}
	rows := make([][]string, 0, len(runs))
	for _, m := range runs {
		rows = append(rows, []string{
			m.RunID,
			m.PlanID,
			statusText(string(m.Status)),
			fmt.Sprintf("%d/%d", len(m.CompletedStepIDs), len(m.StepStates)),
			strconv.FormatFloat(m.CostEstimate, 'f', 2, 64),
			formatTime(m.StartedAt),
		})
	}
	printTable(out, "No runs found.", []string{"RUN", "PLAN", "STATUS", "DONE", "COST", "STARTED"}, rows)
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	reg, err := env.services(cmd.Context())
	if err != nil {
		return err
	}
	if err := reg.Runs().DeleteRun(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	reg, err := env.services(cmd.Context())
	if err != nil {
		return err
	}
	m, err := reg.Runs().Status(args[0])
	if err != nil {
		return err
	}
	return showManifest(cmd.OutOrStdout(), m)
}

func showManifest(out io.Writer, m *orchestrator.Manifest) error {
	if outputJSON {
		return printJSON(out, m)
	}

	printField(out, "Run", m.RunID)
	printField(out, "Plan", m.PlanID)
	printField(out, "Status", statusText(string(m.Status)))
	if m.PauseReason != "" {
		printField(out, "Pause reason", m.PauseReason)
	}
	if m.PendingApprovalID != "" {
		printField(out, "Pending approval", m.PendingApprovalID)
	}
	printField(out, "Started", formatTime(m.StartedAt))
	if m.EndedAt != nil {
		printField(out, "Ended", formatTime(*m.EndedAt))
	}
	printField(out, "Cost estimate", strconv.FormatFloat(m.CostEstimate, 'f', 2, 64))
	if m.Options.DryRun {
		printField(out, "Dry run", "yes")
	}
	for _, w := range m.Warnings {
		printField(out, warningStyle.Render("Warning"), w)
	}

	ids := make([]string, 0, len(m.StepStates))
	for id := range m.StepStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		errText := "-"
		if info, ok := m.StepErrors[id]; ok {
			errText = truncate(string(info.Kind)+": "+info.Message, 60)
		}
		rows = append(rows, []string{
			id,
			statusText(string(m.StepStates[id])),
			strconv.Itoa(m.RetryCounts[id]),
			errText,
		})
	}
	printTable(out, "No steps.", []string{"STEP", "STATE", "RETRIES", "ERROR"}, rows)
	return nil
}

func runRunsStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	opts := orchestrator.RunOptions{DryRun: runDryRun, StepIDs: runSteps}
	if runAutoApprove != "" {
		level, err := risk.ParseLevel(runAutoApprove)
		if err != nil {
			return err
		}
		opts.AutoApproveCeiling = level
	}

	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	if !outputJSON {
		reg.Runs().OnEvent(func(e orchestrator.Event) { printEvent(out, reg, e) })
	}

	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWatch()
	if reg.Config().Approval.Inbox {
		go func() {
			if err := reg.Approvals().WatchInbox(watchCtx); err != nil && watchCtx.Err() == nil {
				reg.Logger().Warn(watchCtx, "approval inbox stopped", zap.Error(err))
			}
		}()
	}

	m, err := reg.Runs().Start(ctx, args[0], opts)
	if err != nil {
		return err
	}

	final, err := followRun(ctx, reg, m.RunID)
	if err != nil {
		return err
	}
	return showManifest(out, final)
}

// followRun waits for runID to stop executing. The first interrupt stops
// the run gracefully; a second one forces it.
func followRun(ctx context.Context, reg services.Registry, runID string) (*orchestrator.Manifest, error) {
	runs := reg.Runs()
	m, err := runs.Wait(ctx, runID)
	if err == nil {
		return m, nil
	}
	if ctx.Err() == nil {
		return nil, err
	}

	fmt.Fprintln(rootCmd.ErrOrStderr(), warningStyle.Render("Interrupted: stopping after the current step (interrupt again to force)"))
	forceCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := runs.Stop(runID, false); err != nil {
		reg.Logger().Debug(forceCtx, "stopping run", zap.String("run_id", runID), zap.Error(err))
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-forceCtx.Done():
			_ = runs.Stop(runID, true)
		case <-stopped:
		}
	}()
	return runs.Wait(context.Background(), runID)
}

// printEvent reports run progress as one line per event.
func printEvent(out io.Writer, reg services.Registry, e orchestrator.Event) {
	ts := dimStyle.Render(e.Time.Local().Format("15:04:05"))
	switch e.Type {
	case orchestrator.EventRunStarted:
		fmt.Fprintf(out, "%s run %s started (plan %s)\n", ts, e.RunID, e.PlanID)
	case orchestrator.EventStepStarted:
		fmt.Fprintf(out, "%s step %s started\n", ts, e.StepID)
	case orchestrator.EventStepCompleted:
		fmt.Fprintf(out, "%s step %s %s\n", ts, e.StepID, healthyStyle.Render("completed"))
	case orchestrator.EventStepFailed:
		fmt.Fprintf(out, "%s step %s %s: %v\n", ts, e.StepID, errorStyle.Render("failed"), e.Err)
	case orchestrator.EventRunPaused:
		fmt.Fprintf(out, "%s run %s\n", ts, warningStyle.Render("paused"))
		for _, req := range reg.Approvals().ListPending(e.RunID) {
			fmt.Fprintf(out, "%s approval %s needed for step %s (%s risk): taskrun approve %s\n",
				ts, req.ID, req.StepID, riskText(req.RiskLevel), req.ID)
		}
	case orchestrator.EventRunCompleted, orchestrator.EventRunFailed, orchestrator.EventRunAborted:
		line := fmt.Sprintf("%s run %s %s", ts, e.RunID, statusText(string(e.Status)))
		if e.Err != nil {
			line += fmt.Sprintf(": %v", e.Err)
		}
		fmt.Fprintln(out, line)
	}
}
