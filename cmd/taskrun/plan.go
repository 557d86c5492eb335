package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrun/internal/plan"
)

var (
	// plan command flags
	planFile   string
	planStatus string
	planLimit  int
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planCreateCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planListCmd)
	planCmd.AddCommand(planArchiveCmd)

	planCreateCmd.Flags().StringVarP(&planFile, "file", "f", "", "Proposal YAML file, or - for stdin (required)")
	_ = planCreateCmd.MarkFlagRequired("file")

	planListCmd.Flags().StringVar(&planStatus, "status", "", "Filter by status: created, validated, archived")
	planListCmd.Flags().IntVar(&planLimit, "limit", 0, "Maximum number of plans to show")
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create and inspect plans",
	Long: `Create and inspect plans.

A plan is a validated graph of tool steps for one objective. Every step gets a
risk level and an approval requirement when the plan is created.

Examples:
  # Create a plan from a proposal
  taskrun plan create -f proposal.yaml

  # Show a plan
  taskrun plan show <plan-id>

  # List validated plans
  taskrun plan list --status validated`,
}

var planCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Validate a proposal and store it as a plan",
	Long: `Validate a proposal and store it as a plan.

The proposal is YAML:

  objective: Bump the release version
  steps:
    - id: read
      tool: read_file
      params: {path: VERSION}
    - id: write
      tool: write_file
      params: {path: VERSION, content: "1.2.0"}
      depends_on: [read]
      rollback:
        tool: restore_file
        params: {path: VERSION}

Tool names must appear in tools.catalog or be registered with the runtime.`,
	Args: cobra.NoArgs,
	RunE: runPlanCreate,
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show a plan and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanShow,
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans, newest first",
	Args:  cobra.NoArgs,
	RunE:  runPlanList,
}

var planArchiveCmd = &cobra.Command{
	Use:   "archive <plan-id>",
	Short: "Archive a plan so it can no longer be run",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanArchive,
}

func runPlanCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	in := cmd.InOrStdin()
	if planFile != "-" {
		f, err := os.Open(planFile)
		if err != nil {
			return fmt.Errorf("failed to open proposal %s: %w", planFile, err)
		}
		defer f.Close()
		in = f
	}
	proposal, err := plan.LoadProposal(in)
	if err != nil {
		return err
	}

	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	p, err := reg.Plans().CreatePlan(ctx, proposal.Objective, proposal.Steps)
	if err != nil {
		return err
	}
	return showPlan(cmd, p)
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	p, err := reg.Plans().GetPlan(ctx, args[0])
	if err != nil {
		return err
	}
	return showPlan(cmd, p)
}

func showPlan(cmd *cobra.Command, p *plan.Plan) error {
	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, p)
	}

	printField(out, "Plan", p.ID)
	printField(out, "Objective", p.Objective)
	printField(out, "Status", statusText(string(p.Status)))
	printField(out, "Highest risk", riskText(p.RiskSummary.Highest))
	printField(out, "Approvals required", p.RiskSummary.ApprovalsRequired)
	printField(out, "Estimated duration", fmt.Sprintf("%ds", p.EstimatedDurationSeconds))
	if p.ParentID != "" {
		printField(out, "Revision of", p.ParentID)
	}

	rows := make([][]string, 0, len(p.Steps))
	for _, id := range p.Order() {
		s := p.Step(id)
		approval := ""
		if s.RequiresApproval {
			approval = "yes"
		}
		rows = append(rows, []string{
			s.ID,
			s.ToolName,
			riskText(s.RiskLevel),
			approval,
			strconv.Itoa(s.TimeoutSeconds) + "s",
			joinOrDash(s.Dependencies),
		})
	}
	printTable(out, "No steps.", []string{"STEP", "TOOL", "RISK", "APPROVAL", "TIMEOUT", "DEPENDS ON"}, rows)
	return nil
}

func runPlanList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	plans, err := reg.Plans().ListPlans(ctx, plan.Filter{Status: plan.Status(planStatus), Limit: planLimit})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, plans)
	}
	rows := make([][]string, 0, len(plans))
	for _, p := range plans {
		rows = append(rows, []string{
			p.ID,
			truncate(p.Objective, 48),
			statusText(string(p.Status)),
			strconv.Itoa(len(p.Steps)),
			riskText(p.RiskSummary.Highest),
			formatTime(p.CreatedAt),
		})
	}
	printTable(out, "No plans found.", []string{"ID", "OBJECTIVE", "STATUS", "STEPS", "RISK", "CREATED"}, rows)
	return nil
}

func runPlanArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	p, err := reg.Plans().ArchivePlan(ctx, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), p)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived plan %s\n", p.ID)
	return nil
}
