package main

import (
	"fmt"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/services"
)

var (
	// approval command flags
	approvalsRun string
	approvalsAll bool
	decideReason string
	decideActor  string

	// batch approval flags
	batchRun     string
	batchAll     bool
	batchCeiling string
)

func init() {
	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsListCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)

	approvalsListCmd.Flags().StringVar(&approvalsRun, "run", "", "Only show requests of this run")
	approvalsListCmd.Flags().BoolVar(&approvalsAll, "all", false, "Include resolved requests")

	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		c.Flags().StringVar(&decideReason, "reason", "", "Reason recorded with the decision")
		c.Flags().StringVar(&decideActor, "actor", "", "Who decides (defaults to the current user)")
	}
	approveCmd.Flags().StringVar(&batchRun, "run", "", "Run whose pending requests --all approves")
	approveCmd.Flags().BoolVar(&batchAll, "all", false, "Approve every pending request of --run up to --ceiling")
	approveCmd.Flags().StringVar(&batchCeiling, "ceiling", string(risk.High), "Highest risk --all approves (low, medium or high)")
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect approval requests",
	Long: `Inspect approval requests.

Steps that need approval wait for a decision. Decisions are submitted with
"taskrun approve" and "taskrun deny" and applied by the process running the
step through the approval inbox.

Examples:
  # List pending requests
  taskrun approvals list

  # Approve a request
  taskrun approve <request-id> --reason "reviewed the diff"

  # Approve every pending request of a run up to medium risk
  taskrun approve --run <run-id> --all --ceiling medium`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runApprovalsList,
}

var approveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve a pending request, or all of a run's with --run --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if batchAll {
			if len(args) > 0 {
				return fmt.Errorf("--all takes no request id")
			}
			if batchRun == "" {
				return fmt.Errorf("--all requires --run")
			}
			return nil
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if batchAll {
			return submitBatch(cmd, batchRun, risk.Level(batchCeiling))
		}
		return submitDecision(cmd, args[0], approval.Approved)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitDecision(cmd, args[0], approval.Denied)
	},
}

func approvalsDir() (string, error) {
	cfg, err := env.config()
	if err != nil {
		return "", err
	}
	return services.ApprovalsDir(cfg)
}

func runApprovalsList(cmd *cobra.Command, _ []string) error {
	dir, err := approvalsDir()
	if err != nil {
		return err
	}
	all, err := approval.LoadRequests(dir)
	if err != nil {
		return err
	}
	reqs := filterRequests(all, approvalsRun, approvalsAll)

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, reqs)
	}
	rows := make([][]string, 0, len(reqs))
	for _, r := range reqs {
		rollback := "no"
		if r.RollbackAvailable {
			rollback = "yes"
		}
		rows = append(rows, []string{
			r.ID,
			r.RunID,
			r.StepID,
			r.ToolName,
			riskText(r.RiskLevel),
			rollback,
			statusText(string(r.Decision)),
			formatTime(r.ExpiresAt),
		})
	}
	printTable(out, "No approval requests.", []string{"ID", "RUN", "STEP", "TOOL", "RISK", "ROLLBACK", "DECISION", "EXPIRES"}, rows)
	return nil
}

// filterRequests keeps requests of runID (any run when empty) and, unless
// all is set, only pending ones.
func filterRequests(reqs []*approval.Request, runID string, all bool) []*approval.Request {
	out := make([]*approval.Request, 0, len(reqs))
	for _, r := range reqs {
		if runID != "" && r.RunID != runID {
			continue
		}
		if !all && r.Decision != approval.Pending {
			continue
		}
		out = append(out, r)
	}
	return out
}

func submitDecision(cmd *cobra.Command, requestID string, decision approval.Decision) error {
	dir, err := approvalsDir()
	if err != nil {
		return err
	}
	reqs, err := approval.LoadRequests(dir)
	if err != nil {
		return err
	}
	req := findRequest(reqs, requestID)
	if req == nil {
		return fmt.Errorf("%w: %s", approval.ErrRequestNotFound, requestID)
	}
	if req.Decision != approval.Pending {
		return fmt.Errorf("request %s is already %s", req.ID, req.Decision)
	}

	actor := decideActor
	if actor == "" {
		actor = currentActor()
	}
	if err := approval.SubmitDecision(dir, req.ID, approval.InboxDecision{
		Decision: decision,
		Actor:    actor,
		Reason:   decideReason,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s for %s (run %s, step %s)\n", decision, req.ID, req.RunID, req.StepID)
	return nil
}

func submitBatch(cmd *cobra.Command, runID string, ceiling risk.Level) error {
	if !ceiling.Valid() {
		return fmt.Errorf("invalid --ceiling %q", ceiling)
	}
	dir, err := approvalsDir()
	if err != nil {
		return err
	}
	reqs, err := approval.LoadRequests(dir)
	if err != nil {
		return err
	}
	var matched []*approval.Request
	for _, r := range filterRequests(reqs, runID, false) {
		if r.RiskLevel.AtMost(ceiling) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("run %s has no pending requests at or below %s", runID, ceiling)
	}

	actor := decideActor
	if actor == "" {
		actor = currentActor()
	}
	if err := approval.SubmitBatch(dir, approval.InboxBatch{RunID: runID, Ceiling: ceiling, Actor: actor}); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submitted approval of %d request(s) of run %s up to %s\n", len(matched), runID, ceiling)
	for _, r := range matched {
		fmt.Fprintf(out, "  %s  %s  %s\n", r.ID, r.StepID, r.RiskLevel)
	}
	return nil
}

// findRequest matches a full id or an unambiguous prefix.
func findRequest(reqs []*approval.Request, id string) *approval.Request {
	var match *approval.Request
	for _, r := range reqs {
		if r.ID == id {
			return r
		}
		if strings.HasPrefix(r.ID, id) {
			if match != nil {
				return nil
			}
			match = r
		}
	}
	return match
}

// currentActor names the human deciding from this terminal.
func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "user:" + u.Username
	}
	return "user:unknown"
}
