package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrun/internal/audit"
)

var (
	// audit command flags
	auditRun      string
	auditStep     string
	auditTypes    []string
	auditSeverity string
	auditSince    string
	auditLimit    int
	auditFormat   string
	auditOutput   string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditExportCmd)

	for _, c := range []*cobra.Command{auditQueryCmd, auditExportCmd} {
		c.Flags().StringVar(&auditRun, "run", "", "Only events of this run")
		c.Flags().StringVar(&auditStep, "step", "", "Only events of this step")
		c.Flags().StringSliceVar(&auditTypes, "type", nil, "Only these event types (repeatable)")
		c.Flags().StringVar(&auditSeverity, "severity", "", "Minimum severity: debug, info, warning, error, critical")
		c.Flags().StringVar(&auditSince, "since", "", "Only events after a duration ago (24h) or an RFC 3339 time")
	}
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditExportCmd.Flags().StringVar(&auditFormat, "format", string(audit.Structured), "Export format: structured (JSON lines) or tabular (CSV)")
	auditExportCmd.Flags().StringVarP(&auditOutput, "output", "o", "-", "Output file, or - for stdout")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and export the audit trail",
	Long: `Query and export the audit trail.

Every plan, run, step, approval, rollback and artifact event is appended to
the trail with a per-run sequence number. Secrets in messages and details are
scrubbed before they are stored.

Examples:
  # Show what happened in a run
  taskrun audit query --run <run-id>

  # Show warnings and errors from the last day
  taskrun audit query --severity warning --since 24h

  # Export a run as CSV
  taskrun audit export --run <run-id> --format tabular -o run.csv`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Show audit events in order",
	Args:  cobra.NoArgs,
	RunE:  runAuditQuery,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events",
	Args:  cobra.NoArgs,
	RunE:  runAuditExport,
}

// auditFilter builds a filter from the shared flags.
func auditFilter(now time.Time) (audit.Filter, error) {
	f := audit.Filter{RunID: auditRun, StepID: auditStep}
	for _, t := range auditTypes {
		f.Types = append(f.Types, audit.EventType(t))
	}
	if auditSeverity != "" {
		s, err := audit.ParseSeverity(auditSeverity)
		if err != nil {
			return f, err
		}
		f.MinSeverity = s
	}
	if auditSince != "" {
		since, err := parseSince(auditSince, now)
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	return f, nil
}

// parseSince accepts a duration before now or an absolute RFC 3339 time.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since must not be negative, got %s", raw)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be a duration like 24h or an RFC 3339 time, got %q", raw)
	}
	return t, nil
}

func runAuditQuery(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	f, err := auditFilter(time.Now())
	if err != nil {
		return err
	}
	f.Limit = auditLimit

	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	events, err := reg.Audit().Query(ctx, f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, events)
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			formatTime(e.Timestamp),
			e.RunID,
			strconv.FormatInt(e.Seq, 10),
			string(e.Type),
			severityText(e.Severity),
			e.StepID,
			truncate(e.Message, 60),
		})
	}
	printTable(out, "No audit events found.", []string{"TIME", "RUN", "SEQ", "EVENT", "SEVERITY", "STEP", "MESSAGE"}, rows)
	return nil
}

func runAuditExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	format, err := audit.ParseFormat(auditFormat)
	if err != nil {
		return err
	}
	f, err := auditFilter(time.Now())
	if err != nil {
		return err
	}

	reg, err := env.services(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if auditOutput != "-" {
		file, err := os.OpenFile(auditOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", auditOutput, err)
		}
		defer file.Close()
		w = file
	}

	n, err := reg.Audit().Export(ctx, w, f, format)
	if err != nil {
		return err
	}
	if auditOutput != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d event(s) to %s\n", n, auditOutput)
	}
	return nil
}

// severityText colors a severity.
func severityText(s audit.Severity) string {
	switch s {
	case audit.Warning:
		return warningStyle.Render(string(s))
	case audit.Error, audit.Critical:
		return errorStyle.Render(string(s))
	case audit.Debug:
		return dimStyle.Render(string(s))
	default:
		return string(s)
	}
}
