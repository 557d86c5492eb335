package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	// artifact command flags
	artifactsOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsGetCmd)
	artifactsCmd.AddCommand(artifactsCleanupCmd)
	artifactsCmd.AddCommand(artifactsStatsCmd)

	artifactsCleanupCmd.Flags().DurationVar(&artifactsOlderThan, "older-than", 0, "Remove artifacts older than this (default artifacts.retention)")
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect and clean up step artifacts",
	Long: `Inspect and clean up step artifacts.

Every step attempt stores its input and output as content-addressed
artifacts. Payloads above artifacts.compression_threshold are compressed.

Examples:
  # List the artifacts of a run
  taskrun artifacts list <run-id>

  # Print one artifact
  taskrun artifacts get <artifact-id>

  # Remove artifacts older than 30 days
  taskrun artifacts cleanup --older-than 720h`,
}

var artifactsListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List the artifacts of a run in storage order",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsList,
}

var artifactsGetCmd = &cobra.Command{
	Use:   "get <artifact-id>",
	Short: "Print the payload of an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsGet,
}

var artifactsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old artifacts",
	Args:  cobra.NoArgs,
	RunE:  runArtifactsCleanup,
}

var artifactsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show artifact storage usage",
	Args:  cobra.NoArgs,
	RunE:  runArtifactsStats,
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	arts, err := reg.Artifacts().Artifacts(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, arts)
	}
	rows := make([][]string, 0, len(arts))
	for _, a := range arts {
		compressed := "-"
		if a.Compressed {
			compressed = formatBytes(a.StoredSize)
		}
		rows = append(rows, []string{
			strconv.Itoa(a.Seq),
			a.ID,
			a.StepID,
			string(a.Kind),
			formatBytes(a.Size),
			compressed,
			formatTime(a.CreatedAt),
		})
	}
	printTable(out, "No artifacts for this run.", []string{"SEQ", "ID", "STEP", "KIND", "SIZE", "COMPRESSED", "CREATED"}, rows)
	return nil
}

func runArtifactsGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		a, err := reg.Artifacts().Stat(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), a)
	}
	payload, err := reg.Artifacts().Get(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(payload)
	return err
}

func runArtifactsCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	olderThan := artifactsOlderThan
	if olderThan <= 0 {
		olderThan = time.Duration(reg.Config().Artifacts.Retention)
	}
	n, err := reg.Artifacts().Cleanup(ctx, olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d artifact(s) older than %s\n", n, olderThan)
	return nil
}

func runArtifactsStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	reg, err := env.services(ctx)
	if err != nil {
		return err
	}
	st, err := reg.Artifacts().Stats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, st)
	}
	printField(out, "Runs", st.Runs)
	printField(out, "Artifacts", st.Artifacts)
	printField(out, "Stored", formatBytes(st.StoredBytes))
	printField(out, "Uncompressed", formatBytes(st.UncompressedBytes))
	return nil
}
