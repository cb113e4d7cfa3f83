package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/handoff"
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Review and apply sandbox changes to the production tree",
	Long: `Move a succeeded reflection task into the production tree.

  prepare   package a succeeded task as a pending artifact
  approve   record an approving review (optionally for some files only)
  reject    record a rejecting review
  execute   snapshot, write the approved files, verify (restores on failure)
  rollback  restore the snapshot taken by execute`,
}

var handoffPrepareCmd = &cobra.Command{
	Use:   "prepare <task-id>",
	Short: "Create a pending artifact from a succeeded task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		objective, _ := cmd.Flags().GetString("objective")
		a, err := newClient().Prepare(context.Background(), api.PrepareRequest{
			TaskID:    args[0],
			Objective: objective,
		})
		if err != nil {
			fatal("prepare failed: %v", err)
		}
		success("Prepared artifact %s", a.ID)
		printArtifact(a)
	},
}

var handoffListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		artifacts, err := newClient().Artifacts(context.Background(), handoff.Status(status))
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(artifacts)
			return
		}
		if len(artifacts) == 0 {
			fmt.Println("No artifacts")
			return
		}
		for _, a := range artifacts {
			fmt.Printf("  %s  %-12s %-3d %s\n", a.ID, stateColor(string(a.Status)), len(a.Files), a.Objective)
		}
	},
}

var handoffShowCmd = &cobra.Command{
	Use:   "show <artifact-id>",
	Short: "Show an artifact",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newClient().Artifact(context.Background(), args[0])
		if err != nil {
			fatal("%v", err)
		}
		showDiff, _ := cmd.Flags().GetBool("diff")
		if showDiff && !jsonOutput {
			printDiff(a.Diff)
			return
		}
		printArtifact(a)
	},
}

var handoffApproveCmd = &cobra.Command{
	Use:   "approve <artifact-id> [files...]",
	Short: "Approve an artifact, optionally only some of its files",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		comments, _ := cmd.Flags().GetString("comments")
		a, err := newClient().Review(context.Background(), args[0], handoff.ReviewRequest{
			Approved:      true,
			Reviewer:      actor,
			Comments:      comments,
			ApprovedFiles: args[1:],
		})
		if err != nil {
			fatal("approve failed: %v", err)
		}
		success("Approved %s", a.ID)
	},
}

var handoffRejectCmd = &cobra.Command{
	Use:   "reject <artifact-id> [comments...]",
	Short: "Reject an artifact",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newClient().Review(context.Background(), args[0], handoff.ReviewRequest{
			Approved: false,
			Reviewer: actor,
			Comments: strings.Join(args[1:], " "),
		})
		if err != nil {
			fatal("reject failed: %v", err)
		}
		failure("Rejected %s", a.ID)
	},
}

var handoffExecuteCmd = &cobra.Command{
	Use:   "execute <artifact-id>",
	Short: "Apply an approved artifact to the production tree",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("skip-approval")
		a, err := newClient().Execute(context.Background(), args[0], handoff.ExecuteOptions{SkipApprovalCheck: force})
		if err != nil {
			fatal("execute failed: %v", err)
		}
		success("Executed %s", a.ID)
		printArtifact(a)
	},
}

var handoffRollbackCmd = &cobra.Command{
	Use:   "rollback <artifact-id>",
	Short: "Restore the snapshot taken when an artifact was executed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newClient().Rollback(context.Background(), args[0])
		if err != nil {
			fatal("rollback failed: %v", err)
		}
		success("Rolled back %s to snapshot %s", a.ID, a.SnapshotID)
	},
}

func init() {
	handoffPrepareCmd.Flags().String("objective", "", "Override the artifact description")
	handoffListCmd.Flags().String("status", "", "Filter by status (pending, approved, rejected, executed, rolled_back)")
	handoffShowCmd.Flags().Bool("diff", false, "Print only the diff")
	handoffApproveCmd.Flags().String("comments", "", "Review comments")
	handoffExecuteCmd.Flags().Bool("skip-approval", false, "Execute a pending artifact without a review")

	handoffCmd.AddCommand(
		handoffPrepareCmd,
		handoffListCmd,
		handoffShowCmd,
		handoffApproveCmd,
		handoffRejectCmd,
		handoffExecuteCmd,
		handoffRollbackCmd,
	)
	rootCmd.AddCommand(handoffCmd)
}

func printArtifact(a *handoff.Artifact) {
	if jsonOutput {
		printJSON(a)
		return
	}
	fmt.Printf("  ID:         %s\n", a.ID)
	fmt.Printf("  Status:     %s\n", stateColor(string(a.Status)))
	fmt.Printf("  Task:       %s\n", a.TaskID)
	fmt.Printf("  Objective:  %s\n", a.Objective)
	for _, k := range sortedKeys(a.Metadata) {
		fmt.Printf("  %-11s %s\n", k+":", a.Metadata[k])
	}
	for _, s := range a.Stats {
		fmt.Printf("    %-40s +%d -%d\n", s.Path, s.Added, s.Deleted)
	}
	if a.Review != nil {
		fmt.Printf("  Review:     approved=%v by %s\n", a.Review.Approved, a.Review.Reviewer)
	}
	if res := a.ExecutionResult; res != nil {
		fmt.Printf("  Applied:    %s\n", strings.Join(res.AppliedFiles, ", "))
		if res.Error != "" {
			fmt.Printf("  Error:      %s (restored=%v)\n", res.Error, res.Restored)
		}
	}
	if a.SnapshotID != "" {
		fmt.Printf("  Snapshot:   %s\n", a.SnapshotID)
	}
}
