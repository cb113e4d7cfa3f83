package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/types"
)

var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Generate and review improvement hypotheses",
	Long: `Generate improvement hypotheses and run them as sandboxed experiments.

Low-risk hypotheses run as soon as the safety policy admits them. Riskier
ones wait for 'forge explore approve'. Experiments that produce a change
leave a pending handoff artifact for review.`,
}

var exploreTriggerCmd = &cobra.Command{
	Use:   "trigger <area>",
	Short: "Generate a hypothesis for an area",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("type")
		task, _ := cmd.Flags().GetString("task")
		h, err := newClient().Trigger(context.Background(), exploration.TriggerRequest{
			Area: args[0],
			Type: exploration.Type(kind),
			Task: task,
		})
		if err != nil {
			fatal("%v", err)
		}
		success("Created hypothesis %s", h.ID)
		printHypothesis(h)
	},
}

var exploreSubmitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit a hand-written hypothesis",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("type")
		area, _ := cmd.Flags().GetString("area")
		files, _ := cmd.Flags().GetStringSlice("file")
		impact, _ := cmd.Flags().GetString("impact")
		risk, _ := cmd.Flags().GetString("risk")
		h, err := newClient().Submit(context.Background(), api.SubmitRequest{
			Type:           exploration.Type(kind),
			Description:    strings.Join(args, " "),
			TargetArea:     area,
			TargetFiles:    files,
			ExpectedImpact: impact,
			SafetyRisk:     types.RiskLevel(strings.ToUpper(risk)),
		})
		if err != nil {
			fatal("%v", err)
		}
		success("Submitted hypothesis %s", h.ID)
		printHypothesis(h)
	},
}

var exploreListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hypotheses",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		hyps, err := newClient().Hypotheses(context.Background(), exploration.Status(status))
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(hyps)
			return
		}
		if len(hyps) == 0 {
			fmt.Println("No hypotheses")
			return
		}
		for _, h := range hyps {
			approved := " "
			if h.Approved {
				approved = "✓"
			}
			fmt.Printf("  %s %s  %-10s %-6s %-11s %s\n", approved, h.ID, stateColor(string(h.Status)),
				riskColor(h.SafetyRisk), h.Type, h.Description)
		}
	},
}

var exploreShowCmd = &cobra.Command{
	Use:   "show <hypothesis-id>",
	Short: "Show a hypothesis",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		h, err := newClient().Hypothesis(context.Background(), args[0])
		if err != nil {
			fatal("%v", err)
		}
		printHypothesis(h)
	},
}

// decisionCmd builds approve and reject for hypotheses or experiment
// artifacts.
func decisionCmd(use, short string, approve, artifact bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			req := api.DecisionRequest{Reviewer: actor, Reason: strings.Join(args[1:], " ")}
			var id string
			if artifact {
				a, err := newClient().DecideExperimentArtifact(ctx, args[0], approve, req)
				if err != nil {
					fatal("%v", err)
				}
				id = a.ID
			} else {
				h, err := newClient().DecideHypothesis(ctx, args[0], approve, req)
				if err != nil {
					fatal("%v", err)
				}
				id = h.ID
			}
			if approve {
				success("Approved %s", id)
			} else {
				failure("Rejected %s", id)
			}
		},
	}
}

var exploreRunsCmd = &cobra.Command{
	Use:   "runs [hypothesis-id]",
	Short: "Show recorded experiment runs",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		hypothesisID := ""
		if len(args) == 1 {
			hypothesisID = args[0]
		}
		runs, err := newClient().Runs(context.Background(), hypothesisID, limit)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(runs)
			return
		}
		if len(runs) == 0 {
			fmt.Println("No experiment runs")
			return
		}
		for _, r := range runs {
			fmt.Printf("  %s  %s  %-10s %.2f  %6dms  %s\n", r.StartedAt.Format("2006-01-02 15:04:05"),
				r.HypothesisID, stateColor(r.Status), r.Confidence, r.DurationMs, r.Findings)
		}
	},
}

func init() {
	exploreTriggerCmd.Flags().String("type", "", "Hypothesis type (performance, reliability, refactor, coverage, security)")
	exploreTriggerCmd.Flags().String("task", "", "Task description to steer the generator")

	exploreSubmitCmd.Flags().String("type", "refactor", "Hypothesis type")
	exploreSubmitCmd.Flags().String("area", "", "Target area (required)")
	exploreSubmitCmd.Flags().StringSliceP("file", "f", nil, "Target file (repeatable)")
	exploreSubmitCmd.Flags().String("impact", "", "Expected impact")
	exploreSubmitCmd.Flags().String("risk", "", "Safety risk (LOW, MEDIUM, HIGH)")
	_ = exploreSubmitCmd.MarkFlagRequired("area")

	exploreListCmd.Flags().String("status", "", "Filter by status (pending, testing, validated, rejected)")
	exploreRunsCmd.Flags().Int("limit", 50, "Maximum runs to show")

	exploreCmd.AddCommand(
		exploreTriggerCmd,
		exploreSubmitCmd,
		exploreListCmd,
		exploreShowCmd,
		decisionCmd("approve <hypothesis-id>", "Approve a hypothesis for experimentation", true, false),
		decisionCmd("reject <hypothesis-id> [reason...]", "Reject a hypothesis", false, false),
		decisionCmd("approve-artifact <artifact-id>", "Approve the artifact an experiment produced", true, true),
		decisionCmd("reject-artifact <artifact-id> [reason...]", "Reject the artifact an experiment produced", false, true),
		exploreRunsCmd,
	)
	rootCmd.AddCommand(exploreCmd)
}

func printHypothesis(h *exploration.Hypothesis) {
	if jsonOutput {
		printJSON(h)
		return
	}
	fmt.Printf("  ID:           %s\n", h.ID)
	fmt.Printf("  Type:         %s\n", h.Type)
	fmt.Printf("  Status:       %s\n", stateColor(string(h.Status)))
	fmt.Printf("  Risk:         %s\n", riskColor(h.SafetyRisk))
	fmt.Printf("  Area:         %s\n", h.TargetArea)
	fmt.Printf("  Description:  %s\n", h.Description)
	if h.ExpectedImpact != "" {
		fmt.Printf("  Impact:       %s\n", h.ExpectedImpact)
	}
	if len(h.TargetFiles) > 0 {
		fmt.Printf("  Files:        %s\n", strings.Join(h.TargetFiles, ", "))
	}
	if h.Approved {
		fmt.Printf("  Approved by:  %s\n", h.ApprovedBy)
	}
	if h.Results != nil {
		fmt.Printf("  Confidence:   %.2f\n", h.Results.Confidence)
		fmt.Printf("  Findings:     %s\n", h.Results.Findings)
	}
	if h.LastError != "" {
		fmt.Printf("  Last error:   %s\n", h.LastError)
	}
}
