package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/types"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit ledger",
	Long: `Query the append-only audit ledger.

Examples:
  forge audit --since 24h --risk HIGH
  forge audit --action handoff_execute --outcome failure
  forge audit stats`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		f := audit.Filter{}
		f.Actor, _ = cmd.Flags().GetString("by")
		action, _ := cmd.Flags().GetString("action")
		outcome, _ := cmd.Flags().GetString("outcome")
		risk, _ := cmd.Flags().GetString("risk")
		since, _ := cmd.Flags().GetString("since")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		f.Offset, _ = cmd.Flags().GetInt("offset")
		f.ActionType = audit.ActionType(action)
		f.Outcome = types.Outcome(outcome)
		f.RiskLevel = types.RiskLevel(strings.ToUpper(risk))

		page, err := newClient().Audit(context.Background(), f, since)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(page)
			return
		}
		if len(page.Entries) == 0 {
			fmt.Println("No matching entries")
			return
		}
		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, e := range page.Entries {
			fmt.Printf("  %s  %-6s %-8s %-20s %s %s\n",
				gray(e.Timestamp.Format("2006-01-02 15:04:05")),
				riskColor(e.RiskLevel), stateColor(string(e.Outcome)),
				e.ActionType, e.Action, gray("("+e.Actor+")"))
		}
		fmt.Printf("\n%d of %d entries\n", len(page.Entries), page.Total)
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit totals by risk level and the actors seen",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := newClient().AuditStats(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(stats)
			return
		}
		header("Audit Ledger")
		fmt.Printf("  Total:   %d\n", stats.Total)
		for _, r := range []types.RiskLevel{types.RiskLow, types.RiskMedium, types.RiskHigh} {
			fmt.Printf("  %-8s %d\n", riskColor(r)+":", stats.ByRisk[r])
		}
		fmt.Printf("  Actors:  %s\n", strings.Join(stats.Actors, ", "))
		fmt.Println()
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots [id]",
	Short: "List snapshots, or show one",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		client := newClient()

		if len(args) == 1 {
			snap, err := client.Snapshot(ctx, args[0])
			if err != nil {
				fatal("%v", err)
			}
			if jsonOutput {
				printJSON(snap)
				return
			}
			header("Snapshot " + snap.ID)
			fmt.Printf("  Taken:        %s\n", snap.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Printf("  Description:  %s\n", snap.Description)
			if snap.SourceRef != "" {
				fmt.Printf("  Source ref:   %s\n", snap.SourceRef)
			}
			for _, f := range snap.Files {
				state := "existed"
				if !f.Existed {
					state = "absent"
				}
				fmt.Printf("    %-40s %s\n", f.Path, state)
			}
			fmt.Println()
			return
		}

		snaps, err := client.Snapshots(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(snaps)
			return
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots")
			return
		}
		for _, s := range snaps {
			fmt.Printf("  %s  %s  %2d files  %s\n", s.ID, s.Timestamp.Format("2006-01-02 15:04:05"), s.FileCount, s.Description)
		}
	},
}

var circuitCmd = &cobra.Command{
	Use:   "circuit",
	Short: "Show the circuit breaker and safety policy",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, err := newClient().Circuit(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(status)
			return
		}
		b := status.Breaker
		header("Circuit Breaker")
		fmt.Printf("  State:              %s\n", stateColor(string(b.State)))
		if b.TripReason != "" {
			fmt.Printf("  Trip reason:        %s\n", b.TripReason)
		}
		fmt.Printf("  Consecutive fails:  %d\n", b.FailureCount)
		fmt.Printf("  Error rate:         %.0f%% (%d samples)\n", b.ErrorRate*100, b.Samples)
		fmt.Printf("  Safety score:       %.2f\n", b.SafetyScore)
		fmt.Printf("  Active high-risk:   %d\n", b.ActiveHighRisk)

		p := status.Policy
		header("Safety Policy")
		fmt.Printf("  Experiments today:  %d/%d\n", p.ExperimentsToday, status.Limits.MaxExperimentsPerDay)
		fmt.Printf("  Cooldown:           %s\n", status.Limits.ExperimentCooldown)
		fmt.Printf("  High-risk actions:  %d/%d\n", p.ActiveHighRiskActions, status.Limits.MaxConcurrentHighRisk)
		if !p.LastExperimentTime.IsZero() {
			fmt.Printf("  Last experiment:    %s\n", p.LastExperimentTime.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	},
}

var circuitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close the circuit breaker manually",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, err := newClient().ResetCircuit(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		success("Circuit %s (reset by %s)", status.State, actor)
	},
}

func init() {
	auditCmd.Flags().String("by", "", "Filter by actor")
	auditCmd.Flags().String("action", "", "Filter by action type (e.g. handoff_execute)")
	auditCmd.Flags().String("outcome", "", "Filter by outcome (success, failure)")
	auditCmd.Flags().String("risk", "", "Filter by risk level (LOW, MEDIUM, HIGH)")
	auditCmd.Flags().String("since", "", "Only entries since an RFC 3339 time or a duration such as 24h")
	auditCmd.Flags().Int("limit", 50, "Maximum entries to show")
	auditCmd.Flags().Int("offset", 0, "Entries to skip")
	auditCmd.AddCommand(auditStatsCmd)
	rootCmd.AddCommand(auditCmd)

	rootCmd.AddCommand(snapshotsCmd)

	circuitCmd.AddCommand(circuitResetCmd)
	rootCmd.AddCommand(circuitCmd)
}

func riskColor(r types.RiskLevel) string {
	switch r {
	case types.RiskLow:
		return color.New(color.FgGreen).Sprint(r)
	case types.RiskHigh:
		return color.New(color.FgRed).Sprint(r)
	}
	return color.New(color.FgYellow).Sprint(r)
}

// sortedKeys is used for stable output of string-keyed maps.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
