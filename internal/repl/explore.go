package repl

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/exploration"
)

func (r *REPL) cmdHypotheses(args []string) error {
	status := exploration.StatusPending
	if len(args) > 0 {
		status = exploration.Status(args[0])
	}

	hyps, err := r.client.Hypotheses(r.ctx, status)
	if err != nil {
		return fmt.Errorf("failed to list hypotheses: %w", err)
	}
	if len(hyps) == 0 {
		fmt.Fprintf(r.out, "No %s hypotheses\n", status)
		return nil
	}

	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, h := range hyps {
		mark := color.YellowString("awaiting approval")
		if h.Approved {
			mark = color.GreenString("approved by %s", h.ApprovedBy)
		}
		fmt.Fprintf(r.out, "  %s  %-6s %-11s %s %s\n",
			h.ID, riskColor(string(h.SafetyRisk)), h.Type, h.Description, gray("["+h.TargetArea+"]"))
		fmt.Fprintf(r.out, "      %s\n", mark)
		if h.Results != nil {
			fmt.Fprintf(r.out, "      confidence %.2f: %s\n", h.Results.Confidence, h.Results.Findings)
		}
	}
	return nil
}

func (r *REPL) cmdApproveExperiment(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: approve-exp <id>")
	}
	h, err := r.client.DecideHypothesis(r.ctx, args[0], true, api.DecisionRequest{Reviewer: r.actor})
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "%s Approved hypothesis %s\n", green("✓"), h.ID)
	return nil
}

func (r *REPL) cmdRejectExperiment(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: reject-exp <id> [reason]")
	}
	h, err := r.client.DecideHypothesis(r.ctx, args[0], false, api.DecisionRequest{
		Reviewer: r.actor,
		Reason:   strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(r.out, "%s Rejected hypothesis %s\n", red("✗"), h.ID)
	return nil
}

func riskColor(risk string) string {
	switch risk {
	case "LOW":
		return color.New(color.FgGreen).Sprint(risk)
	case "HIGH":
		return color.New(color.FgRed).Sprint(risk)
	}
	return color.New(color.FgYellow).Sprint(risk)
}
