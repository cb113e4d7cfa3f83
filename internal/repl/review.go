package repl

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/forge/internal/handoff"
)

func (r *REPL) cmdPending(args []string) error {
	status := handoff.StatusPending
	if len(args) > 0 {
		status = handoff.Status(args[0])
		if !status.IsValid() {
			return fmt.Errorf("unknown status %q", args[0])
		}
	}

	artifacts, err := r.client.Artifacts(r.ctx, status)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	if len(artifacts) == 0 {
		fmt.Fprintf(r.out, "No %s artifacts\n", status)
		return nil
	}

	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, a := range artifacts {
		fmt.Fprintf(r.out, "  %s  %-12s %s %s\n",
			a.ID, stateColor(string(a.Status)), a.Objective,
			gray(fmt.Sprintf("(%d files)", len(a.Files))))
	}
	return nil
}

func (r *REPL) cmdShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: show <id>")
	}
	a, err := r.client.Artifact(r.ctx, args[0])
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n\n", cyan(a.ID))
	fmt.Fprintf(r.out, "  Status     %s\n", stateColor(string(a.Status)))
	fmt.Fprintf(r.out, "  Task       %s\n", a.TaskID)
	fmt.Fprintf(r.out, "  Objective  %s\n", a.Objective)
	fmt.Fprintf(r.out, "  Created    %s\n", a.CreatedAt.Format("2006-01-02 15:04:05"))
	if a.SnapshotID != "" {
		fmt.Fprintf(r.out, "  Snapshot   %s\n", a.SnapshotID)
	}

	fmt.Fprintf(r.out, "\n  Files:\n")
	for _, s := range a.Stats {
		fmt.Fprintf(r.out, "    %-40s %s %s\n", s.Path,
			color.GreenString("+%d", s.Added), color.RedString("-%d", s.Deleted))
	}
	if len(a.Stats) == 0 {
		for _, f := range a.Files {
			fmt.Fprintf(r.out, "    %s\n", f.Path)
		}
	}

	if rv := a.Review; rv != nil {
		verdict := color.RedString("rejected")
		if rv.Approved {
			verdict = color.GreenString("approved")
		}
		fmt.Fprintf(r.out, "\n  Review     %s by %s\n", verdict, rv.Reviewer)
		if rv.Comments != "" {
			fmt.Fprintf(r.out, "             %s\n", rv.Comments)
		}
		if len(rv.ApprovedFiles) > 0 {
			fmt.Fprintf(r.out, "             files: %s\n", strings.Join(rv.ApprovedFiles, ", "))
		}
	}
	if res := a.ExecutionResult; res != nil && !res.Success {
		fmt.Fprintf(r.out, "\n  %s %s\n", color.RedString("Execution failed:"), res.Error)
	}
	fmt.Fprintln(r.out)
	return nil
}

func (r *REPL) cmdDiff(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: diff <id>")
	}
	a, err := r.client.Artifact(r.ctx, args[0])
	if err != nil {
		return err
	}
	if a.Diff == "" {
		fmt.Fprintln(r.out, "(empty diff)")
		return nil
	}
	for _, line := range strings.Split(strings.TrimRight(a.Diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprintln(r.out, color.New(color.Bold).Sprint(line))
		case strings.HasPrefix(line, "+"):
			fmt.Fprintln(r.out, color.New(color.FgGreen).Sprint(line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprintln(r.out, color.New(color.FgRed).Sprint(line))
		case strings.HasPrefix(line, "@@"):
			fmt.Fprintln(r.out, color.New(color.FgCyan).Sprint(line))
		default:
			fmt.Fprintln(r.out, line)
		}
	}
	return nil
}

func (r *REPL) cmdApprove(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: approve <id> [files...]")
	}
	a, err := r.client.Review(r.ctx, args[0], handoff.ReviewRequest{
		Approved:      true,
		Reviewer:      r.actor,
		ApprovedFiles: args[1:],
	})
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "%s Approved %s\n", green("✓"), a.ID)
	return nil
}

func (r *REPL) cmdReject(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: reject <id> [comments]")
	}
	a, err := r.client.Review(r.ctx, args[0], handoff.ReviewRequest{
		Approved: false,
		Reviewer: r.actor,
		Comments: strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(r.out, "%s Rejected %s\n", red("✗"), a.ID)
	return nil
}

func (r *REPL) cmdExecute(args []string) error {
	var id string
	var opts handoff.ExecuteOptions
	for _, arg := range args {
		if arg == "--force" {
			opts.SkipApprovalCheck = true
			continue
		}
		if id == "" {
			id = arg
		}
	}
	if id == "" {
		return fmt.Errorf("usage: execute <id> [--force]")
	}

	a, err := r.client.Execute(r.ctx, id, opts)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	applied := 0
	if a.ExecutionResult != nil {
		applied = len(a.ExecutionResult.AppliedFiles)
	}
	fmt.Fprintf(r.out, "%s Executed %s (%d files, snapshot %s)\n", green("✓"), a.ID, applied, a.SnapshotID)
	return nil
}

func (r *REPL) cmdRollback(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: rollback <id>")
	}
	a, err := r.client.Rollback(r.ctx, args[0])
	if err != nil {
		return err
	}
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintf(r.out, "%s Rolled back %s to snapshot %s\n", yellow("↺"), a.ID, a.SnapshotID)
	return nil
}
