package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/forge/internal/sandbox"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect and drive the sandbox",
	Long: `Inspect and drive the isolated sandbox the reflection loop works in.

The sandbox is a separate working copy of the repository. Nothing done here
touches the production tree.`,
}

var sandboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sandbox state",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info, err := newClient().SandboxInfo(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		printInfo(info)
	},
}

// sandboxLifecycleCmd builds start, stop and destroy.
func sandboxLifecycleCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info, err := newClient().SandboxAction(context.Background(), action)
			if err != nil {
				fatal("sandbox %s failed: %v", action, err)
			}
			success("Sandbox %s", info.State)
			printInfo(info)
		},
	}
}

var sandboxSyncCmd = &cobra.Command{
	Use:   "sync [paths...]",
	Short: "Copy files from the production tree into the sandbox",
	Run: func(cmd *cobra.Command, args []string) {
		res, err := newClient().SandboxSync(context.Background(), args)
		if err != nil {
			fatal("sync failed: %v", err)
		}
		success("Synced %d files", res.Copied)
		for _, p := range res.Removed {
			fmt.Printf("  removed %s\n", p)
		}
	},
}

var sandboxExecCmd = &cobra.Command{
	Use:   "exec <command...>",
	Short: "Run a shell command in the sandbox",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		res, err := newClient().SandboxExec(context.Background(), strings.Join(args, " "), timeout)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(res)
			return
		}
		fmt.Print(res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if res.ExitCode != 0 {
			os.Exit(res.ExitCode)
		}
	},
}

var sandboxDiffCmd = &cobra.Command{
	Use:   "diff [path]",
	Short: "Show uncommitted sandbox changes",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		d, err := newClient().SandboxDiff(context.Background(), path)
		if err != nil {
			fatal("%v", err)
		}
		printDiff(d)
	},
}

var sandboxCommitCmd = &cobra.Command{
	Use:   "commit <message>",
	Short: "Commit sandbox changes on the sandbox branch",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ref, err := newClient().SandboxCommit(context.Background(), strings.Join(args, " "))
		if err != nil {
			fatal("commit failed: %v", err)
		}
		success("Committed %s", ref)
	},
}

var sandboxTestCmd = &cobra.Command{
	Use:   "test [pattern]",
	Short: "Run the test command in the sandbox",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}
		runValidation("tests", pattern)
	},
}

var sandboxTypeCheckCmd = &cobra.Command{
	Use:   "typecheck",
	Short: "Run the type-check command in the sandbox",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runValidation("typecheck", "")
	},
}

var sandboxServerCmd = &cobra.Command{
	Use:       "server <start|stop>",
	Short:     "Start or stop the application server in the sandbox",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"start", "stop"},
	Run: func(cmd *cobra.Command, args []string) {
		info, err := newClient().SandboxServer(context.Background(), args[0])
		if err != nil {
			fatal("%v", err)
		}
		if info.ServerPort > 0 {
			success("Server listening on port %d", info.ServerPort)
			return
		}
		success("Server stopped")
	},
}

var sandboxHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently executed sandbox commands",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		h, err := newClient().SandboxHistory(context.Background(), limit)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(h)
			return
		}
		if len(h.Commands) == 0 {
			fmt.Println("No commands recorded")
			return
		}
		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, rec := range h.Commands {
			status := color.GreenString("%3d", rec.ExitCode)
			if rec.TimedOut {
				status = color.YellowString("T/O")
			} else if rec.ExitCode != 0 {
				status = color.RedString("%3d", rec.ExitCode)
			}
			fmt.Printf("  %s  %s  %s %s\n", gray(rec.At.Format("15:04:05")), status, rec.Command,
				gray(fmt.Sprintf("(%dms)", rec.DurationMs)))
		}
	},
}

func init() {
	sandboxExecCmd.Flags().Duration("timeout", 0, "Command timeout (default: server exec_timeout)")
	sandboxHistoryCmd.Flags().Int("limit", 50, "Number of commands to show")

	sandboxCmd.AddCommand(
		sandboxStatusCmd,
		sandboxLifecycleCmd("start", "Create or resume the sandbox"),
		sandboxLifecycleCmd("stop", "Stop the sandbox, keeping its working copy"),
		sandboxLifecycleCmd("destroy", "Remove the sandbox and its working copy"),
		sandboxSyncCmd,
		sandboxExecCmd,
		sandboxDiffCmd,
		sandboxCommitCmd,
		sandboxTestCmd,
		sandboxTypeCheckCmd,
		sandboxServerCmd,
		sandboxHistoryCmd,
	)
	rootCmd.AddCommand(sandboxCmd)
}

func runValidation(kind, pattern string) {
	res, err := newClient().SandboxValidate(context.Background(), kind, pattern)
	if err != nil {
		fatal("%v", err)
	}
	if jsonOutput {
		printJSON(res)
		return
	}
	elapsed := (time.Duration(res.DurationMs) * time.Millisecond).Round(time.Millisecond)
	if res.Passed {
		success("%s passed in %v", res.Command, elapsed)
		return
	}
	failure("%s failed (exit %d) in %v", res.Command, res.ExitCode, elapsed)
	fmt.Println(res.Output)
	os.Exit(1)
}

func printInfo(info *sandbox.Info) {
	if jsonOutput {
		printJSON(info)
		return
	}
	fmt.Printf("  State:      %s\n", stateColor(string(info.State)))
	if info.ID == "" {
		return
	}
	fmt.Printf("  ID:         %s\n", info.ID)
	fmt.Printf("  Runtime:    %s\n", info.Runtime)
	fmt.Printf("  Work dir:   %s\n", info.WorkDir)
	fmt.Printf("  Created:    %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Last used:  %s (%v ago)\n", info.LastUsedAt.Format("15:04:05"),
		time.Since(info.LastUsedAt).Round(time.Second))
	fmt.Printf("  Commands:   %d (%v total)\n", info.ExecutionCount,
		(time.Duration(info.TotalDurationMs) * time.Millisecond).Round(time.Millisecond))
	if info.ServerPort > 0 {
		fmt.Printf("  Server:     port %d\n", info.ServerPort)
	}
}

// printDiff writes a unified diff with added lines green and removed
// lines red.
func printDiff(d string) {
	if d == "" {
		fmt.Println("(no changes)")
		return
	}
	for _, line := range strings.Split(strings.TrimRight(d, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Println(color.New(color.Bold).Sprint(line))
		case strings.HasPrefix(line, "+"):
			fmt.Println(color.New(color.FgGreen).Sprint(line))
		case strings.HasPrefix(line, "-"):
			fmt.Println(color.New(color.FgRed).Sprint(line))
		case strings.HasPrefix(line, "@@"):
			fmt.Println(color.New(color.FgCyan).Sprint(line))
		default:
			fmt.Println(line)
		}
	}
}
