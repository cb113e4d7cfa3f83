package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/types"
)

var reflectCmd = &cobra.Command{
	Use:   "reflect <objective>",
	Short: "Run a reflection task in the sandbox",
	Long: `Run a reflection task: propose a change to the target files, type-check
and test it in the sandbox, and feed failures back into the next proposal
until it passes or the iteration budget runs out.

A succeeded task is ready for 'forge handoff prepare'. With --auto-promote
the server prepares the handoff artifact itself.

Initial content for a target file can be given with --change path=file,
which reads the proposed content from a local file.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		files, _ := cmd.Flags().GetStringSlice("file")
		changeSpecs, _ := cmd.Flags().GetStringArray("change")
		taskContext, _ := cmd.Flags().GetString("context")
		maxIterations, _ := cmd.Flags().GetInt("max-iterations")
		autoPromote, _ := cmd.Flags().GetBool("auto-promote")
		async, _ := cmd.Flags().GetBool("async")
		follow, _ := cmd.Flags().GetBool("follow")

		changes, err := readChanges(changeSpecs)
		if err != nil {
			fatal("%v", err)
		}
		for _, ch := range changes {
			if !contains(files, ch.Path) {
				files = append(files, ch.Path)
			}
		}

		ctx := context.Background()
		client := newClient()
		task, done, err := client.Reflect(ctx, api.ExecuteRequest{
			Request: reflection.Request{
				Objective:     strings.Join(args, " "),
				TargetFiles:   files,
				Context:       taskContext,
				Changes:       changes,
				MaxIterations: maxIterations,
				AutoPromote:   autoPromote,
			},
			Async: async,
		})
		if err != nil {
			fatal("%v", err)
		}

		if !done && follow {
			fmt.Printf("Task %s is running; waiting...\n", task.ID)
			task, err = client.WaitTask(ctx, task.ID, 2*time.Second)
			if err != nil {
				fatal("%v", err)
			}
		}
		printTask(task)
		if task.Status == reflection.StatusFailed {
			os.Exit(1)
		}
	},
}

var taskCmd = &cobra.Command{
	Use:   "task [id]",
	Short: "Show a reflection task, or list tasks",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		client := newClient()

		if len(args) == 0 {
			status, _ := cmd.Flags().GetString("status")
			tasks, err := client.Tasks(ctx, reflection.Status(status))
			if err != nil {
				fatal("%v", err)
			}
			if jsonOutput {
				printJSON(tasks)
				return
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks")
				return
			}
			for _, t := range tasks {
				fmt.Printf("  %s  %-10s %d/%d  %s\n", t.ID, stateColor(string(t.Status)),
					t.CurrentIteration, t.MaxIterations, t.Objective)
			}
			return
		}

		showDiff, _ := cmd.Flags().GetBool("diff")
		if showDiff {
			d, err := client.TaskDiff(ctx, args[0])
			if err != nil {
				fatal("%v", err)
			}
			printDiff(d)
			return
		}
		task, err := client.Task(ctx, args[0])
		if err != nil {
			fatal("%v", err)
		}
		printTask(task)
	},
}

func init() {
	reflectCmd.Flags().StringSliceP("file", "f", nil, "Target file (repeatable)")
	reflectCmd.Flags().StringArray("change", nil, "Initial content as path=localfile (repeatable)")
	reflectCmd.Flags().String("context", "", "Extra context for the refiner")
	reflectCmd.Flags().IntP("max-iterations", "n", 0, "Iteration budget (default: server setting)")
	reflectCmd.Flags().Bool("auto-promote", false, "Prepare a handoff artifact when the task succeeds")
	reflectCmd.Flags().Bool("async", false, "Return as soon as the task is registered")
	reflectCmd.Flags().Bool("follow", true, "Poll until the task finishes if the server stops waiting")
	rootCmd.AddCommand(reflectCmd)

	taskCmd.Flags().String("status", "", "Filter the list by status (pending, running, succeeded, failed)")
	taskCmd.Flags().Bool("diff", false, "Print the task's diff")
	rootCmd.AddCommand(taskCmd)
}

// readChanges parses path=localfile pairs into file changes.
func readChanges(pairs []string) ([]types.FileChange, error) {
	var changes []types.FileChange
	for _, pair := range pairs {
		path, local, ok := strings.Cut(pair, "=")
		if !ok || path == "" || local == "" {
			return nil, fmt.Errorf("invalid --change %q (want path=localfile)", pair)
		}
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", local, err)
		}
		changes = append(changes, types.FileChange{Path: path, Content: string(data)})
	}
	return changes, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func printTask(t *reflection.Task) {
	if jsonOutput {
		printJSON(t)
		return
	}

	header("Reflection Task " + t.ID)
	fmt.Printf("  Status:      %s\n", stateColor(string(t.Status)))
	fmt.Printf("  Objective:   %s\n", t.Objective)
	fmt.Printf("  Iterations:  %d/%d\n", t.CurrentIteration, t.MaxIterations)
	if len(t.TargetFiles) > 0 {
		fmt.Printf("  Files:       %s\n", strings.Join(t.TargetFiles, ", "))
	}

	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, it := range t.Iterations {
		mark := color.GreenString("✓")
		if it.Error != "" || (it.TypeCheck != nil && !it.TypeCheck.Passed) || (it.Tests != nil && !it.Tests.Passed) {
			mark = color.RedString("✗")
		}
		fmt.Printf("    %s #%d %s %s\n", mark, it.Number, it.Summary, gray(fmt.Sprintf("(%dms)", it.DurationMs)))
		if it.Error != "" {
			fmt.Printf("        %s\n", it.Error)
		}
	}

	if t.Error != "" {
		fmt.Printf("\n  %s %s\n", color.RedString("Error:"), t.Error)
	}
	if t.ReadyForPromotion {
		fmt.Println()
		success("Ready for promotion")
		if t.ArtifactID != "" {
			fmt.Printf("  Artifact: %s\n", t.ArtifactID)
		} else {
			fmt.Printf("  Next: forge handoff prepare %s\n", t.ID)
		}
	}
	fmt.Println()
}
