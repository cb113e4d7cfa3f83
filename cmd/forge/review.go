package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/forge/internal/repl"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Start the interactive review shell",
	Long: `Start an interactive shell for reviewing pending handoff artifacts and
hypotheses.

Type 'help' in the shell for available commands.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		if _, err := client.Health(context.Background()); err != nil {
			fatal("%v", err)
		}

		historyFile := ""
		if home, err := os.UserHomeDir(); err == nil {
			historyFile = filepath.Join(home, ".forge_history")
		}

		r, err := repl.New(&repl.Config{
			Client:      client,
			Actor:       actor,
			HistoryFile: historyFile,
		})
		if err != nil {
			fatal("failed to create review shell: %v", err)
		}
		if err := r.Run(context.Background()); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}
