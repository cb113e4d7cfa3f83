package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/forge/internal/control"
)

var (
	configPath string
	serverAddr string
	actor      string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Sandboxed self-modification with review, rollback and a circuit breaker",
	Long: `forge runs proposed code changes through an isolated sandbox, iterates on
them until they type-check and pass tests, and hands the result to a human
reviewer before anything touches the production tree.

Start the server with 'forge serve'. Every other command talks to a running
server over HTTP (see --server).`,
	SilenceUsage: true,
}

func init() {
	defaultServer := os.Getenv("FORGE_SERVER")
	if defaultServer == "" {
		defaultServer = "127.0.0.1:7420"
	}
	defaultActor := os.Getenv("FORGE_ACTOR")
	if defaultActor == "" {
		defaultActor = os.Getenv("USER")
	}
	if defaultActor == "" {
		defaultActor = "cli"
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./forge.yaml)")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", defaultServer, "forge server address (env: FORGE_SERVER)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor, "Actor recorded in the audit ledger (env: FORGE_ACTOR)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON instead of formatted output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newClient returns an API client for --server acting as --actor.
func newClient() *control.Client {
	c := control.NewClient(serverAddr)
	c.SetActor(actor)
	return c
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("failed to encode output: %v", err)
	}
}

func success(format string, args ...any) {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s %s\n", green("✓"), fmt.Sprintf(format, args...))
}

func failure(format string, args ...any) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Printf("%s %s\n", red("✗"), fmt.Sprintf(format, args...))
}

func header(title string) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan(title))
}

// stateColor colors a lifecycle state by whether it is good, bad or in
// between.
func stateColor(state string) string {
	switch state {
	case "closed", "running", "succeeded", "approved", "executed", "validated", "success":
		return color.New(color.FgGreen).Sprint(state)
	case "open", "failed", "rejected", "rolled_back", "failure":
		return color.New(color.FgRed).Sprint(state)
	}
	return color.New(color.FgYellow).Sprint(state)
}
