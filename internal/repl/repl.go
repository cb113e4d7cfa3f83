// Package repl is the interactive review shell. Reviewers list pending
// handoff artifacts and hypotheses, read their diffs, and approve, reject,
// execute or roll them back against a running forge server.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/handoff"
)

// Client is the part of the forge API the shell uses. *control.Client
// implements it.
type Client interface {
	Artifacts(ctx context.Context, status handoff.Status) ([]*handoff.Artifact, error)
	Artifact(ctx context.Context, id string) (*handoff.Artifact, error)
	Review(ctx context.Context, id string, req handoff.ReviewRequest) (*handoff.Artifact, error)
	Execute(ctx context.Context, id string, opts handoff.ExecuteOptions) (*handoff.Artifact, error)
	Rollback(ctx context.Context, id string) (*handoff.Artifact, error)
	Hypotheses(ctx context.Context, status exploration.Status) ([]*exploration.Hypothesis, error)
	DecideHypothesis(ctx context.Context, id string, approve bool, req api.DecisionRequest) (*exploration.Hypothesis, error)
	Circuit(ctx context.Context) (*api.CircuitStatus, error)
}

// REPL represents the interactive shell
type REPL struct {
	client   Client
	rl       *readline.Instance
	ctx      context.Context
	actor    string
	out      io.Writer
	history  string
	commands map[string]CommandHandler
}

// CommandHandler handles a specific command
type CommandHandler func(args []string) error

// Config holds REPL configuration
type Config struct {
	Client Client
	Actor  string

	// Out receives command output (default: stdout)
	Out io.Writer

	// HistoryFile persists input history (optional)
	HistoryFile string
}

// errExit ends the loop
var errExit = errors.New("exit")

// New creates a new REPL instance
func New(cfg *Config) (*REPL, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}

	actor := cfg.Actor
	if actor == "" {
		actor = "reviewer"
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	r := &REPL{
		client:   cfg.Client,
		ctx:      context.Background(),
		actor:    actor,
		out:      out,
		history:  cfg.HistoryFile,
		commands: make(map[string]CommandHandler),
	}
	r.registerCommands()
	return r, nil
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.ctx = ctx

	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("forge> "),
		HistoryFile:       r.history,
		AutoComplete:      r.completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	r.rl = rl

	r.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			} else if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nGoodbye!")
				return nil
			}
			return err
		}

		if err := r.processInput(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(r.out, "%s %v\n", red("Error:"), err)
		}
	}
}

// processInput processes a single line of input
func (r *REPL) processInput(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	handler, ok := r.commands[parts[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", parts[0])
	}
	return handler(parts[1:])
}

// registerCommands registers all built-in commands
func (r *REPL) registerCommands() {
	r.commands["help"] = r.cmdHelp
	r.commands["?"] = r.cmdHelp
	r.commands["exit"] = r.cmdExit
	r.commands["quit"] = r.cmdExit

	r.commands["status"] = r.cmdStatus
	r.commands["pending"] = r.cmdPending
	r.commands["show"] = r.cmdShow
	r.commands["diff"] = r.cmdDiff
	r.commands["approve"] = r.cmdApprove
	r.commands["reject"] = r.cmdReject
	r.commands["execute"] = r.cmdExecute
	r.commands["rollback"] = r.cmdRollback

	r.commands["hypotheses"] = r.cmdHypotheses
	r.commands["approve-exp"] = r.cmdApproveExperiment
	r.commands["reject-exp"] = r.cmdRejectExperiment
}

func (r *REPL) completer() *readline.PrefixCompleter {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, name := range names {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func (r *REPL) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n", cyan("forge review shell"))
	fmt.Fprintf(r.out, "Reviewing as %s\n\n", r.actor)
	fmt.Fprintln(r.out, "Type 'help' for available commands, 'exit' to quit")
	fmt.Fprintln(r.out)
}

func (r *REPL) cmdHelp(args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Available Commands:"))

	commands := []struct {
		name string
		desc string
	}{
		{"status", "Circuit state and review queue sizes"},
		{"pending [status]", "List handoff artifacts (default: pending)"},
		{"show <id>", "Show an artifact"},
		{"diff <id>", "Print an artifact's diff"},
		{"approve <id> [files...]", "Approve an artifact, optionally only some files"},
		{"reject <id> [comments]", "Reject an artifact"},
		{"execute <id> [--force]", "Apply an approved artifact (--force skips review)"},
		{"rollback <id>", "Restore the snapshot taken before execute"},
		{"hypotheses [status]", "List hypotheses (default: pending)"},
		{"approve-exp <id>", "Approve a hypothesis for experimentation"},
		{"reject-exp <id> [reason]", "Reject a hypothesis"},
		{"help, ?", "Show this help message"},
		{"exit, quit", "Exit the shell"},
	}
	for _, cmd := range commands {
		fmt.Fprintf(r.out, "  %-26s %s\n", green(cmd.name), cmd.desc)
	}
	fmt.Fprintln(r.out)
	return nil
}

func (r *REPL) cmdExit(args []string) error {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s Goodbye!\n", green("✓"))
	return errExit
}

func (r *REPL) cmdStatus(args []string) error {
	circuit, err := r.client.Circuit(r.ctx)
	if err != nil {
		return fmt.Errorf("failed to get circuit status: %w", err)
	}
	artifacts, err := r.client.Artifacts(r.ctx, handoff.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	hyps, err := r.client.Hypotheses(r.ctx, exploration.StatusPending)
	if err != nil {
		// Exploration may be disabled on the server
		hyps = nil
	}
	awaiting := 0
	for _, h := range hyps {
		if !h.Approved {
			awaiting++
		}
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Review Status"))
	fmt.Fprintf(r.out, "  Circuit                %s\n", stateColor(string(circuit.Breaker.State)))
	fmt.Fprintf(r.out, "  Safety score           %.2f\n", circuit.Breaker.SafetyScore)
	fmt.Fprintf(r.out, "  Experiments today      %d/%d\n", circuit.Policy.ExperimentsToday, circuit.Limits.MaxExperimentsPerDay)
	fmt.Fprintf(r.out, "  Pending artifacts      %d\n", len(artifacts))
	fmt.Fprintf(r.out, "  Hypotheses to approve  %d\n", awaiting)
	fmt.Fprintln(r.out)
	return nil
}

func stateColor(state string) string {
	switch state {
	case "closed", "approved", "executed", "validated":
		return color.New(color.FgGreen).Sprint(state)
	case "open", "rejected", "rolled_back":
		return color.New(color.FgRed).Sprint(state)
	}
	return color.New(color.FgYellow).Sprint(state)
}
