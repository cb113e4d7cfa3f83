package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/steveyegge/forge/internal/ai"
	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/config"
	"github.com/steveyegge/forge/internal/correlate"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/git"
	"github.com/steveyegge/forge/internal/handoff"
	"github.com/steveyegge/forge/internal/metrics"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/rollback"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/sandbox"
	"github.com/steveyegge/forge/internal/storage/sqlite"
	"github.com/steveyegge/forge/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the forge API server",
	Long: `Run the forge API server.

The server owns the sandbox, the reflection loop, the handoff protocol, the
exploration queue and the audit ledger. State lives under data_dir and
survives restarts: the ledger, snapshots, artifacts, hypotheses, policy
counters and the SQLite history.

Configuration is read from forge.yaml (or --config) and FORGE_* environment
variables.`,
	Run: func(cmd *cobra.Command, args []string) {
		logFormat, _ := cmd.Flags().GetString("log-format")
		logLevel, _ := cmd.Flags().GetString("log-level")
		listen, _ := cmd.Flags().GetString("listen")

		logger, err := newLogger(os.Stderr, logFormat, logLevel)
		if err != nil {
			fatal("%v", err)
		}
		slog.SetDefault(logger)

		cfg, err := config.Load(configPath)
		if err != nil {
			fatal("%v", err)
		}
		if listen != "" {
			cfg.Listen = listen
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx, cfg)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		if err := st.server.Start(cfg.Listen); err != nil {
			fatal("%v", err)
		}
		st.runBackground(ctx, cfg)

		success("forge listening on %s", st.server.Addr())
		fmt.Printf("  Repo:     %s\n", cfg.RepoRoot)
		fmt.Printf("  Data:     %s\n", cfg.DataDir)
		fmt.Printf("  Sandbox:  %s\n", cfg.Sandbox.Runtime)
		fmt.Printf("  AI:       %v\n", cfg.AI.Enabled)

		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.server.Stop(shutdownCtx); err != nil {
			slog.Error("api server shutdown failed", "error", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("log-format", "text", "Log format: text or json")
	serveCmd.Flags().String("log-level", "info", "Log level: debug, info, warn or error")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// stack is every long-lived component of a running server.
type stack struct {
	ledger    *audit.Ledger
	breaker   *safety.CircuitBreaker
	gate      *safety.Gate
	sandbox   *sandbox.Manager
	db        *sqlite.Store
	snapshots *rollback.Store
	protocol  *handoff.Protocol
	loop      *reflection.Loop
	results   *correlate.Broker[*reflection.Task]
	queue     *exploration.Queue
	server    *api.Server
}

// buildStack wires the components described by cfg. Callers must Close
// the result.
func buildStack(ctx context.Context, cfg *config.Config) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	st.ledger, err = audit.Open(cfg.Path("audit.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit ledger: %w", err)
	}
	st.ledger.OnRecord = func(e audit.Entry) {
		metrics.RecordAuditEntry(string(e.RiskLevel))
	}

	st.breaker = safety.NewCircuitBreaker(cfg.BreakerConfig(), st.ledger)
	st.breaker.OnStateChange = func(s safety.State) {
		metrics.SetCircuitState(string(s))
	}
	metrics.SetCircuitState(string(st.breaker.State()))
	st.gate = safety.NewGate(st.breaker, safety.NewPolicy(cfg.PolicyConfig()))

	st.db, err = sqlite.New(ctx, cfg.Path("forge.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	g, err := git.NewGit(ctx)
	if err != nil {
		return nil, err
	}
	runtime, err := newRuntime(cfg)
	if err != nil {
		return nil, err
	}
	commands, err := cfg.Commands()
	if err != nil {
		return nil, err
	}
	st.sandbox, err = sandbox.NewManager(sandbox.Config{
		RepoRoot:       cfg.RepoRoot,
		SandboxRoot:    cfg.SandboxRoot(),
		Exclude:        []string{cfg.DataDir},
		Runtime:        runtime,
		Git:            g,
		Commands:       commands,
		ExecTimeout:    time.Duration(cfg.Sandbox.ExecTimeout),
		DeniedCommands: cfg.Sandbox.DeniedCommands,
		ProtectedPaths: cfg.ProtectedPaths,
		History:        st.db,
		Audit:          st.ledger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox manager: %w", err)
	}
	if _, err := st.sandbox.RemoveOrphans(ctx); err != nil {
		slog.Warn("orphaned sandbox sweep failed", "error", err)
	}

	st.snapshots, err = rollback.NewStore(cfg.RepoRoot, cfg.Path("snapshots"), g, st.ledger)
	if err != nil {
		return nil, err
	}

	var verify func(context.Context, string, []types.FileChange) error
	if cfg.VerifyCommand != "" {
		verify = verifyCommand(cfg.VerifyCommand)
	}
	st.protocol, err = handoff.New(handoff.Config{
		Dir:            cfg.Path("artifacts"),
		Snapshots:      st.snapshots,
		Audit:          st.ledger,
		Gate:           st.gate,
		ProtectedPaths: cfg.ProtectedPaths,
		Verify:         verify,
	})
	if err != nil {
		return nil, err
	}

	var refiner reflection.Refiner
	var generator exploration.Generator
	if cfg.AI.Enabled {
		client, err := ai.NewClient(ai.Config{APIKey: cfg.AI.APIKey, Model: cfg.AI.Model})
		if err != nil {
			return nil, fmt.Errorf("failed to create AI client: %w", err)
		}
		refiner = &ai.Refiner{Client: client}
		generator = &ai.Generator{Client: client}
	}

	st.results = correlate.NewBroker[*reflection.Task]()
	st.loop, err = reflection.NewLoop(reflection.Config{
		Sandbox:              st.sandbox,
		Gate:                 st.gate,
		Refiner:              refiner,
		DefaultMaxIterations: cfg.Reflection.MaxIterations,
		Promote:              st.protocol.Promote,
		Results:              st.results,
	})
	if err != nil {
		return nil, err
	}

	st.queue, err = exploration.NewQueue(exploration.Config{
		Dir:       cfg.Path("exploration"),
		Gate:      st.gate,
		Generator: generator,
		Experimenter: exploration.ReflectionExperimenter{
			Loop:          st.loop,
			MaxIterations: cfg.Reflection.MaxIterations,
		},
		Runs:               st.db,
		Audit:              st.ledger,
		Artifacts:          st.protocol,
		MaxConcurrent:      cfg.Exploration.MaxConcurrent,
		TriggerRate:        rate.Limit(cfg.Exploration.TriggerRate),
		TriggerBurst:       cfg.Exploration.TriggerBurst,
		AutoApproveMaxRisk: cfg.Exploration.AutoApproveMaxRisk,
		MinConfidence:      cfg.Exploration.MinConfidence,

		// The static refiner only replays supplied changes
		ManualApproval: refiner == nil,
	})
	if err != nil {
		return nil, err
	}

	st.server, err = api.NewServer(api.Deps{
		Sandbox:     st.sandbox,
		History:     st.db,
		Loop:        st.loop,
		Results:     st.results,
		Handoff:     st.protocol,
		Queue:       st.queue,
		Ledger:      st.ledger,
		Snapshots:   st.snapshots,
		Gate:        st.gate,
		WaitTimeout: time.Duration(cfg.Reflection.WaitTimeout),
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// runBackground starts the sandbox reaper and the exploration sweeper.
// Both stop when ctx is cancelled.
func (st *stack) runBackground(ctx context.Context, cfg *config.Config) {
	interval := time.Duration(cfg.Sandbox.MaxIdle) / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	reaper := sandbox.NewReaper(st.sandbox, time.Duration(cfg.Sandbox.MaxAge), time.Duration(cfg.Sandbox.MaxIdle), interval)
	go reaper.Run(ctx)

	if sweep := time.Duration(cfg.Exploration.SweepInterval); sweep > 0 {
		go st.queue.Run(ctx, sweep)
	}
}

// Close releases components in reverse construction order. It tolerates a
// partially built stack.
func (st *stack) Close() {
	if st.queue != nil {
		st.queue.Close()
	}
	if st.loop != nil {
		st.loop.Close()
	}
	if st.results != nil {
		st.results.Close()
	}
	if st.db != nil {
		if err := st.db.Close(); err != nil {
			slog.Warn("failed to close database", "error", err)
		}
	}
	if st.ledger != nil {
		if err := st.ledger.Close(); err != nil {
			slog.Warn("failed to close audit ledger", "error", err)
		}
	}
}

func newRuntime(cfg *config.Config) (sandbox.Runtime, error) {
	switch cfg.Sandbox.Runtime {
	case "docker":
		return sandbox.NewDockerRuntime(cfg.Sandbox.Image, cfg.Sandbox.Network)
	case "host", "":
		return sandbox.HostRuntime{}, nil
	}
	return nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Sandbox.Runtime)
}

// verifyCommand runs command in the production tree after a handoff
// writes its files. A non-zero exit fails the execute.
func verifyCommand(command string) func(context.Context, string, []types.FileChange) error {
	return func(ctx context.Context, root string, files []types.FileChange) error {
		cmd := sandbox.HostRuntime{}.Command(ctx, "", root, command, 0, nil)
		out, err := cmd.CombinedOutput()
		if err == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited %d: %s", command, exitErr.ExitCode(), tail(string(out), 2000))
		}
		return fmt.Errorf("%s: %w", command, err)
	}
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
