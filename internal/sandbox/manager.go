package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/git"
	"github.com/steveyegge/forge/internal/metrics"
	"github.com/steveyegge/forge/internal/types"
)

// Config holds configuration for the sandbox manager
type Config struct {
	// RepoRoot is the host working tree the sandbox mirrors
	RepoRoot string

	// SandboxRoot is the directory where sandbox working copies are created
	SandboxRoot string

	// Exclude lists host directories never synced into the sandbox, such as
	// the data dir. SandboxRoot always is.
	Exclude []string

	// Runtime executes commands (DockerRuntime or HostRuntime)
	Runtime Runtime

	// Git is used for worktrees, diffs and commits
	Git *git.Git

	// Commands are the validation and server commands
	Commands Commands

	// ExecTimeout is the default timeout for Exec (default: 2m)
	ExecTimeout time.Duration

	// ValidationTimeout bounds RunTests and TypeCheck (default: 10m)
	ValidationTimeout time.Duration

	// ServerReadyTimeout is how long StartServer waits for the port to
	// accept connections. Zero skips the readiness check.
	ServerReadyTimeout time.Duration

	// DeniedCommands extends the built-in command deny list
	DeniedCommands []string

	// ProtectedPaths may not be written or removed (".git" always is)
	ProtectedPaths []string

	// MaxOutputBytes caps captured stdout/stderr per stream (default: 1MB)
	MaxOutputBytes int

	// History records executed commands (optional)
	History HistoryRecorder

	// Audit records sandbox destruction (optional)
	Audit audit.Recorder
}

// Manager is the worktree-backed Sandbox. The working copy is a detached git
// worktree of RepoRoot; commands run through the configured Runtime.
type Manager struct {
	cfg    Config
	mu     sync.RWMutex
	diffMu sync.Mutex // git index updates made by Diff
	info   Info

	// excludes are host-relative, slash-separated dir prefixes
	excludes []string
	server *serverProc

	// Now is the manager clock (overridable in tests)
	Now func() time.Time
}

var _ Sandbox = (*Manager)(nil)

// NewManager creates a sandbox manager with the provided configuration
func NewManager(cfg Config) (*Manager, error) {
	// Validate configuration
	if cfg.SandboxRoot == "" {
		return nil, fmt.Errorf("SandboxRoot cannot be empty")
	}
	if cfg.RepoRoot == "" {
		return nil, fmt.Errorf("RepoRoot cannot be empty")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("Runtime cannot be nil")
	}
	if cfg.Git == nil {
		return nil, fmt.Errorf("Git cannot be nil")
	}

	// Validate parent repo is a git repository
	if err := validateGitRepo(cfg.RepoRoot); err != nil {
		return nil, fmt.Errorf("invalid repo root: %w", err)
	}

	// Create sandbox root directory if it doesn't exist
	if err := os.MkdirAll(cfg.SandboxRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 2 * time.Minute
	}
	if cfg.ValidationTimeout == 0 {
		cfg.ValidationTimeout = 10 * time.Minute
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 1 << 20
	}

	return &Manager{
		cfg:      cfg,
		info:     Info{State: StateNone, Runtime: cfg.Runtime.Name()},
		excludes: excludedPrefixes(cfg.RepoRoot, append([]string{cfg.SandboxRoot}, cfg.Exclude...)),
		Now:      time.Now,
	}, nil
}

// Info returns the current sandbox state.
func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// Start provisions a new sandbox, or resumes a stopped one. It is idempotent
// while running.
func (m *Manager) Start(ctx context.Context) (Info, error) {
	const op = "sandbox.start"
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.info.State {
	case StateRunning:
		return m.info, nil

	case StateStopped:
		if err := m.cfg.Runtime.Start(ctx, m.info.ID); err != nil {
			return m.info, types.Wrap(types.KindSandboxFailure, op, err)
		}
		m.info.State = StateRunning
		m.info.LastUsedAt = m.Now()
		slog.Info("sandbox resumed", "sandbox_id", m.info.ID)
		return m.info, nil
	}

	id := idPrefix + uuid.New().String()[:8]
	workDir, err := createWorktree(ctx, m.cfg.Git, m.cfg.RepoRoot, filepath.Join(m.cfg.SandboxRoot, id))
	if err != nil {
		return m.info, types.Wrap(types.KindSandboxFailure, op, fmt.Errorf("failed to create worktree: %w", err))
	}
	if err := m.cfg.Runtime.Create(ctx, id, workDir); err != nil {
		_ = m.cfg.Git.RemoveWorktree(ctx, m.cfg.RepoRoot, workDir) // Best-effort cleanup
		return m.info, types.Wrap(types.KindSandboxFailure, op, err)
	}

	now := m.Now()
	m.info = Info{
		ID:         id,
		State:      StateRunning,
		Runtime:    m.cfg.Runtime.Name(),
		WorkDir:    workDir,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	slog.Info("sandbox created", "sandbox_id", id, "runtime", m.info.Runtime, "work_dir", workDir)
	return m.info, nil
}

// Stop halts the sandbox, keeping its working copy.
func (m *Manager) Stop(ctx context.Context) (Info, error) {
	const op = "sandbox.stop"
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.info.State {
	case StateStopped:
		return m.info, nil
	case StateNone, StateDestroyed:
		return m.info, types.Errorf(types.KindStateConflict, op, "no sandbox to stop (state %s)", m.info.State)
	}

	m.stopServerLocked(ctx)
	if err := m.cfg.Runtime.Stop(ctx, m.info.ID); err != nil {
		return m.info, types.Wrap(types.KindSandboxFailure, op, err)
	}
	m.info.State = StateStopped
	slog.Info("sandbox stopped", "sandbox_id", m.info.ID)
	return m.info, nil
}

// Destroy removes the sandbox environment and working copy.
func (m *Manager) Destroy(ctx context.Context) (Info, error) {
	const op = "sandbox.destroy"
	start := time.Now()
	m.mu.Lock()

	if m.info.State == StateNone || m.info.State == StateDestroyed {
		info := m.info
		m.mu.Unlock()
		return info, types.Errorf(types.KindStateConflict, op, "no sandbox to destroy (state %s)", info.State)
	}

	m.stopServerLocked(ctx)
	var errs []error
	if err := m.cfg.Runtime.Remove(ctx, m.info.ID); err != nil {
		errs = append(errs, err)
	}
	if err := m.cfg.Git.RemoveWorktree(ctx, m.cfg.RepoRoot, m.info.WorkDir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove worktree: %w", err))
	}
	m.info.State = StateDestroyed
	m.info.ServerPort = 0
	info := m.info
	m.mu.Unlock()

	err := types.Wrap(types.KindSandboxFailure, op, errors.Join(errs...))
	slog.Info("sandbox destroyed", "sandbox_id", info.ID, "error", err)

	if m.cfg.Audit != nil {
		entry := audit.NewEntry(audit.ActorFrom(ctx, "system"), audit.ActionSandboxDestroy, "destroy sandbox "+info.ID, audit.OutcomeOf(err), types.RiskMedium).
			With("sandbox_id", info.ID)
		entry.DurationMs = time.Since(start).Milliseconds()
		if _, aerr := m.cfg.Audit.Record(ctx, entry); aerr != nil {
			slog.Warn("failed to audit sandbox destroy", "sandbox_id", info.ID, "error", aerr)
		}
	}
	return info, err
}

// Exec runs a shell command inside the running sandbox.
func (m *Manager) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunningLocked("sandbox.exec"); err != nil {
		return nil, err
	}
	return m.execLocked(ctx, command, timeout)
}

// execLocked runs command with a hard timeout. On timeout the command's
// whole process group is killed and a Timeout error is returned.
func (m *Manager) execLocked(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	const op = "sandbox.exec"
	if strings.TrimSpace(command) == "" {
		return nil, types.Errorf(types.KindValidation, op, "command is required")
	}
	if deny, blocked := BlockedCommand(command, m.cfg.DeniedCommands); blocked {
		return nil, types.Errorf(types.KindAccessDenied, op, "command denied (matches %q)", deny)
	}
	if timeout <= 0 {
		timeout = m.cfg.ExecTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := m.cfg.Runtime.Command(execCtx, m.info.ID, m.info.WorkDir, command, timeout, nil)
	stdout := &cappedBuffer{max: m.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: m.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	m.info.ExecutionCount++
	m.info.TotalDurationMs += duration.Milliseconds()
	m.info.LastUsedAt = m.Now()

	res := &ExecResult{
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	var exitErr *exec.ExitError
	outcome := "ok"
	switch {
	case timedOut:
		res.ExitCode = -1
		outcome = "timeout"
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		outcome = "nonzero"
	default:
		res.ExitCode = -1
		outcome = "error"
	}
	metrics.ObserveSandboxExec(outcome, duration.Seconds())
	m.recordHistory(ctx, res, timedOut)

	switch {
	case timedOut:
		return res, types.Errorf(types.KindTimeout, op, "command timed out after %v: %s", timeout, command)
	case ctx.Err() != nil:
		return res, ctx.Err()
	case outcome == "error":
		return res, types.Wrap(types.KindSandboxFailure, op, err)
	}
	return res, nil
}

func (m *Manager) recordHistory(ctx context.Context, res *ExecResult, timedOut bool) {
	if m.cfg.History == nil {
		return
	}
	rec := CommandRecord{
		SandboxID:  m.info.ID,
		Command:    res.Command,
		ExitCode:   res.ExitCode,
		DurationMs: res.DurationMs,
		TimedOut:   timedOut,
		At:         m.Now().UTC(),
	}
	if err := m.cfg.History.RecordCommand(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("failed to record command history", "sandbox_id", m.info.ID, "error", err)
	}
}

// RunTests runs the test command, optionally filtered by pattern.
func (m *Manager) RunTests(ctx context.Context, pattern string) (*ValidationResult, error) {
	return m.validate(ctx, "test", m.cfg.Commands.testCommand(pattern))
}

// TypeCheck runs the type-check command.
func (m *Manager) TypeCheck(ctx context.Context) (*ValidationResult, error) {
	return m.validate(ctx, "typecheck", m.cfg.Commands.TypeCheck)
}

func (m *Manager) validate(ctx context.Context, kind, command string) (*ValidationResult, error) {
	op := "sandbox." + kind
	if command == "" {
		return nil, types.Errorf(types.KindValidation, op, "no %s command configured", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunningLocked(op); err != nil {
		return nil, err
	}

	res, err := m.execLocked(ctx, command, m.cfg.ValidationTimeout)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{
		Kind:       kind,
		Command:    command,
		Passed:     res.ExitCode == 0,
		ExitCode:   res.ExitCode,
		Output:     joinOutput(res.Stdout, res.Stderr),
		DurationMs: res.DurationMs,
	}, nil
}

// ReadFile reads a file relative to the sandbox root.
func (m *Manager) ReadFile(ctx context.Context, path string) ([]byte, error) {
	const op = "sandbox.read"
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireWorkCopyLocked(op); err != nil {
		return nil, err
	}
	_, abs, err := m.resolve(op, path, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.Errorf(types.KindNotFound, op, "file %s not found in sandbox", path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes a file relative to the sandbox root.
func (m *Manager) WriteFile(ctx context.Context, path string, data []byte) error {
	const op = "sandbox.write"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireWorkCopyLocked(op); err != nil {
		return err
	}
	_, abs, err := m.resolve(op, path, true)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	m.info.LastUsedAt = m.Now()
	return nil
}

// RemoveFile deletes a file relative to the sandbox root. Removing a missing
// file is not an error.
func (m *Manager) RemoveFile(ctx context.Context, path string) error {
	const op = "sandbox.remove"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireWorkCopyLocked(op); err != nil {
		return err
	}
	_, abs, err := m.resolve(op, path, true)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	m.info.LastUsedAt = m.Now()
	return nil
}

// Commit creates a local commit of all sandbox changes.
func (m *Manager) Commit(ctx context.Context, message string) (string, error) {
	const op = "sandbox.commit"
	if strings.TrimSpace(message) == "" {
		return "", types.Errorf(types.KindValidation, op, "commit message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireWorkCopyLocked(op); err != nil {
		return "", err
	}

	status, err := m.cfg.Git.GetStatus(ctx, m.info.WorkDir)
	if err != nil {
		return "", types.Wrap(types.KindSandboxFailure, op, err)
	}
	if !status.HasChanges {
		return "", types.Errorf(types.KindStateConflict, op, "nothing to commit")
	}
	ref, err := m.cfg.Git.CommitAll(ctx, m.info.WorkDir, git.CommitOptions{Message: message})
	if err != nil {
		return "", types.Wrap(types.KindSandboxFailure, op, err)
	}
	m.info.LastUsedAt = m.Now()
	slog.Info("sandbox commit", "sandbox_id", m.info.ID, "ref", ref, "files", len(status.Paths))
	return ref, nil
}

// Diff returns uncommitted changes, optionally restricted to one path.
func (m *Manager) Diff(ctx context.Context, path string) (string, error) {
	const op = "sandbox.diff"
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireWorkCopyLocked(op); err != nil {
		return "", err
	}

	var paths []string
	if path != "" {
		rel, _, err := m.resolve(op, path, false)
		if err != nil {
			return "", err
		}
		paths = append(paths, rel)
	}

	m.diffMu.Lock()
	defer m.diffMu.Unlock()
	diff, err := m.cfg.Git.Diff(ctx, m.info.WorkDir, paths...)
	if err != nil {
		return "", types.Wrap(types.KindSandboxFailure, op, err)
	}
	return diff, nil
}

// resolve validates path and returns its cleaned relative form and absolute
// location in the working copy. Writes to protected paths are denied, as
// is anything that escapes the working copy through a symlink.
func (m *Manager) resolve(op, path string, forWrite bool) (string, string, error) {
	rel, err := types.CleanRelPath(op, path)
	if err != nil {
		return "", "", err
	}
	if forWrite && types.IsProtectedPath(rel, m.cfg.ProtectedPaths) {
		return "", "", types.Errorf(types.KindAccessDenied, op, "path is protected: %s", rel)
	}
	abs := filepath.Join(m.info.WorkDir, filepath.FromSlash(rel))
	if !insideRoot(m.info.WorkDir, abs) {
		return "", "", types.Errorf(types.KindAccessDenied, op, "path escapes sandbox: %s", rel)
	}
	return rel, abs, nil
}

// insideRoot resolves symlinks on the longest existing prefix of abs and
// reports whether the result is still under root.
func insideRoot(root, abs string) bool {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	existing := abs
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return false
		}
		existing = parent
	}
	realPath, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return false
	}
	return realPath == realRoot || strings.HasPrefix(realPath, realRoot+string(filepath.Separator))
}

func (m *Manager) requireRunningLocked(op string) error {
	if m.info.State != StateRunning {
		return types.Errorf(types.KindStateConflict, op, "sandbox is not running (state %s)", m.info.State)
	}
	return nil
}

func (m *Manager) requireWorkCopyLocked(op string) error {
	if m.info.State != StateRunning && m.info.State != StateStopped {
		return types.Errorf(types.KindStateConflict, op, "no sandbox working copy (state %s)", m.info.State)
	}
	return nil
}

// cappedBuffer keeps at most max bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	}
	return strings.TrimRight(stdout, "\n") + "\n" + stderr
}
