package sandbox

import (
	"context"
	"time"
)

// Sandbox is an isolated, disposable execution environment mirroring the
// production working tree. There is one current sandbox per process.
//
// Start, Stop, Destroy, SyncFromHost, Exec and the other mutating calls are
// serialized against each other; ReadFile and Diff may run concurrently with
// other reads. Blocking calls honor a timeout and surface it as a typed
// Timeout error after killing the in-flight command.
type Sandbox interface {
	// Start provisions the sandbox, or resumes a stopped one. Calling Start
	// on a running sandbox is a no-op that returns the same id.
	Start(ctx context.Context) (Info, error)

	// Stop halts the environment but keeps its working copy.
	Stop(ctx context.Context) (Info, error)

	// Destroy irreversibly removes the environment and its working copy.
	Destroy(ctx context.Context) (Info, error)

	// Info returns the current sandbox state.
	Info() Info

	// SyncFromHost copies the host working tree (or the given paths) into
	// the sandbox. Host wins on conflict.
	SyncFromHost(ctx context.Context, paths []string) (*SyncResult, error)

	// Reset drops every change made in the sandbox, including commits and
	// untracked files, then syncs the whole host working tree.
	Reset(ctx context.Context) (*SyncResult, error)

	// Exec runs a shell command in the sandbox. A zero timeout uses the
	// configured default. A non-zero exit code is not an error.
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	// ReadFile reads a file relative to the sandbox root.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes a file relative to the sandbox root.
	WriteFile(ctx context.Context, path string, data []byte) error

	// RemoveFile deletes a file relative to the sandbox root.
	RemoveFile(ctx context.Context, path string) error

	// Commit records a local commit of all changes and returns its hash.
	Commit(ctx context.Context, message string) (string, error)

	// Diff returns uncommitted changes, optionally for one path.
	Diff(ctx context.Context, path string) (string, error)

	// RunTests runs the test command, optionally filtered by pattern.
	RunTests(ctx context.Context, pattern string) (*ValidationResult, error)

	// TypeCheck runs the type-check command.
	TypeCheck(ctx context.Context) (*ValidationResult, error)

	// StartServer runs the application inside the sandbox on an allocated port.
	StartServer(ctx context.Context) (Info, error)

	// StopServer stops the application started by StartServer.
	StopServer(ctx context.Context) (Info, error)
}

// State is the lifecycle state of a sandbox.
type State string

const (
	StateNone      State = "none" // never started
	StateStopped   State = "stopped"
	StateRunning   State = "running"
	StateDestroyed State = "destroyed"
)

// Info describes the current sandbox.
type Info struct {
	ID              string    `json:"id,omitempty"`
	State           State     `json:"state"`
	Runtime         string    `json:"runtime"`
	WorkDir         string    `json:"work_dir,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
	ExecutionCount  int       `json:"execution_count"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	ServerPort      int       `json:"server_port,omitempty"`
}

// ExecResult is the captured output of one command.
type ExecResult struct {
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// ValidationResult is the outcome of a test or type-check run.
type ValidationResult struct {
	Kind       string `json:"kind"` // "test" or "typecheck"
	Command    string `json:"command"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
}

// SyncResult reports what SyncFromHost or Reset changed.
type SyncResult struct {
	Copied  int      `json:"copied"`
	Removed []string `json:"removed,omitempty"`
}

// CommandRecord is one executed command, kept in the command history.
type CommandRecord struct {
	SandboxID  string    `json:"sandbox_id"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	TimedOut   bool      `json:"timed_out"`
	At         time.Time `json:"at"`
}

// HistoryRecorder persists executed commands.
type HistoryRecorder interface {
	RecordCommand(ctx context.Context, rec CommandRecord) error
}
