// Package reflection drives a single objective through the sandbox: apply a
// candidate change, type-check and test it, feed failures back to the
// refiner, and repeat until validation passes or the iteration budget runs
// out.
//
// The loop handles iteration mechanics (admission, sandbox lifecycle,
// iteration count, validation) while change generation is delegated to a
// pluggable Refiner.
//
// Example usage:
//
//	loop := reflection.NewLoop(reflection.Config{
//	    Sandbox: sb,
//	    Refiner: refiner,
//	    Gate:    gate,
//	})
//	task, err := loop.Execute(ctx, reflection.Request{
//	    Objective:     "fix failing test in module X",
//	    TargetFiles:   []string{"x/x.go"},
//	    MaxIterations: 3,
//	})
package reflection

import (
	"context"
	"time"

	"github.com/steveyegge/forge/internal/sandbox"
	"github.com/steveyegge/forge/internal/types"
)

// Status is the lifecycle state of a reflection task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the task can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Request describes one reflection task.
type Request struct {
	// ID is optional; callers that need the id before the task starts
	// (e.g. to await it through a correlation broker) may set it.
	ID          string   `json:"id,omitempty"`
	Objective   string   `json:"objective" binding:"required"`
	TargetFiles []string `json:"target_files"`
	Context     string   `json:"context"`

	// Changes is an initial candidate change. The refiner may use it as the
	// first proposal.
	Changes []types.FileChange `json:"changes,omitempty"`

	// MaxIterations bounds the loop (0 uses the configured default)
	MaxIterations int  `json:"max_iterations,omitempty" binding:"omitempty,min=1,max=20"`
	AutoPromote   bool `json:"auto_promote,omitempty"`
}

// Iteration records one pass of the loop.
type Iteration struct {
	Number     int                       `json:"number"`
	Summary    string                    `json:"summary,omitempty"`
	Files      []string                  `json:"files,omitempty"`
	TypeCheck  *sandbox.ValidationResult `json:"typecheck,omitempty"`
	Tests      *sandbox.ValidationResult `json:"tests,omitempty"`
	Error      string                    `json:"error,omitempty"`
	DurationMs int64                     `json:"duration_ms"`
}

// Passed reports whether both validations passed.
func (it Iteration) Passed() bool {
	return it.TypeCheck != nil && it.TypeCheck.Passed && it.Tests != nil && it.Tests.Passed
}

// Task is a reflection task. It is mutated only by the loop and immutable
// once terminal; callers always receive copies.
type Task struct {
	ID                string             `json:"id"`
	Objective         string             `json:"objective"`
	TargetFiles       []string           `json:"target_files"`
	Context           string             `json:"context,omitempty"`
	MaxIterations     int                `json:"max_iterations"`
	AutoPromote       bool               `json:"auto_promote"`
	Status            Status             `json:"status"`
	CurrentIteration  int                `json:"current_iteration"`
	Summary           string             `json:"summary,omitempty"`
	Diff              string             `json:"diff,omitempty"`
	Files             []types.FileChange `json:"files,omitempty"`
	ReadyForPromotion bool               `json:"ready_for_promotion"`
	Iterations        []Iteration        `json:"iterations,omitempty"`
	Error             string             `json:"error,omitempty"`
	ErrorKind         types.ErrorKind    `json:"error_kind,omitempty"`
	ArtifactID        string             `json:"artifact_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	c.TargetFiles = append([]string(nil), t.TargetFiles...)
	c.Files = append([]types.FileChange(nil), t.Files...)
	c.Iterations = append([]Iteration(nil), t.Iterations...)
	return &c
}

// ProposalRequest is what the refiner sees for one iteration.
type ProposalRequest struct {
	Objective   string
	Context     string
	TargetFiles []string
	Iteration   int

	// Files holds the current sandbox content of each target file that exists
	Files map[string]string

	// Changes is the caller's initial candidate change, if any
	Changes []types.FileChange

	// Feedback is the failure output of the previous iteration
	Feedback string
}

// Proposal is one candidate change.
type Proposal struct {
	Changes []types.FileChange
	Summary string
}

// Refiner produces the candidate change for each iteration.
type Refiner interface {
	Propose(ctx context.Context, req ProposalRequest) (*Proposal, error)
}

// PromoteFunc hands a succeeded task to the handoff protocol and returns the
// created artifact id.
type PromoteFunc func(ctx context.Context, task *Task) (string, error)
