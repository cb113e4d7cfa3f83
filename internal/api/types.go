package api

import (
	"time"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/handoff"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/sandbox"
	"github.com/steveyegge/forge/internal/types"
)

// Request bodies.

type SyncRequest struct {
	Paths []string `json:"paths,omitempty"`
}

type ExecRequest struct {
	Command   string `json:"command" binding:"required"`
	TimeoutMs int64  `json:"timeout_ms,omitempty" binding:"gte=0"`
}

type WriteFileRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content"`
}

type CommitRequest struct {
	Message string `json:"message" binding:"required"`
}

type TestsRequest struct {
	Pattern string `json:"pattern,omitempty"`
}

// ExecuteRequest is a reflection request plus delivery mode. An async
// request answers 202 as soon as the task is registered.
type ExecuteRequest struct {
	reflection.Request
	Async bool `json:"async,omitempty"`
}

type PrepareRequest struct {
	TaskID    string            `json:"task_id" binding:"required"`
	Objective string            `json:"objective,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type ExploreRequest struct {
	Area string `json:"area" binding:"required"`
}

// SubmitRequest is a caller-written hypothesis.
type SubmitRequest struct {
	Type           exploration.Type `json:"type" binding:"required"`
	Description    string           `json:"description" binding:"required"`
	TargetArea     string           `json:"target_area" binding:"required"`
	TargetFiles    []string         `json:"target_files,omitempty"`
	ExpectedImpact string           `json:"expected_impact,omitempty"`
	SafetyRisk     types.RiskLevel  `json:"safety_risk,omitempty"`
}

// DecisionRequest approves or rejects a hypothesis or an experiment
// artifact. Reviewer defaults to the X-Forge-Actor header.
type DecisionRequest struct {
	Reviewer string `json:"reviewer,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Response bodies.

type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type DiffText struct {
	TaskID string `json:"task_id,omitempty"`
	Diff   string `json:"diff"`
}

type CommitRef struct {
	Ref string `json:"ref"`
}

type CommandHistory struct {
	SandboxID string                  `json:"sandbox_id"`
	Commands  []sandbox.CommandRecord `json:"commands"`
}

type TaskList struct {
	Tasks []*reflection.Task `json:"tasks"`
	Total int                `json:"total"`
}

type ArtifactList struct {
	Artifacts []*handoff.Artifact `json:"artifacts"`
	Total     int                 `json:"total"`
}

// AuditPage is one page of audit entries; Total counts every match.
type AuditPage struct {
	Entries []audit.Entry `json:"entries"`
	Total   int           `json:"total"`
}

type AuditStats struct {
	Total  int                     `json:"total"`
	ByRisk map[types.RiskLevel]int `json:"by_risk"`
	Actors []string                `json:"actors"`
}

// SnapshotSummary is a snapshot without its per-file backup records.
type SnapshotSummary struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	SourceRef   string    `json:"source_ref,omitempty"`
	Scope       []string  `json:"scope"`
	FileCount   int       `json:"file_count"`
}

type SnapshotList struct {
	Snapshots []SnapshotSummary `json:"snapshots"`
	Total     int               `json:"total"`
}

// CircuitStatus combines the breaker with the policy counters and limits.
type CircuitStatus struct {
	Breaker safety.Status      `json:"breaker"`
	Policy  safety.PolicyState `json:"policy"`
	Limits  CircuitLimits      `json:"limits"`
}

type CircuitLimits struct {
	MaxExperimentsPerDay  int    `json:"max_experiments_per_day"`
	ExperimentCooldown    string `json:"experiment_cooldown"`
	MaxConcurrentHighRisk int    `json:"max_concurrent_high_risk"`
}

type HypothesisList struct {
	Hypotheses []*exploration.Hypothesis `json:"hypotheses"`
	Total      int                       `json:"total"`
}

type RunList struct {
	Runs  []*types.ExperimentRun `json:"runs"`
	Total int                    `json:"total"`
}

// Health is the /health body.
type Health struct {
	Status  string        `json:"status"`
	Circuit safety.State  `json:"circuit"`
	Sandbox sandbox.State `json:"sandbox"`
}
