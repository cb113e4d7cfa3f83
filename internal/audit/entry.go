package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/steveyegge/forge/internal/types"
)

// ActionType identifies the kind of safety-relevant action recorded.
type ActionType string

const (
	ActionHandoffPrepare    ActionType = "handoff_prepare"
	ActionHandoffApprove    ActionType = "handoff_approve"
	ActionHandoffReject     ActionType = "handoff_reject"
	ActionHandoffExecute    ActionType = "handoff_execute"
	ActionHandoffRollback   ActionType = "handoff_rollback"
	ActionSnapshotRestore   ActionType = "snapshot_restore"
	ActionCircuitTrip       ActionType = "circuit_trip"
	ActionCircuitHalfOpen   ActionType = "circuit_half_open"
	ActionCircuitClose      ActionType = "circuit_close"
	ActionCircuitReset      ActionType = "circuit_reset"
	ActionExperimentApprove ActionType = "experiment_approve"
	ActionExperimentReject  ActionType = "experiment_reject"
	ActionExperimentRun     ActionType = "experiment_run"
	ActionArtifactApprove   ActionType = "artifact_approve"
	ActionArtifactReject    ActionType = "artifact_reject"
	ActionSandboxDestroy    ActionType = "sandbox_destroy"
)

// IsValid checks if the action type value is known
func (a ActionType) IsValid() bool {
	switch a {
	case ActionHandoffPrepare, ActionHandoffApprove, ActionHandoffReject,
		ActionHandoffExecute, ActionHandoffRollback, ActionSnapshotRestore,
		ActionCircuitTrip, ActionCircuitHalfOpen, ActionCircuitClose, ActionCircuitReset,
		ActionExperimentApprove, ActionExperimentReject, ActionExperimentRun, ActionArtifactApprove,
		ActionArtifactReject, ActionSandboxDestroy:
		return true
	}
	return false
}

// Entry is one immutable line of the audit log (JSONL format).
type Entry struct {
	Seq               int64             `json:"seq"`
	Actor             string            `json:"actor" validate:"required"`
	Action            string            `json:"action" validate:"required"`
	ActionType        ActionType        `json:"action_type" validate:"required"`
	Outcome           types.Outcome     `json:"outcome" validate:"required,oneof=success failure"`
	RiskLevel         types.RiskLevel   `json:"risk_level" validate:"required,oneof=LOW MEDIUM HIGH"`
	DurationMs        int64             `json:"duration_ms" validate:"gte=0"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Scope             []string          `json:"scope,omitempty"`
	SafetyScore       float64           `json:"safety_score" validate:"gte=0,lte=1"`
	RollbackAvailable bool              `json:"rollback_available"`
	Timestamp         time.Time         `json:"timestamp"`
}

var validate = validator.New()

// Validate checks required fields and value ranges.
func (e *Entry) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid audit entry: %w", err)
	}
	if !e.ActionType.IsValid() {
		return fmt.Errorf("invalid audit entry: unknown action type %q", e.ActionType)
	}
	return nil
}

// NewEntry builds a validated entry. SafetyScore defaults to 1 when the
// caller has no score to report.
func NewEntry(actor string, actionType ActionType, action string, outcome types.Outcome, risk types.RiskLevel) Entry {
	return Entry{
		Actor:       actor,
		Action:      action,
		ActionType:  actionType,
		Outcome:     outcome,
		RiskLevel:   risk,
		SafetyScore: 1,
		Metadata:    map[string]string{},
	}
}

// With returns a copy of e with a metadata key set.
func (e Entry) With(key, value string) Entry {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// OutcomeOf maps an error to an audit outcome.
func OutcomeOf(err error) types.Outcome {
	if err != nil {
		return types.OutcomeFailure
	}
	return types.OutcomeSuccess
}

type actorKey struct{}

// WithActor returns a context carrying the actor to record in audit entries
// written on its behalf.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or def.
func ActorFrom(ctx context.Context, def string) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return def
}
