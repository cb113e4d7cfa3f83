package types

import "time"

// ExperimentRun records one execution of an exploration hypothesis.
type ExperimentRun struct {
	ID           int64     `json:"id"`
	HypothesisID string    `json:"hypothesis_id"`
	TaskID       string    `json:"task_id,omitempty"`
	Status       string    `json:"status"` // "validated", "rejected" or "error"
	Confidence   float64   `json:"confidence"`
	Findings     string    `json:"findings,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMs   int64     `json:"duration_ms"`
}
