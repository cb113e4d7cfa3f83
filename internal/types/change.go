package types

import "fmt"

// RiskLevel grades how dangerous an action is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// IsValid checks if the risk level value is valid
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Rank orders risk levels from LOW (0) to HIGH (2). Unknown levels rank
// as HIGH.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	}
	return 2
}

// Outcome is the result of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// IsValid checks if the outcome value is valid
func (o Outcome) IsValid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// FileChange is one file of a candidate change, expressed as the full new
// content relative to the repository root. Deleted changes carry no content.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Validate checks that the change names a path and is internally consistent.
func (c FileChange) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.Deleted && c.Content != "" {
		return fmt.Errorf("deleted change for %s must not carry content", c.Path)
	}
	return nil
}

// ChangedPaths returns the paths touched by a set of changes, in order.
func ChangedPaths(changes []FileChange) []string {
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	return paths
}
