// Package exploration generates speculative hypotheses about the codebase and
// runs them as gated experiments.
//
// A hypothesis is created pending. Low-risk hypotheses are scheduled at once;
// riskier ones wait for ApproveExperiment. The scheduler runs at most
// MaxConcurrent experiments; each one must pass the safety gate (breaker,
// daily budget, cooldown) before it starts, and a denied hypothesis simply
// stays pending until the next sweep.
package exploration

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/steveyegge/forge/internal/rollback"
	"github.com/steveyegge/forge/internal/types"
)

// Status is the hypothesis lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTesting   Status = "testing"
	StatusValidated Status = "validated"
	StatusRejected  Status = "rejected"
)

// IsTerminal reports whether the hypothesis has been decided.
func (s Status) IsTerminal() bool {
	return s == StatusValidated || s == StatusRejected
}

// Type classifies what a hypothesis is about.
type Type string

const (
	TypePerformance Type = "performance"
	TypeReliability Type = "reliability"
	TypeRefactor    Type = "refactor"
	TypeCoverage    Type = "coverage"
	TypeSecurity    Type = "security"
)

// IsValid checks if the hypothesis type is known.
func (t Type) IsValid() bool {
	switch t {
	case TypePerformance, TypeReliability, TypeRefactor, TypeCoverage, TypeSecurity:
		return true
	}
	return false
}

// DefaultRisk is the safety risk assumed for a hypothesis type when the
// generator does not state one.
func (t Type) DefaultRisk() types.RiskLevel {
	switch t {
	case TypeSecurity:
		return types.RiskHigh
	case TypeRefactor, TypePerformance:
		return types.RiskMedium
	}
	return types.RiskLow
}

// Results are the outcome of an experiment.
type Results struct {
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Findings   string  `json:"findings"`
	TaskID     string  `json:"task_id,omitempty"`
}

// Hypothesis is one speculative experiment.
type Hypothesis struct {
	ID             string          `json:"id" validate:"required"`
	Type           Type            `json:"type" validate:"required,oneof=performance reliability refactor coverage security"`
	Description    string          `json:"description" validate:"required"`
	TargetArea     string          `json:"target_area" validate:"required"`
	TargetFiles    []string        `json:"target_files,omitempty"`
	ExpectedImpact string          `json:"expected_impact"`
	SafetyRisk     types.RiskLevel `json:"safety_risk" validate:"required,oneof=LOW MEDIUM HIGH"`
	Status         Status          `json:"status" validate:"required,oneof=pending testing validated rejected"`
	Approved       bool            `json:"approved"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	Results        *Results        `json:"results,omitempty" validate:"omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

var validate = validator.New()

// Validate checks required fields and value ranges.
func (h *Hypothesis) Validate() error {
	if err := validate.Struct(h); err != nil {
		return types.Wrap(types.KindValidation, "exploration.validate", err)
	}
	return nil
}

func (h *Hypothesis) clone() *Hypothesis {
	c := *h
	c.TargetFiles = append([]string(nil), h.TargetFiles...)
	if h.Results != nil {
		r := *h.Results
		c.Results = &r
	}
	return &c
}

// hypothesisDoc is the on-disk document. Version increases on every save.
type hypothesisDoc struct {
	Version    int           `json:"version"`
	Hypotheses []*Hypothesis `json:"hypotheses"`
}

// fileStore keeps all hypotheses in one versioned JSON document.
type fileStore struct {
	path    string
	version int
}

func (s *fileStore) load() (map[string]*Hypothesis, error) {
	out := map[string]*Hypothesis{}
	if s.path == "" {
		return out, nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hypotheses: %w", err)
	}
	var doc hypothesisDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse hypotheses: %w", err)
	}
	s.version = doc.Version
	for _, h := range doc.Hypotheses {
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("hypothesis %s: %w", h.ID, err)
		}
		out[h.ID] = h
	}
	return out, nil
}

func (s *fileStore) save(hyps map[string]*Hypothesis) error {
	if s.path == "" {
		return nil
	}
	doc := hypothesisDoc{Version: s.version + 1}
	for _, h := range hyps {
		doc.Hypotheses = append(doc.Hypotheses, h)
	}
	sort.Slice(doc.Hypotheses, func(i, j int) bool { return doc.Hypotheses[i].ID < doc.Hypotheses[j].ID })
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal hypotheses: %w", err)
	}
	if err := rollback.WriteFileAtomic(s.path, data, 0644); err != nil {
		return err
	}
	s.version = doc.Version
	return nil
}
