package exploration

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/forge/internal/reflection"
)

// TriggerRequest asks for a new hypothesis. Area is required; Type and Task
// narrow what the generator proposes.
type TriggerRequest struct {
	Area string `json:"area" binding:"required"`
	Type Type   `json:"type"`
	Task string `json:"task"`
}

// Draft is a generated hypothesis before the queue assigns its identity.
type Draft struct {
	Type           Type
	Description    string
	TargetArea     string
	TargetFiles    []string
	ExpectedImpact string
	SafetyRisk     string
}

// Generator proposes a hypothesis for a trigger.
type Generator interface {
	Generate(ctx context.Context, req TriggerRequest) (*Draft, error)
}

// TemplateGenerator builds hypotheses from fixed templates. It is the
// fallback when no model-backed generator is configured.
type TemplateGenerator struct{}

var templates = map[Type]string{
	TypePerformance: "Reduce latency and allocations in %s",
	TypeReliability: "Harden error handling and retries in %s",
	TypeRefactor:    "Simplify and consolidate duplicated logic in %s",
	TypeCoverage:    "Add tests for untested paths in %s",
	TypeSecurity:    "Tighten input validation and path handling in %s",
}

func (TemplateGenerator) Generate(ctx context.Context, req TriggerRequest) (*Draft, error) {
	t := req.Type
	if t == "" {
		t = TypeCoverage
	}
	tmpl, ok := templates[t]
	if !ok {
		return nil, fmt.Errorf("no template for hypothesis type %q", t)
	}
	desc := fmt.Sprintf(tmpl, req.Area)
	if task := strings.TrimSpace(req.Task); task != "" {
		desc = task
	}
	return &Draft{
		Type:           t,
		Description:    desc,
		TargetArea:     req.Area,
		ExpectedImpact: fmt.Sprintf("%s improvement in %s", t, req.Area),
		SafetyRisk:     string(t.DefaultRisk()),
	}, nil
}

// Experimenter executes one hypothesis.
type Experimenter interface {
	Run(ctx context.Context, h *Hypothesis) (*Results, error)
}

// Executor runs reflection tasks. *reflection.Loop implements it.
type Executor interface {
	Execute(ctx context.Context, req reflection.Request) (*reflection.Task, error)
}

// ReflectionExperimenter tests a hypothesis by running it as a reflection
// task. Confidence falls with the number of iterations the task needed and
// is zero for a failed task.
type ReflectionExperimenter struct {
	Loop          Executor
	MaxIterations int
	Refine        func(h *Hypothesis) reflection.Request // optional request builder
}

func (e ReflectionExperimenter) Run(ctx context.Context, h *Hypothesis) (*Results, error) {
	req := reflection.Request{
		Objective:     h.Description,
		TargetFiles:   h.TargetFiles,
		Context:       fmt.Sprintf("Exploration hypothesis %s (%s) targeting %s. Expected impact: %s", h.ID, h.Type, h.TargetArea, h.ExpectedImpact),
		MaxIterations: e.MaxIterations,
	}
	if e.Refine != nil {
		req = e.Refine(h)
	}
	task, err := e.Loop.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Results{TaskID: task.ID, Findings: task.Summary}
	if task.Status == reflection.StatusSucceeded && task.CurrentIteration > 0 {
		res.Confidence = 1 / float64(task.CurrentIteration)
	}
	if task.Error != "" {
		res.Findings = strings.TrimSpace(res.Findings + "\n" + task.Error)
	}
	return res, nil
}
