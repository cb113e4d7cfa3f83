package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/types"
)

// Generator asks the model for an exploration hypothesis.
type Generator struct {
	Client *Client
}

var _ exploration.Generator = (*Generator)(nil)

type hypothesisResponse struct {
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	TargetFiles    []string `json:"target_files"`
	ExpectedImpact string   `json:"expected_impact"`
	SafetyRisk     string   `json:"safety_risk"`
}

// Generate implements exploration.Generator.
func (g *Generator) Generate(ctx context.Context, req exploration.TriggerRequest) (*exploration.Draft, error) {
	text, err := g.Client.Complete(ctx, "hypothesis", buildHypothesisPrompt(req))
	if err != nil {
		return nil, err
	}
	resp, err := Parse[hypothesisResponse](text, "hypothesis response")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Description) == "" {
		return nil, fmt.Errorf("model returned a hypothesis without a description")
	}

	t := exploration.Type(strings.ToLower(strings.TrimSpace(resp.Type)))
	if req.Type != "" {
		t = req.Type
	}
	if !t.IsValid() {
		t = exploration.TypeCoverage
	}

	// The model may not lower the risk below what the hypothesis type implies.
	risk := t.DefaultRisk()
	if r := types.RiskLevel(strings.ToUpper(strings.TrimSpace(resp.SafetyRisk))); r.IsValid() && r.Rank() > risk.Rank() {
		risk = r
	}

	files := make([]string, 0, len(resp.TargetFiles))
	for _, f := range resp.TargetFiles {
		clean, err := types.CleanRelPath("ai.hypothesis", f)
		if err != nil {
			return nil, err
		}
		files = append(files, clean)
	}

	return &exploration.Draft{
		Type:           t,
		Description:    resp.Description,
		TargetArea:     req.Area,
		TargetFiles:    files,
		ExpectedImpact: resp.ExpectedImpact,
		SafetyRisk:     string(risk),
	}, nil
}

func buildHypothesisPrompt(req exploration.TriggerRequest) string {
	var b strings.Builder
	b.WriteString("Propose one small, testable improvement to a code repository. ")
	b.WriteString("It will be attempted automatically in a sandbox and must be verifiable by the existing type check and tests.\n\n")
	fmt.Fprintf(&b, "AREA: %s\n", req.Area)
	if req.Type != "" {
		fmt.Fprintf(&b, "TYPE: %s\n", req.Type)
	}
	if req.Task != "" {
		fmt.Fprintf(&b, "TASK: %s\n", req.Task)
	}
	b.WriteString(`
Respond with JSON only:
{
  "type": "performance|reliability|refactor|coverage|security",
  "description": "what to change",
  "target_files": ["relative/path.go"],
  "expected_impact": "what improves and how it is measured",
  "safety_risk": "LOW|MEDIUM|HIGH"
}
`)
	return b.String()
}
