package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/types"
)

// maxFeedbackBytes caps how much validation output goes back into a prompt.
const maxFeedbackBytes = 8000

// Refiner asks the model for the next candidate change of a reflection
// iteration.
type Refiner struct {
	Client *Client
}

var _ reflection.Refiner = (*Refiner)(nil)

// proposalResponse is the JSON shape the model is asked to return.
type proposalResponse struct {
	Summary string             `json:"summary"`
	Changes []types.FileChange `json:"changes"`
}

// Propose implements reflection.Refiner.
func (r *Refiner) Propose(ctx context.Context, req reflection.ProposalRequest) (*reflection.Proposal, error) {
	// A caller-supplied candidate is tried as-is before asking the model.
	if req.Iteration == 1 && len(req.Changes) > 0 {
		return &reflection.Proposal{Changes: req.Changes, Summary: "apply supplied change"}, nil
	}

	text, err := r.Client.Complete(ctx, "refine", buildRefinePrompt(req))
	if err != nil {
		return nil, err
	}
	resp, err := Parse[proposalResponse](text, "refine response")
	if err != nil {
		return nil, err
	}
	if len(resp.Changes) == 0 {
		return nil, fmt.Errorf("model proposed no changes for %q", req.Objective)
	}
	for i, ch := range resp.Changes {
		clean, err := types.CleanRelPath("ai.refine", ch.Path)
		if err != nil {
			return nil, err
		}
		resp.Changes[i].Path = clean
		if err := resp.Changes[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid change in model response: %w", err)
		}
	}
	return &reflection.Proposal{Changes: resp.Changes, Summary: resp.Summary}, nil
}

func buildRefinePrompt(req reflection.ProposalRequest) string {
	var b strings.Builder
	b.WriteString("You are improving a code repository inside an isolated sandbox. ")
	b.WriteString("Propose complete file contents that achieve the objective and make the type check and tests pass.\n\n")
	fmt.Fprintf(&b, "OBJECTIVE:\n%s\n\n", req.Objective)
	if req.Context != "" {
		fmt.Fprintf(&b, "CONTEXT:\n%s\n\n", req.Context)
	}
	fmt.Fprintf(&b, "ITERATION: %d\n\n", req.Iteration)
	if req.Feedback != "" {
		fmt.Fprintf(&b, "THE PREVIOUS ATTEMPT FAILED VALIDATION:\n%s\n\n", tail(req.Feedback, maxFeedbackBytes))
	}
	if len(req.TargetFiles) > 0 {
		fmt.Fprintf(&b, "TARGET FILES: %s\n\n", strings.Join(req.TargetFiles, ", "))
	}

	paths := make([]string, 0, len(req.Files))
	for p := range req.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(&b, "=== %s ===\n%s\n", p, req.Files[p])
	}

	b.WriteString(`
Respond with JSON only, in this shape:
{
  "summary": "one sentence describing the change",
  "changes": [
    {"path": "relative/path.go", "content": "full new file content"},
    {"path": "obsolete.go", "deleted": true}
  ]
}
Paths are relative to the repository root. Always send the whole file, never a fragment.
`)
	return b.String()
}

// tail keeps the last n bytes of s, where test failures usually are.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
