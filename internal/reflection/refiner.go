package reflection

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoChange means the refiner had no candidate change to offer. A task
// that stops on it is not counted against the circuit breaker.
var ErrNoChange = errors.New("no candidate change")

// StaticRefiner proposes the request's own Changes on every iteration. It
// suits callers that already hold a generated change and only need it
// validated.
type StaticRefiner struct{}

func (StaticRefiner) Propose(ctx context.Context, req ProposalRequest) (*Proposal, error) {
	if len(req.Changes) == 0 {
		return nil, fmt.Errorf("%w supplied for %q", ErrNoChange, req.Objective)
	}
	return &Proposal{Changes: req.Changes, Summary: "apply supplied change"}, nil
}

// ScriptedRefiner returns a fixed sequence of proposals, one per iteration,
// repeating the last one once the script runs out. It records the feedback
// it was given.
type ScriptedRefiner struct {
	mu        sync.Mutex
	proposals []Proposal
	feedback  []string
}

// NewScriptedRefiner returns a refiner that plays proposals in order.
func NewScriptedRefiner(proposals ...Proposal) *ScriptedRefiner {
	return &ScriptedRefiner{proposals: proposals}
}

func (r *ScriptedRefiner) Propose(ctx context.Context, req ProposalRequest) (*Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proposals) == 0 {
		return nil, fmt.Errorf("scripted refiner has no proposals")
	}
	r.feedback = append(r.feedback, req.Feedback)
	i := req.Iteration - 1
	if i >= len(r.proposals) {
		i = len(r.proposals) - 1
	}
	p := r.proposals[i]
	return &p, nil
}

// Feedback returns the feedback received for each iteration so far.
func (r *ScriptedRefiner) Feedback() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.feedback...)
}
