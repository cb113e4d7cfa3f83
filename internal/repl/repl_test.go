package repl

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/handoff"
	"github.com/steveyegge/forge/internal/patch"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/types"
)

type fakeClient struct {
	artifacts  map[string]*handoff.Artifact
	hypotheses []*exploration.Hypothesis

	lastReview   handoff.ReviewRequest
	lastExecute  handoff.ExecuteOptions
	lastDecision api.DecisionRequest
	approved     bool
	rolledBack   string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		artifacts: map[string]*handoff.Artifact{
			"art-1": {
				ID:        "art-1",
				TaskID:    "task-1",
				Objective: "tighten retry loop",
				Status:    handoff.StatusPending,
				Files:     []types.FileChange{{Path: "retry.go"}},
				Stats:     []patch.FileStat{{Path: "retry.go", Added: 2, Deleted: 1}},
				Diff:      "--- a/retry.go\n+++ b/retry.go\n@@ -1 +1,2 @@\n-old\n+new\n+more\n",
			},
		},
		hypotheses: []*exploration.Hypothesis{
			{ID: "hyp-1", Type: exploration.TypeReliability, Description: "retry on EOF", TargetArea: "client", SafetyRisk: types.RiskMedium, Status: exploration.StatusPending},
		},
	}
}

func (f *fakeClient) Artifacts(ctx context.Context, status handoff.Status) ([]*handoff.Artifact, error) {
	var out []*handoff.Artifact
	for _, a := range f.artifacts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeClient) Artifact(ctx context.Context, id string) (*handoff.Artifact, error) {
	a, ok := f.artifacts[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "", "artifact %s not found", id)
	}
	return a, nil
}

func (f *fakeClient) Review(ctx context.Context, id string, req handoff.ReviewRequest) (*handoff.Artifact, error) {
	a, err := f.Artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	f.lastReview = req
	if req.Approved {
		a.Status = handoff.StatusApproved
	} else {
		a.Status = handoff.StatusRejected
	}
	return a, nil
}

func (f *fakeClient) Execute(ctx context.Context, id string, opts handoff.ExecuteOptions) (*handoff.Artifact, error) {
	a, err := f.Artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	f.lastExecute = opts
	a.Status = handoff.StatusExecuted
	a.SnapshotID = "snap-1"
	a.ExecutionResult = &handoff.ExecutionResult{Success: true, AppliedFiles: []string{"retry.go"}}
	return a, nil
}

func (f *fakeClient) Rollback(ctx context.Context, id string) (*handoff.Artifact, error) {
	a, err := f.Artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	f.rolledBack = id
	a.Status = handoff.StatusRolledBack
	return a, nil
}

func (f *fakeClient) Hypotheses(ctx context.Context, status exploration.Status) ([]*exploration.Hypothesis, error) {
	return f.hypotheses, nil
}

func (f *fakeClient) DecideHypothesis(ctx context.Context, id string, approve bool, req api.DecisionRequest) (*exploration.Hypothesis, error) {
	for _, h := range f.hypotheses {
		if h.ID == id {
			f.approved = approve
			f.lastDecision = req
			return h, nil
		}
	}
	return nil, types.Errorf(types.KindNotFound, "", "hypothesis %s not found", id)
}

func (f *fakeClient) Circuit(ctx context.Context) (*api.CircuitStatus, error) {
	return &api.CircuitStatus{
		Breaker: safety.Status{State: safety.StateClosed, SafetyScore: 0.9},
		Policy:  safety.PolicyState{ExperimentsToday: 2},
		Limits:  api.CircuitLimits{MaxExperimentsPerDay: 10},
	}, nil
}

func newTestREPL(t *testing.T) (*REPL, *fakeClient, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true
	fc := newFakeClient()
	var out bytes.Buffer
	r, err := New(&Config{Client: fc, Actor: "carol", Out: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, fc, &out
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Error("expected error without client")
	}
}

func TestProcessInputUnknownCommand(t *testing.T) {
	r, _, _ := newTestREPL(t)
	if err := r.processInput("   "); err != nil {
		t.Errorf("blank input: %v", err)
	}
	err := r.processInput("frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v", err)
	}
	if err := r.processInput("exit"); !errors.Is(err, errExit) {
		t.Errorf("exit returned %v", err)
	}
}

func TestStatusAndPending(t *testing.T) {
	r, _, out := newTestREPL(t)

	if err := r.processInput("status"); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"closed", "0.90", "2/10", "Pending artifacts      1", "Hypotheses to approve  1"} {
		if !strings.Contains(got, want) {
			t.Errorf("status output missing %q:\n%s", want, got)
		}
	}

	out.Reset()
	if err := r.processInput("pending"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "art-1") || !strings.Contains(out.String(), "(1 files)") {
		t.Errorf("pending output:\n%s", out.String())
	}

	out.Reset()
	if err := r.processInput("pending executed"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No executed artifacts") {
		t.Errorf("pending executed output:\n%s", out.String())
	}

	if err := r.processInput("pending bogus"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestShowAndDiff(t *testing.T) {
	r, _, out := newTestREPL(t)

	if err := r.processInput("show art-1"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"tighten retry loop", "retry.go", "+2", "-1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("show output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := r.processInput("diff art-1"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "+more") {
		t.Errorf("diff output:\n%s", out.String())
	}

	if err := r.processInput("show"); err == nil {
		t.Error("show without id should fail")
	}
	if err := r.processInput("diff art-9"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("diff of missing artifact: %v", err)
	}
}

func TestReviewFlow(t *testing.T) {
	r, fc, out := newTestREPL(t)

	if err := r.processInput("approve art-1 retry.go"); err != nil {
		t.Fatal(err)
	}
	if !fc.lastReview.Approved || fc.lastReview.Reviewer != "carol" {
		t.Errorf("review = %+v", fc.lastReview)
	}
	if len(fc.lastReview.ApprovedFiles) != 1 || fc.lastReview.ApprovedFiles[0] != "retry.go" {
		t.Errorf("approved files = %v", fc.lastReview.ApprovedFiles)
	}

	if err := r.processInput("execute art-1"); err != nil {
		t.Fatal(err)
	}
	if fc.lastExecute.SkipApprovalCheck {
		t.Error("execute without --force should keep the approval check")
	}
	if !strings.Contains(out.String(), "Executed art-1 (1 files, snapshot snap-1)") {
		t.Errorf("execute output:\n%s", out.String())
	}

	if err := r.processInput("execute --force art-1"); err != nil {
		t.Fatal(err)
	}
	if !fc.lastExecute.SkipApprovalCheck {
		t.Error("--force should skip the approval check")
	}

	if err := r.processInput("rollback art-1"); err != nil {
		t.Fatal(err)
	}
	if fc.rolledBack != "art-1" {
		t.Errorf("rolled back %q", fc.rolledBack)
	}
}

func TestReject(t *testing.T) {
	r, fc, _ := newTestREPL(t)

	if err := r.processInput("reject art-1 too broad a change"); err != nil {
		t.Fatal(err)
	}
	if fc.lastReview.Approved {
		t.Error("reject sent an approval")
	}
	if fc.lastReview.Comments != "too broad a change" {
		t.Errorf("comments = %q", fc.lastReview.Comments)
	}
}

func TestHypothesisCommands(t *testing.T) {
	r, fc, out := newTestREPL(t)

	if err := r.processInput("hypotheses"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"hyp-1", "MEDIUM", "retry on EOF", "awaiting approval"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("hypotheses output missing %q:\n%s", want, out.String())
		}
	}

	if err := r.processInput("approve-exp hyp-1"); err != nil {
		t.Fatal(err)
	}
	if !fc.approved || fc.lastDecision.Reviewer != "carol" {
		t.Errorf("decision = %+v approved=%v", fc.lastDecision, fc.approved)
	}

	if err := r.processInput("reject-exp hyp-1 not worth it"); err != nil {
		t.Fatal(err)
	}
	if fc.approved || fc.lastDecision.Reason != "not worth it" {
		t.Errorf("decision = %+v approved=%v", fc.lastDecision, fc.approved)
	}

	if err := r.processInput("approve-exp"); err == nil {
		t.Error("approve-exp without id should fail")
	}
}
