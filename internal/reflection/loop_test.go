package reflection

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/forge/internal/correlate"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/sandbox"
	"github.com/steveyegge/forge/internal/types"
)

const moduleX = "x/x.go"

func change(content string) Proposal {
	return Proposal{
		Changes: []types.FileChange{{Path: moduleX, Content: content}},
		Summary: "rewrite Answer",
	}
}

// newTestSandbox returns a memory sandbox whose type check fails on files
// containing "BROKEN" and whose tests pass only once Answer returns 42.
func newTestSandbox() *sandbox.Memory {
	sb := sandbox.NewMemory(nil)
	sb.Host = map[string][]byte{
		moduleX: []byte("package x\n\nfunc Answer() int { return 0 }\n"),
	}
	sb.TypeCheckFunc = func(ctx context.Context, files map[string][]byte) (*sandbox.ValidationResult, error) {
		if strings.Contains(string(files[moduleX]), "BROKEN") {
			return &sandbox.ValidationResult{Kind: "typecheck", ExitCode: 1, Output: "x/x.go:3: syntax error"}, nil
		}
		return &sandbox.ValidationResult{Kind: "typecheck", Passed: true}, nil
	}
	sb.TestFunc = func(ctx context.Context, pattern string, files map[string][]byte) (*sandbox.ValidationResult, error) {
		if !strings.Contains(string(files[moduleX]), "return 42") {
			return &sandbox.ValidationResult{Kind: "test", ExitCode: 1, Output: "--- FAIL: TestAnswer"}, nil
		}
		return &sandbox.ValidationResult{Kind: "test", Passed: true}, nil
	}
	return sb
}

func newTestGate(threshold int) *safety.Gate {
	cfg := safety.DefaultBreakerConfig()
	cfg.FailureThreshold = threshold
	return safety.NewGate(safety.NewCircuitBreaker(cfg, nil), safety.NewPolicy(safety.DefaultPolicyConfig()))
}

func newTestLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	if cfg.Sandbox == nil {
		cfg.Sandbox = newTestSandbox()
	}
	if cfg.Gate == nil {
		cfg.Gate = newTestGate(3)
	}
	loop, err := NewLoop(cfg)
	require.NoError(t, err)
	t.Cleanup(loop.Close)
	return loop
}

func TestLoop_ConvergesOnThirdIteration(t *testing.T) {
	refiner := NewScriptedRefiner(
		change("package x\n\nfunc Answer() int { BROKEN }\n"),
		change("package x\n\nfunc Answer() int { return 41 }\n"),
		change("package x\n\nfunc Answer() int { return 42 }\n"),
	)
	gate := newTestGate(3)
	loop := newTestLoop(t, Config{Refiner: refiner, Gate: gate})

	task, err := loop.Execute(context.Background(), Request{
		Objective:     "fix failing test in module X",
		TargetFiles:   []string{moduleX},
		MaxIterations: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, 3, task.CurrentIteration)
	assert.True(t, task.ReadyForPromotion)
	assert.NotNil(t, task.CompletedAt)
	require.Len(t, task.Iterations, 3)

	assert.False(t, task.Iterations[0].TypeCheck.Passed)
	assert.Nil(t, task.Iterations[0].Tests, "tests are skipped when the type check fails")
	assert.True(t, task.Iterations[1].TypeCheck.Passed)
	assert.False(t, task.Iterations[1].Tests.Passed)
	assert.True(t, task.Iterations[2].Passed())

	require.Len(t, task.Files, 1)
	assert.Equal(t, moduleX, task.Files[0].Path)
	assert.Contains(t, task.Files[0].Content, "return 42")
	assert.Contains(t, task.Diff, "+func Answer() int { return 42 }")
	assert.Contains(t, task.Diff, "-func Answer() int { return 0 }")

	feedback := refiner.Feedback()
	require.Len(t, feedback, 3)
	assert.Empty(t, feedback[0])
	assert.Contains(t, feedback[1], "type check failed")
	assert.Contains(t, feedback[2], "tests failed")

	st := gate.Breaker().Status()
	assert.Equal(t, safety.StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, gate.Policy().State().ActiveHighRiskActions)
}

func TestLoop_ExhaustsIterations(t *testing.T) {
	gate := newTestGate(3)
	loop := newTestLoop(t, Config{
		Refiner: NewScriptedRefiner(change("package x\n\nfunc Answer() int { return 7 }\n")),
		Gate:    gate,
	})

	task, err := loop.Execute(context.Background(), Request{
		Objective:     "make Answer return 42",
		TargetFiles:   []string{moduleX},
		MaxIterations: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 2, task.CurrentIteration)
	assert.False(t, task.ReadyForPromotion)
	assert.Contains(t, task.Summary, "validation did not pass after 2 iterations")
	assert.Contains(t, task.Diff, "return 7")
	assert.Equal(t, 1, gate.Breaker().Status().FailureCount)
}

func TestLoop_SucceededImpliesReady(t *testing.T) {
	loop := newTestLoop(t, Config{})

	for i := 0; i < 3; i++ {
		_, err := loop.Execute(context.Background(), Request{
			Objective: "apply supplied change",
			Changes:   []types.FileChange{{Path: moduleX, Content: "package x\n\nfunc Answer() int { return 42 }\n"}},
		})
		require.NoError(t, err)
	}
	for _, task := range loop.List() {
		if task.Status == StatusSucceeded {
			assert.True(t, task.ReadyForPromotion, "task %s", task.ID)
		} else {
			assert.False(t, task.ReadyForPromotion, "task %s", task.ID)
		}
	}
}

func TestLoop_CircuitOpenRejectsRequest(t *testing.T) {
	gate := newTestGate(1)
	gate.Breaker().RecordFailure("earlier failure")
	loop := newTestLoop(t, Config{Gate: gate})

	_, err := loop.Execute(context.Background(), Request{Objective: "anything"})
	assert.True(t, errors.Is(err, types.ErrCircuitOpen), "err = %v", err)

	_, err = loop.Start(context.Background(), Request{Objective: "anything"})
	assert.True(t, errors.Is(err, types.ErrCircuitOpen), "err = %v", err)
	assert.Empty(t, loop.List())
}

func TestLoop_StopsWhenCircuitOpensMidTask(t *testing.T) {
	gate := newTestGate(1)
	sb := newTestSandbox()
	sb.TestFunc = func(ctx context.Context, pattern string, files map[string][]byte) (*sandbox.ValidationResult, error) {
		gate.Breaker().RecordFailure("health check failed")
		return &sandbox.ValidationResult{Kind: "test", ExitCode: 1}, nil
	}
	loop := newTestLoop(t, Config{
		Sandbox: sb,
		Gate:    gate,
		Refiner: NewScriptedRefiner(change("package x\n")),
	})

	task, err := loop.Execute(context.Background(), Request{Objective: "o", MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, types.KindCircuitOpen, task.ErrorKind)
	assert.Equal(t, 1, task.CurrentIteration)
	assert.Zero(t, gate.Policy().State().ActiveHighRiskActions)
}

func TestLoop_TimeoutConsumesIteration(t *testing.T) {
	sb := newTestSandbox()
	calls := 0
	sb.TypeCheckFunc = func(ctx context.Context, files map[string][]byte) (*sandbox.ValidationResult, error) {
		calls++
		if calls == 1 {
			return nil, types.Errorf(types.KindTimeout, "sandbox.exec", "command timed out after 10m0s")
		}
		return &sandbox.ValidationResult{Kind: "typecheck", Passed: true}, nil
	}
	refiner := NewScriptedRefiner(change("package x\n\nfunc Answer() int { return 42 }\n"))
	loop := newTestLoop(t, Config{Sandbox: sb, Refiner: refiner})

	task, err := loop.Execute(context.Background(), Request{Objective: "o", MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, 2, task.CurrentIteration)
	assert.Contains(t, task.Iterations[0].Error, "timed out")
	assert.Contains(t, refiner.Feedback()[1], "timed out")
}

func TestLoop_SandboxFailureFailsTask(t *testing.T) {
	sb := newTestSandbox()
	sb.TypeCheckFunc = func(ctx context.Context, files map[string][]byte) (*sandbox.ValidationResult, error) {
		return nil, types.Errorf(types.KindSandboxFailure, "sandbox.exec", "container exited")
	}
	loop := newTestLoop(t, Config{Sandbox: sb, Refiner: NewScriptedRefiner(change("package x\n"))})

	task, err := loop.Execute(context.Background(), Request{Objective: "o", MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, types.KindSandboxFailure, task.ErrorKind)
	assert.Equal(t, 1, task.CurrentIteration)
	assert.Contains(t, task.Error, "container exited")
	assert.False(t, task.ReadyForPromotion)
}

func TestLoop_TasksStartFromHostTree(t *testing.T) {
	const leftover = "x/leftover.go"
	sb := newTestSandbox()
	var sawLeftover []bool
	sb.TestFunc = func(ctx context.Context, pattern string, files map[string][]byte) (*sandbox.ValidationResult, error) {
		_, found := files[leftover]
		sawLeftover = append(sawLeftover, found)
		if found || !strings.Contains(string(files[moduleX]), "return 42") {
			return &sandbox.ValidationResult{Kind: "test", ExitCode: 1, Output: "--- FAIL: TestAnswer"}, nil
		}
		return &sandbox.ValidationResult{Kind: "test", Passed: true}, nil
	}
	loop := newTestLoop(t, Config{Sandbox: sb})
	ctx := context.Background()

	first, err := loop.Execute(ctx, Request{
		Objective:     "first attempt",
		MaxIterations: 1,
		Changes: []types.FileChange{
			{Path: moduleX, Content: "package x\n\nfunc Answer() int { return 7 }\n"},
			{Path: leftover, Content: "package x\n\nfunc Answer() int { return 1 }\n"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, first.Status)

	second, err := loop.Execute(ctx, Request{
		Objective:     "second attempt",
		MaxIterations: 1,
		Changes:       []types.FileChange{{Path: moduleX, Content: "package x\n\nfunc Answer() int { return 42 }\n"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, second.Status)
	assert.Equal(t, []bool{true, false}, sawLeftover)
	assert.NotContains(t, second.Diff, leftover)
}

func TestLoop_NoChangeDoesNotCountAgainstBreaker(t *testing.T) {
	gate := newTestGate(3)
	loop := newTestLoop(t, Config{Gate: gate})

	for i := 0; i < 4; i++ {
		task, err := loop.Execute(context.Background(), Request{Objective: "improve coverage in internal/sandbox"})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, task.Status)
		assert.Equal(t, types.KindValidation, task.ErrorKind)
		assert.Contains(t, task.Error, "no candidate change")
	}

	st := gate.Breaker().Status()
	assert.Equal(t, safety.StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, gate.Policy().State().ActiveHighRiskActions)
}

func TestLoop_RequestValidation(t *testing.T) {
	loop := newTestLoop(t, Config{})

	tests := []struct {
		name string
		req  Request
		kind types.ErrorKind
	}{
		{"empty objective", Request{Objective: "  "}, types.KindValidation},
		{"too many iterations", Request{Objective: "o", MaxIterations: 21}, types.KindValidation},
		{"negative iterations", Request{Objective: "o", MaxIterations: -1}, types.KindValidation},
		{"traversal", Request{Objective: "o", TargetFiles: []string{"../etc/passwd"}}, types.KindAccessDenied},
		{"bad change", Request{Objective: "o", Changes: []types.FileChange{{Content: "x"}}}, types.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loop.Execute(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, types.KindOf(err))
		})
	}
	assert.Empty(t, loop.List())

	_, err := loop.GetResult("task-missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestLoop_StartDeliversResult(t *testing.T) {
	results := correlate.NewBroker[*Task]()
	var promoted []string
	loop := newTestLoop(t, Config{
		Results: results,
		Promote: func(ctx context.Context, task *Task) (string, error) {
			promoted = append(promoted, task.ID)
			return "art-1", nil
		},
	})

	req := Request{
		ID:          NewTaskID(),
		Objective:   "apply supplied change",
		AutoPromote: true,
		Changes:     []types.FileChange{{Path: moduleX, Content: "package x\n\nfunc Answer() int { return 42 }\n"}},
	}
	task, err := results.Call(context.Background(), req.ID, 5*time.Second, func() error {
		started, err := loop.Start(context.Background(), req)
		if err == nil {
			assert.Equal(t, req.ID, started.ID)
		}
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, "art-1", task.ArtifactID)
	assert.Equal(t, []string{req.ID}, promoted)

	diff, err := loop.GetDiff(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Diff, diff)

	_, err = loop.Start(context.Background(), req)
	assert.True(t, errors.Is(err, types.ErrStateConflict), "duplicate id: %v", err)
}

func TestLoop_ListNewestFirst(t *testing.T) {
	loop := newTestLoop(t, Config{})
	var ids []string
	for i := 0; i < 3; i++ {
		task, err := loop.Execute(context.Background(), Request{
			Objective: "o",
			Changes:   []types.FileChange{{Path: moduleX, Content: "package x\n"}},
		})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	list := loop.List()
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)
}
