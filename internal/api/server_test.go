package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/correlate"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/handoff"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/rollback"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/sandbox"
	"github.com/steveyegge/forge/internal/storage/sqlite"
	"github.com/steveyegge/forge/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv    *Server
	root   string
	sb     *sandbox.Memory
	ledger *audit.Ledger
	gate   *safety.Gate
	loop   *reflection.Loop
}

type recordedExperimenter struct{}

func (recordedExperimenter) Run(ctx context.Context, h *exploration.Hypothesis) (*exploration.Results, error) {
	return &exploration.Results{Confidence: 0.8, Findings: "looks good"}, nil
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n"), 0644))

	ledger, err := audit.Open("")
	require.NoError(t, err)
	gate := safety.NewGate(
		safety.NewCircuitBreaker(safety.DefaultBreakerConfig(), ledger),
		safety.NewPolicy(safety.PolicyConfig{MaxExperimentsPerDay: 10, MaxConcurrentHighRisk: 1}),
	)
	snaps, err := rollback.NewStore(root, filepath.Join(t.TempDir(), "snapshots"), nil, ledger)
	require.NoError(t, err)
	protocol, err := handoff.New(handoff.Config{
		Dir:       filepath.Join(t.TempDir(), "artifacts"),
		Snapshots: snaps,
		Audit:     ledger,
		Gate:      gate,
	})
	require.NoError(t, err)

	sb := sandbox.NewMemory(nil)
	sb.Host = map[string][]byte{"a.go": []byte("package a\n")}
	results := correlate.NewBroker[*reflection.Task]()
	loop, err := reflection.NewLoop(reflection.Config{Sandbox: sb, Gate: gate, Results: results})
	require.NoError(t, err)
	t.Cleanup(loop.Close)

	history, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	queue, err := exploration.NewQueue(exploration.Config{
		Gate:         gate,
		Experimenter: recordedExperimenter{},
		Runs:         history,
		Audit:        ledger,
		Artifacts:    protocol,
		TriggerRate:  1000,
		TriggerBurst: 100,
	})
	require.NoError(t, err)
	t.Cleanup(queue.Close)

	deps := Deps{
		Sandbox:     sb,
		History:     history,
		Loop:        loop,
		Results:     results,
		Handoff:     protocol,
		Queue:       queue,
		Ledger:      ledger,
		Snapshots:   snaps,
		Gate:        gate,
		WaitTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := NewServer(deps)
	require.NoError(t, err)
	return &testEnv{srv: srv, root: root, sb: sb, ledger: ledger, gate: gate, loop: loop}
}

// do sends a request and decodes the envelope; data is decoded into out
// when non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) (int, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "alice")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)

	var raw struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *ErrorBody      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw), "body: %s", w.Body.String())
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return w.Code, Envelope{OK: raw.OK, Error: raw.Error}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind types.ErrorKind
		want int
	}{
		{types.KindValidation, http.StatusBadRequest},
		{types.KindStateConflict, http.StatusBadRequest},
		{types.KindNotReady, http.StatusBadRequest},
		{types.KindNotFound, http.StatusNotFound},
		{types.KindAccessDenied, http.StatusForbidden},
		{types.KindCircuitOpen, http.StatusTooManyRequests},
		{types.KindPolicyLimit, http.StatusTooManyRequests},
		{types.KindTimeout, http.StatusGatewayTimeout},
		{types.KindRollbackFailure, http.StatusInternalServerError},
		{types.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestSandboxRoutes(t *testing.T) {
	e := newTestEnv(t, nil)

	var info sandbox.Info
	code, env := e.do(t, http.MethodPost, "/api/v1/sandbox/start", nil, &info)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.OK)
	assert.Equal(t, sandbox.StateRunning, info.State)

	var sync sandbox.SyncResult
	code, _ = e.do(t, http.MethodPost, "/api/v1/sandbox/sync", map[string]any{"paths": []string{"a.go"}}, &sync)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, sync.Copied)

	var res sandbox.ExecResult
	code, _ = e.do(t, http.MethodPost, "/api/v1/sandbox/exec", map[string]any{"command": "go build ./..."}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "go build ./...", res.Command)

	code, env = e.do(t, http.MethodPost, "/api/v1/sandbox/exec", map[string]any{"command": "git push origin main"}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, types.KindAccessDenied, env.Error.Kind)

	code, env = e.do(t, http.MethodPost, "/api/v1/sandbox/exec", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, types.KindValidation, env.Error.Kind)

	code, _ = e.do(t, http.MethodPut, "/api/v1/sandbox/files", map[string]any{"path": "b.go", "content": "package b\n"}, nil)
	require.Equal(t, http.StatusOK, code)

	var file struct{ Content string }
	code, _ = e.do(t, http.MethodGet, "/api/v1/sandbox/files?path=b.go", nil, &file)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "package b\n", file.Content)

	code, env = e.do(t, http.MethodGet, "/api/v1/sandbox/files?path=../etc/passwd", nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.False(t, env.OK)

	var diff struct{ Diff string }
	code, _ = e.do(t, http.MethodGet, "/api/v1/sandbox/diff", nil, &diff)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, diff.Diff, "b.go")

	var tests sandbox.ValidationResult
	code, _ = e.do(t, http.MethodPost, "/api/v1/sandbox/tests", nil, &tests)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, tests.Passed)

	code, _ = e.do(t, http.MethodPost, "/api/v1/sandbox/destroy", nil, &info)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sandbox.StateDestroyed, info.State)

	// Destroying twice is a state conflict
	code, env = e.do(t, http.MethodPost, "/api/v1/sandbox/destroy", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, types.KindStateConflict, env.Error.Kind)
}

func TestReflectionToHandoffRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)

	var task reflection.Task
	code, env := e.do(t, http.MethodPost, "/api/v1/reflection/execute", map[string]any{
		"objective":    "add constant",
		"target_files": []string{"a.go"},
		"changes":      []types.FileChange{{Path: "a.go", Content: "package a\n\nconst A = 1\n"}},
	}, &task)
	require.Equal(t, http.StatusOK, code, "error: %+v", env.Error)
	require.Equal(t, reflection.StatusSucceeded, task.Status)
	assert.True(t, task.ReadyForPromotion)

	var diff struct{ Diff string }
	code, _ = e.do(t, http.MethodGet, "/api/v1/reflection/"+task.ID+"/diff", nil, &diff)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, diff.Diff, "const A = 1")

	var a handoff.Artifact
	code, env = e.do(t, http.MethodPost, "/api/v1/handoff/prepare", map[string]any{"task_id": task.ID}, &a)
	require.Equal(t, http.StatusCreated, code, "error: %+v", env.Error)
	assert.Equal(t, handoff.StatusPending, a.Status)

	// Executing before review is refused
	code, env = e.do(t, http.MethodPost, "/api/v1/handoff/artifacts/"+a.ID+"/execute", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, types.KindStateConflict, env.Error.Kind)

	code, env = e.do(t, http.MethodPost, "/api/v1/handoff/artifacts/"+a.ID+"/review", map[string]any{"approved": true}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "reviewer is required")
	assert.Equal(t, types.KindValidation, env.Error.Kind)

	code, _ = e.do(t, http.MethodPost, "/api/v1/handoff/artifacts/"+a.ID+"/review",
		map[string]any{"approved": true, "reviewer": "alice"}, &a)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, handoff.StatusApproved, a.Status)

	code, env = e.do(t, http.MethodPost, "/api/v1/handoff/artifacts/"+a.ID+"/execute", nil, &a)
	require.Equal(t, http.StatusOK, code, "error: %+v", env.Error)
	assert.Equal(t, handoff.StatusExecuted, a.Status)
	data, err := os.ReadFile(filepath.Join(e.root, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package a\n\nconst A = 1\n", string(data))

	var snaps struct {
		Snapshots []SnapshotSummary
		Total     int
	}
	code, _ = e.do(t, http.MethodGet, "/api/v1/snapshots", nil, &snaps)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, snaps.Total)
	assert.Equal(t, a.SnapshotID, snaps.Snapshots[0].ID)

	code, _ = e.do(t, http.MethodPost, "/api/v1/handoff/artifacts/"+a.ID+"/rollback", nil, &a)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, handoff.StatusRolledBack, a.Status)
	data, err = os.ReadFile(filepath.Join(e.root, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package a\n", string(data))

	var list struct{ Total int }
	code, _ = e.do(t, http.MethodGet, "/api/v1/handoff/artifacts?status=rolled_back", nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, list.Total)

	// The actor header reaches the ledger
	var q struct {
		Entries []audit.Entry
		Total   int
	}
	code, _ = e.do(t, http.MethodGet, "/api/v1/audit?action_type=handoff_execute&outcome=success", nil, &q)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, q.Total)
	assert.Equal(t, "alice", q.Entries[0].Actor)
}

func TestReflectionExecuteAsync(t *testing.T) {
	e := newTestEnv(t, nil)

	var task reflection.Task
	code, _ := e.do(t, http.MethodPost, "/api/v1/reflection/execute", map[string]any{
		"objective": "async",
		"changes":   []types.FileChange{{Path: "a.go", Content: "package a\n"}},
		"async":     true,
	}, &task)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, task.ID)

	require.Eventually(t, func() bool {
		got, err := e.loop.GetResult(task.ID)
		return err == nil && got.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReflectionExecuteWaitTimeout(t *testing.T) {
	release := make(chan struct{})
	e := newTestEnv(t, func(d *Deps) { d.WaitTimeout = 50 * time.Millisecond })
	e.sb.TestFunc = func(ctx context.Context, pattern string, files map[string][]byte) (*sandbox.ValidationResult, error) {
		<-release
		return &sandbox.ValidationResult{Kind: "test", Passed: true}, nil
	}
	defer close(release)

	var task reflection.Task
	code, _ := e.do(t, http.MethodPost, "/api/v1/reflection/execute", map[string]any{
		"objective": "slow",
		"changes":   []types.FileChange{{Path: "a.go", Content: "package a\n"}},
	}, &task)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, reflection.StatusRunning, task.Status)
}

func TestReflectionErrors(t *testing.T) {
	e := newTestEnv(t, nil)

	code, env := e.do(t, http.MethodPost, "/api/v1/reflection/execute", map[string]any{"target_files": []string{"a.go"}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, types.KindValidation, env.Error.Kind)

	code, env = e.do(t, http.MethodPost, "/api/v1/reflection/execute", map[string]any{"objective": "x", "max_iterations": 21}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, types.KindValidation, env.Error.Kind)

	code, env = e.do(t, http.MethodGet, "/api/v1/reflection/task-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, types.KindNotFound, env.Error.Kind)

	code, _ = e.do(t, http.MethodGet, "/api/v1/handoff/artifacts/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodGet, "/api/v1/snapshots/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodGet, "/api/v1/handoff/artifacts?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCircuitRoutes(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.gate.Breaker()
	for i := 0; i < safety.DefaultBreakerConfig().FailureThreshold; i++ {
		b.RecordFailure("boom")
	}
	require.Equal(t, safety.StateOpen, b.State())

	var status struct {
		Breaker safety.Status
		Policy  safety.PolicyState
	}
	code, _ := e.do(t, http.MethodGet, "/api/v1/circuit", nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, safety.StateOpen, status.Breaker.State)

	// An open circuit refuses new reflection work
	code, env := e.do(t, http.MethodPost, "/api/v1/reflection/execute", map[string]any{"objective": "x"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, types.KindCircuitOpen, env.Error.Kind)

	var reset safety.Status
	code, _ = e.do(t, http.MethodPost, "/api/v1/circuit/reset", nil, &reset)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, safety.StateClosed, reset.State)

	entries, _ := e.ledger.Query(audit.Filter{ActionType: audit.ActionCircuitReset})
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
}

func TestAuditQueryValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, q := range []string{"outcome=maybe", "risk_level=extreme", "since=yesterday", "limit=-1", "action_type=dance"} {
		code, env := e.do(t, http.MethodGet, "/api/v1/audit?"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.Equal(t, types.KindValidation, env.Error.Kind, q)
	}

	code, _ := e.do(t, http.MethodGet, "/api/v1/audit?since=1h&risk_level=high", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := parseSince("2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = parseSince("2026-02-28T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())

	got, err = parseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestExplorationRoutes(t *testing.T) {
	e := newTestEnv(t, nil)

	var h exploration.Hypothesis
	code, env := e.do(t, http.MethodPost, "/api/v1/exploration/hypotheses", map[string]any{
		"type":        "security",
		"description": "validate upload paths",
		"target_area": "internal/upload",
	}, &h)
	require.Equal(t, http.StatusCreated, code, "error: %+v", env.Error)
	assert.Equal(t, types.RiskHigh, h.SafetyRisk)
	assert.False(t, h.Approved)

	code, _ = e.do(t, http.MethodPost, "/api/v1/exploration/hypotheses/"+h.ID+"/reject",
		map[string]any{"reason": "out of scope"}, &h)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, exploration.StatusRejected, h.Status)

	// Rejected hypotheses cannot be approved
	code, env = e.do(t, http.MethodPost, "/api/v1/exploration/hypotheses/"+h.ID+"/approve", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, types.KindStateConflict, env.Error.Kind)

	code, _ = e.do(t, http.MethodPost, "/api/v1/exploration/trigger", map[string]any{"area": "internal/cache", "type": "coverage"}, &h)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, h.Approved, "low risk is auto-approved")

	code, env = e.do(t, http.MethodPost, "/api/v1/exploration/trigger", map[string]any{"type": "coverage"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, types.KindValidation, env.Error.Kind)

	var list struct{ Total int }
	code, _ = e.do(t, http.MethodGet, "/api/v1/exploration/hypotheses?status=rejected", nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, list.Total)
}

func TestExplorationDisabled(t *testing.T) {
	e := newTestEnv(t, func(d *Deps) { d.Queue = nil; d.History = nil })

	code, env := e.do(t, http.MethodGet, "/api/v1/exploration/hypotheses", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.True(t, strings.Contains(env.Error.Message, "not enabled"))

	code, _ = e.do(t, http.MethodGet, "/api/v1/sandbox/history", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRequestIDEchoed(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestServerStartStop(t *testing.T) {
	e := newTestEnv(t, nil)
	require.NoError(t, e.srv.Start("127.0.0.1:0"))
	assert.Error(t, e.srv.Start("127.0.0.1:0"), "second start should fail")

	resp, err := http.Get("http://" + e.srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, e.srv.Stop(context.Background()))
	assert.Empty(t, e.srv.Addr())
	require.NoError(t, e.srv.Stop(context.Background()), "stop is idempotent")
}
