package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/types"
)

// fakeServer answers every request with the given status and envelope and
// records the last request.
type fakeServer struct {
	status int
	env    api.Envelope
	last   *http.Request
	body   map[string]any
}

func (f *fakeServer) start(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.last = r
		f.body = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&f.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(f.env)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClientDecodesData(t *testing.T) {
	f := &fakeServer{
		status: http.StatusOK,
		env:    api.Envelope{OK: true, Data: reflection.Task{ID: "task-1", Status: reflection.StatusSucceeded}},
	}
	c := f.start(t)
	c.SetActor("bob")

	task, err := c.Task(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.ID != "task-1" || task.Status != reflection.StatusSucceeded {
		t.Errorf("task = %+v", task)
	}
	if f.last.URL.Path != "/api/v1/reflection/task-1" {
		t.Errorf("path = %s", f.last.URL.Path)
	}
	if got := f.last.Header.Get(api.ActorHeader); got != "bob" {
		t.Errorf("actor header = %q, want bob", got)
	}
}

func TestClientReturnsTypedErrors(t *testing.T) {
	f := &fakeServer{
		status: http.StatusTooManyRequests,
		env:    api.Envelope{Error: &api.ErrorBody{Kind: types.KindCircuitOpen, Message: "circuit open: 3 consecutive failures"}},
	}
	c := f.start(t)

	_, err := c.SandboxExec(context.Background(), "go test ./...", 0)
	if !errors.Is(err, types.ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if err.Error() != "circuit open: 3 consecutive failures" {
		t.Errorf("message = %q", err.Error())
	}
	if f.body["command"] != "go test ./..." {
		t.Errorf("body = %v", f.body)
	}
}

func TestClientReflectAccepted(t *testing.T) {
	f := &fakeServer{
		status: http.StatusAccepted,
		env:    api.Envelope{OK: true, Data: reflection.Task{ID: "task-2", Status: reflection.StatusRunning}},
	}
	c := f.start(t)

	task, done, err := c.Reflect(context.Background(), api.ExecuteRequest{
		Request: reflection.Request{Objective: "fix it", TargetFiles: []string{"a.go"}},
		Async:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("202 should report the task as still running")
	}
	if task.ID != "task-2" {
		t.Errorf("task id = %q", task.ID)
	}
	if f.body["objective"] != "fix it" || f.body["async"] != true {
		t.Errorf("body = %v", f.body)
	}
}

func TestClientAuditQuery(t *testing.T) {
	f := &fakeServer{
		status: http.StatusOK,
		env:    api.Envelope{OK: true, Data: api.AuditPage{Total: 0, Entries: []audit.Entry{}}},
	}
	c := f.start(t)

	_, err := c.Audit(context.Background(), audit.Filter{Actor: "alice", RiskLevel: types.RiskHigh, Limit: 10}, "24h")
	if err != nil {
		t.Fatal(err)
	}
	q := f.last.URL.Query()
	if q.Get("actor") != "alice" || q.Get("risk_level") != "HIGH" || q.Get("since") != "24h" || q.Get("limit") != "10" {
		t.Errorf("query = %v", q)
	}
	if q.Has("outcome") {
		t.Error("empty filters should not be sent")
	}
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("127.0.0.1:1")
	c.SetTimeout(time.Second)
	if _, err := c.Health(context.Background()); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestSandboxActionRejectsUnknown(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if _, err := c.SandboxAction(context.Background(), "explode"); err == nil {
		t.Error("expected error for unknown action")
	}
}
