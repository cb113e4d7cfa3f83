// Package control is the HTTP client for a running forge server. The CLI
// and the review shell drive the server exclusively through it.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/handoff"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/rollback"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/sandbox"
	"github.com/steveyegge/forge/internal/types"
)

// Client sends requests to a forge server
type Client struct {
	baseURL string
	actor   string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL (e.g. "http://127.0.0.1:7420")
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Minute}, // reflection waits can be long
	}
}

// SetTimeout sets the client timeout for requests
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.Timeout = timeout
}

// SetActor sets the actor recorded in audit entries for this client's requests
func (c *Client) SetActor(actor string) {
	c.actor = actor
}

// Do sends a request and decodes the envelope's data into out (if non-nil).
// A failure envelope is returned as a *types.Error carrying the server's kind.
// It returns the HTTP status code.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(api.ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach forge server (is it running?): %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *api.ErrorBody  `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response (status %d): %w", resp.StatusCode, err)
	}
	if !env.OK {
		if env.Error == nil {
			return resp.StatusCode, fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		return resp.StatusCode, &types.Error{Kind: env.Error.Kind, Message: env.Error.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	_, err := c.Do(ctx, http.MethodGet, path, nil, out)
	return err
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	_, err := c.Do(ctx, http.MethodPost, path, body, out)
	return err
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) (*api.Health, error) {
	var h api.Health
	return &h, c.get(ctx, "/health", &h)
}

// Sandbox

func (c *Client) SandboxInfo(ctx context.Context) (*sandbox.Info, error) {
	var info sandbox.Info
	return &info, c.get(ctx, "/api/v1/sandbox", &info)
}

// SandboxAction runs start, stop or destroy.
func (c *Client) SandboxAction(ctx context.Context, action string) (*sandbox.Info, error) {
	switch action {
	case "start", "stop", "destroy":
	default:
		return nil, fmt.Errorf("unknown sandbox action %q", action)
	}
	var info sandbox.Info
	return &info, c.post(ctx, "/api/v1/sandbox/"+action, nil, &info)
}

func (c *Client) SandboxSync(ctx context.Context, paths []string) (*sandbox.SyncResult, error) {
	var res sandbox.SyncResult
	return &res, c.post(ctx, "/api/v1/sandbox/sync", api.SyncRequest{Paths: paths}, &res)
}

func (c *Client) SandboxExec(ctx context.Context, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	var res sandbox.ExecResult
	req := api.ExecRequest{Command: command, TimeoutMs: timeout.Milliseconds()}
	return &res, c.post(ctx, "/api/v1/sandbox/exec", req, &res)
}

func (c *Client) SandboxDiff(ctx context.Context, path string) (string, error) {
	var d api.DiffText
	err := c.get(ctx, "/api/v1/sandbox/diff?path="+url.QueryEscape(path), &d)
	return d.Diff, err
}

// SandboxValidate runs "tests" or "typecheck".
func (c *Client) SandboxValidate(ctx context.Context, kind, pattern string) (*sandbox.ValidationResult, error) {
	var res sandbox.ValidationResult
	switch kind {
	case "tests":
		return &res, c.post(ctx, "/api/v1/sandbox/tests", api.TestsRequest{Pattern: pattern}, &res)
	case "typecheck":
		return &res, c.post(ctx, "/api/v1/sandbox/typecheck", nil, &res)
	}
	return nil, fmt.Errorf("unknown validation %q", kind)
}

// SandboxServer starts or stops the sandbox application server.
func (c *Client) SandboxServer(ctx context.Context, action string) (*sandbox.Info, error) {
	if action != "start" && action != "stop" {
		return nil, fmt.Errorf("unknown server action %q", action)
	}
	var info sandbox.Info
	return &info, c.post(ctx, "/api/v1/sandbox/server/"+action, nil, &info)
}

func (c *Client) SandboxCommit(ctx context.Context, message string) (string, error) {
	var ref api.CommitRef
	err := c.post(ctx, "/api/v1/sandbox/commit", api.CommitRequest{Message: message}, &ref)
	return ref.Ref, err
}

func (c *Client) SandboxHistory(ctx context.Context, limit int) (*api.CommandHistory, error) {
	var h api.CommandHistory
	return &h, c.get(ctx, "/api/v1/sandbox/history?limit="+strconv.Itoa(limit), &h)
}

// Reflection

// Reflect submits a reflection task. The bool result is false when the task
// was still running when the server answered (202).
func (c *Client) Reflect(ctx context.Context, req api.ExecuteRequest) (*reflection.Task, bool, error) {
	var task reflection.Task
	code, err := c.Do(ctx, http.MethodPost, "/api/v1/reflection/execute", req, &task)
	if err != nil {
		return nil, false, err
	}
	return &task, code != http.StatusAccepted, nil
}

func (c *Client) Task(ctx context.Context, id string) (*reflection.Task, error) {
	var task reflection.Task
	return &task, c.get(ctx, "/api/v1/reflection/"+url.PathEscape(id), &task)
}

func (c *Client) TaskDiff(ctx context.Context, id string) (string, error) {
	var d api.DiffText
	err := c.get(ctx, "/api/v1/reflection/"+url.PathEscape(id)+"/diff", &d)
	return d.Diff, err
}

func (c *Client) Tasks(ctx context.Context, status reflection.Status) ([]*reflection.Task, error) {
	var list api.TaskList
	err := c.get(ctx, "/api/v1/reflection?status="+url.QueryEscape(string(status)), &list)
	return list.Tasks, err
}

// WaitTask polls a task until it is terminal or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (*reflection.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Handoff

func (c *Client) Prepare(ctx context.Context, req api.PrepareRequest) (*handoff.Artifact, error) {
	var a handoff.Artifact
	return &a, c.post(ctx, "/api/v1/handoff/prepare", req, &a)
}

func (c *Client) Artifact(ctx context.Context, id string) (*handoff.Artifact, error) {
	var a handoff.Artifact
	return &a, c.get(ctx, "/api/v1/handoff/artifacts/"+url.PathEscape(id), &a)
}

func (c *Client) Artifacts(ctx context.Context, status handoff.Status) ([]*handoff.Artifact, error) {
	var list api.ArtifactList
	err := c.get(ctx, "/api/v1/handoff/artifacts?status="+url.QueryEscape(string(status)), &list)
	return list.Artifacts, err
}

func (c *Client) Review(ctx context.Context, id string, req handoff.ReviewRequest) (*handoff.Artifact, error) {
	var a handoff.Artifact
	return &a, c.post(ctx, "/api/v1/handoff/artifacts/"+url.PathEscape(id)+"/review", req, &a)
}

func (c *Client) Execute(ctx context.Context, id string, opts handoff.ExecuteOptions) (*handoff.Artifact, error) {
	var a handoff.Artifact
	return &a, c.post(ctx, "/api/v1/handoff/artifacts/"+url.PathEscape(id)+"/execute", opts, &a)
}

func (c *Client) Rollback(ctx context.Context, id string) (*handoff.Artifact, error) {
	var a handoff.Artifact
	return &a, c.post(ctx, "/api/v1/handoff/artifacts/"+url.PathEscape(id)+"/rollback", nil, &a)
}

// Audit, snapshots and circuit

// Audit queries the ledger. since accepts RFC 3339 or a duration such as "24h".
func (c *Client) Audit(ctx context.Context, f audit.Filter, since string) (*api.AuditPage, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("actor", f.Actor)
	set("action_type", string(f.ActionType))
	set("outcome", string(f.Outcome))
	set("risk_level", string(f.RiskLevel))
	set("since", since)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var page api.AuditPage
	return &page, c.get(ctx, "/api/v1/audit?"+q.Encode(), &page)
}

func (c *Client) AuditStats(ctx context.Context) (*api.AuditStats, error) {
	var s api.AuditStats
	return &s, c.get(ctx, "/api/v1/audit/stats", &s)
}

func (c *Client) Snapshots(ctx context.Context) ([]api.SnapshotSummary, error) {
	var list api.SnapshotList
	err := c.get(ctx, "/api/v1/snapshots", &list)
	return list.Snapshots, err
}

func (c *Client) Snapshot(ctx context.Context, id string) (*rollback.Snapshot, error) {
	var snap rollback.Snapshot
	return &snap, c.get(ctx, "/api/v1/snapshots/"+url.PathEscape(id), &snap)
}

func (c *Client) Circuit(ctx context.Context) (*api.CircuitStatus, error) {
	var s api.CircuitStatus
	return &s, c.get(ctx, "/api/v1/circuit", &s)
}

func (c *Client) ResetCircuit(ctx context.Context) (*safety.Status, error) {
	var s safety.Status
	return &s, c.post(ctx, "/api/v1/circuit/reset", nil, &s)
}

// Exploration

func (c *Client) Trigger(ctx context.Context, req exploration.TriggerRequest) (*exploration.Hypothesis, error) {
	var h exploration.Hypothesis
	return &h, c.post(ctx, "/api/v1/exploration/trigger", req, &h)
}

// Explore asks the server to generate a hypothesis for area.
func (c *Client) Explore(ctx context.Context, area string) (*exploration.Hypothesis, error) {
	var h exploration.Hypothesis
	return &h, c.post(ctx, "/api/v1/exploration/explore", api.ExploreRequest{Area: area}, &h)
}

func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (*exploration.Hypothesis, error) {
	var h exploration.Hypothesis
	return &h, c.post(ctx, "/api/v1/exploration/hypotheses", req, &h)
}

func (c *Client) Hypotheses(ctx context.Context, status exploration.Status) ([]*exploration.Hypothesis, error) {
	var list api.HypothesisList
	err := c.get(ctx, "/api/v1/exploration/hypotheses?status="+url.QueryEscape(string(status)), &list)
	return list.Hypotheses, err
}

func (c *Client) Hypothesis(ctx context.Context, id string) (*exploration.Hypothesis, error) {
	var h exploration.Hypothesis
	return &h, c.get(ctx, "/api/v1/exploration/hypotheses/"+url.PathEscape(id), &h)
}

// DecideHypothesis approves or rejects a pending hypothesis.
func (c *Client) DecideHypothesis(ctx context.Context, id string, approve bool, req api.DecisionRequest) (*exploration.Hypothesis, error) {
	action := "reject"
	if approve {
		action = "approve"
	}
	var h exploration.Hypothesis
	return &h, c.post(ctx, "/api/v1/exploration/hypotheses/"+url.PathEscape(id)+"/"+action, req, &h)
}

// DecideExperimentArtifact approves or rejects an artifact produced by an experiment.
func (c *Client) DecideExperimentArtifact(ctx context.Context, id string, approve bool, req api.DecisionRequest) (*handoff.Artifact, error) {
	action := "reject"
	if approve {
		action = "approve"
	}
	var a handoff.Artifact
	return &a, c.post(ctx, "/api/v1/exploration/artifacts/"+url.PathEscape(id)+"/"+action, req, &a)
}

func (c *Client) Runs(ctx context.Context, hypothesisID string, limit int) ([]*types.ExperimentRun, error) {
	q := url.Values{}
	if hypothesisID != "" {
		q.Set("hypothesis_id", hypothesisID)
	}
	q.Set("limit", strconv.Itoa(limit))
	var list api.RunList
	err := c.get(ctx, "/api/v1/exploration/runs?"+q.Encode(), &list)
	return list.Runs, err
}
