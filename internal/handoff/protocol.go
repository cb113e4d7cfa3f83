package handoff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/metrics"
	"github.com/steveyegge/forge/internal/patch"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/rollback"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/types"
)

var tracer = otel.Tracer("github.com/steveyegge/forge/internal/handoff")

// Config holds the protocol's collaborators.
type Config struct {
	// Dir holds the artifact documents
	Dir string

	Snapshots *rollback.Store
	Audit     audit.Recorder
	Gate      *safety.Gate

	// ProtectedPaths may never be written by an artifact (.git always is)
	ProtectedPaths []string

	// Verify runs after the files are written; an error triggers a restore (optional)
	Verify func(ctx context.Context, root string, files []types.FileChange) error
}

// PrepareOptions overrides the artifact's description.
type PrepareOptions struct {
	Objective string
	Metadata  map[string]string
}

// ReviewRequest is a reviewer's decision.
type ReviewRequest struct {
	Approved      bool     `json:"approved"`
	Reviewer      string   `json:"reviewer" binding:"required"`
	Comments      string   `json:"comments"`
	ApprovedFiles []string `json:"approved_files"`
}

// ExecuteOptions controls Execute.
type ExecuteOptions struct {
	// SkipApprovalCheck lets a pending artifact execute without review
	SkipApprovalCheck bool `json:"skip_approval_check"`
}

// Protocol owns the artifacts and the production writes.
type Protocol struct {
	cfg  Config
	root string
	docs docStore

	mu        sync.Mutex
	artifacts map[string]*Artifact
	byTask    map[string]string
	scopes    map[string]string // path -> artifact id holding it

	// Now is the protocol clock (overridable in tests)
	Now func() time.Time

	// writeFile and removeFile touch the production tree; tests replace
	// them to simulate failures part-way through an execute.
	writeFile  func(path string, data []byte, perm os.FileMode) error
	removeFile func(path string) error
}

// New creates a protocol and loads persisted artifacts from cfg.Dir.
func New(cfg Config) (*Protocol, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	docs := docStore{dir: cfg.Dir}
	artifacts, err := docs.loadAll()
	if err != nil {
		return nil, err
	}
	byTask := make(map[string]string, len(artifacts))
	for id, a := range artifacts {
		byTask[a.TaskID] = id
	}

	return &Protocol{
		cfg:        cfg,
		root:       cfg.Snapshots.Root(),
		docs:       docs,
		artifacts:  artifacts,
		byTask:     byTask,
		scopes:     map[string]string{},
		Now:        time.Now,
		writeFile:  rollback.WriteFileAtomic,
		removeFile: removeIfExists,
	}, nil
}

// Promote prepares an artifact from a succeeded task. It has the shape of
// reflection.PromoteFunc.
func (p *Protocol) Promote(ctx context.Context, task *reflection.Task) (string, error) {
	a, err := p.Prepare(ctx, task, PrepareOptions{})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// Prepare packages a reflection result as a pending artifact. The result
// must be ready for promotion; otherwise NotReady is returned and nothing
// is created.
func (p *Protocol) Prepare(ctx context.Context, task *reflection.Task, opts PrepareOptions) (*Artifact, error) {
	const op = "handoff.prepare"
	if task == nil {
		return nil, types.Errorf(types.KindValidation, op, "reflection result is required")
	}
	if !task.ReadyForPromotion {
		return nil, types.Errorf(types.KindNotReady, op, "task %s is not ready for promotion (status %s)", task.ID, task.Status)
	}
	if len(task.Files) == 0 {
		return nil, types.Errorf(types.KindNotReady, op, "task %s produced no file changes", task.ID)
	}
	files := make([]types.FileChange, 0, len(task.Files))
	for _, f := range task.Files {
		if err := f.Validate(); err != nil {
			return nil, types.Wrap(types.KindValidation, op, err)
		}
		rel, err := p.checkPath(op, f.Path)
		if err != nil {
			return nil, err
		}
		f.Path = rel
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	objective := opts.Objective
	if objective == "" {
		objective = task.Objective
	}
	stats, err := patch.Stats(task.Diff)
	if err != nil {
		slog.Warn("failed to summarize artifact diff", "task_id", task.ID, "error", err)
	}
	metadata := map[string]string{"iterations": fmt.Sprint(task.CurrentIteration)}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	now := p.Now().UTC()
	a := &Artifact{
		ID:        "art-" + uuid.New().String(),
		TaskID:    task.ID,
		Objective: objective,
		Files:     files,
		Diff:      task.Diff,
		Stats:     stats,
		Metadata:  metadata,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	p.mu.Lock()
	if existing, ok := p.byTask[task.ID]; ok {
		p.mu.Unlock()
		return nil, types.Errorf(types.KindStateConflict, op, "task %s already has artifact %s", task.ID, existing)
	}
	err = p.saveLocked(a)
	if err == nil {
		p.artifacts[a.ID] = a
		p.byTask[task.ID] = a.ID
	}
	p.mu.Unlock()

	entry := audit.NewEntry(audit.ActorFrom(ctx, "system"), audit.ActionHandoffPrepare, "prepare artifact for "+task.ID, audit.OutcomeOf(err), types.RiskMedium)
	entry.Scope = a.Paths()
	p.record(ctx, entry.With("artifact_id", a.ID).With("task_id", task.ID))
	if err != nil {
		return nil, err
	}

	metrics.RecordHandoffTransition(string(StatusPending))
	slog.Info("handoff artifact prepared", "artifact_id", a.ID, "task_id", task.ID, "files", len(files))
	return a.clone(), nil
}

// Review approves or rejects a pending artifact. A non-empty ApprovedFiles
// narrows the artifact to those files; the rest are dropped.
func (p *Protocol) Review(ctx context.Context, id string, req ReviewRequest) (*Artifact, error) {
	const op = "handoff.review"
	if strings.TrimSpace(req.Reviewer) == "" {
		return nil, types.Errorf(types.KindValidation, op, "reviewer is required")
	}

	actionType, risk, to := audit.ActionHandoffReject, types.RiskLow, StatusRejected
	if req.Approved {
		actionType, risk, to = audit.ActionHandoffApprove, types.RiskHigh, StatusApproved
	}

	p.mu.Lock()
	a, err := p.getLocked(op, id)
	if err == nil && a.Status != StatusPending {
		err = types.Errorf(types.KindStateConflict, op, "artifact %s is %s, only pending artifacts can be reviewed", id, a.Status)
	}
	var updated *Artifact
	if err == nil {
		updated, err = p.applyReview(op, a, req, to)
	}
	if err == nil {
		err = p.saveLocked(updated)
	}
	if err == nil {
		p.artifacts[id] = updated
	}
	p.mu.Unlock()

	entry := audit.NewEntry(req.Reviewer, actionType, string(to)+" artifact "+id, audit.OutcomeOf(err), risk).
		With("artifact_id", id)
	if req.Comments != "" {
		entry = entry.With("comments", req.Comments)
	}
	if updated != nil {
		entry.Scope = updated.Paths()
	}
	if err != nil {
		entry = entry.With("error", err.Error())
	}
	p.record(ctx, entry)
	if err != nil {
		return nil, err
	}

	metrics.RecordHandoffTransition(string(to))
	slog.Info("handoff artifact reviewed", "artifact_id", id, "status", to, "reviewer", req.Reviewer)
	return updated.clone(), nil
}

func (p *Protocol) applyReview(op string, a *Artifact, req ReviewRequest, to Status) (*Artifact, error) {
	updated := a.clone()
	updated.Status = to
	updated.UpdatedAt = p.Now().UTC()
	updated.Review = &Review{
		Approved:  req.Approved,
		Reviewer:  req.Reviewer,
		Comments:  req.Comments,
		Timestamp: updated.UpdatedAt,
	}
	if !req.Approved || len(req.ApprovedFiles) == 0 {
		return updated, nil
	}

	keep := map[string]bool{}
	for _, f := range req.ApprovedFiles {
		rel, err := types.CleanRelPath(op, f)
		if err != nil {
			return nil, err
		}
		keep[rel] = true
	}
	var files []types.FileChange
	for _, f := range a.Files {
		if keep[f.Path] {
			files = append(files, f)
			delete(keep, f.Path)
		}
	}
	if len(keep) > 0 {
		var unknown []string
		for f := range keep {
			unknown = append(unknown, f)
		}
		sort.Strings(unknown)
		return nil, types.Errorf(types.KindValidation, op, "approved files not in artifact: %s", strings.Join(unknown, ", "))
	}

	diff, err := patch.Filter(a.Diff, func(path string) bool {
		for _, f := range files {
			if f.Path == path {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to narrow diff: %w", err)
	}
	stats, _ := patch.Stats(diff)

	updated.Files = files
	updated.Diff = diff
	updated.Stats = stats
	updated.Review.ApprovedFiles = types.ChangedPaths(files)
	return updated, nil
}

// Execute applies an approved artifact to the production tree. The files in
// scope are snapshotted first; if any write or the verification fails the
// snapshot is restored and the artifact stays approved. Executions whose
// scopes overlap are rejected with StateConflict.
func (p *Protocol) Execute(ctx context.Context, id string, opts ExecuteOptions) (a *Artifact, err error) {
	const op = "handoff.execute"
	start := time.Now()
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("artifact.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	p.mu.Lock()
	cur, err := p.getLocked(op, id)
	if err == nil {
		err = executable(op, cur, opts)
	}
	var release func()
	if err == nil {
		release, err = p.lockScopeLocked(op, cur)
	}
	p.mu.Unlock()
	if err != nil {
		p.recordExecute(ctx, id, nil, start, err)
		return nil, err
	}
	defer release()
	cur = cur.clone()
	span.SetAttributes(attribute.Int("artifact.files", len(cur.Files)))

	if p.cfg.Gate != nil {
		ticket, gerr := p.cfg.Gate.AdmitHighRisk(ctx)
		if gerr != nil {
			p.recordExecute(ctx, id, cur.Paths(), start, gerr)
			return nil, gerr
		}
		defer func() { ticket.Done(err) }()
	}

	result, err := p.apply(ctx, cur)
	result.DurationMs = time.Since(start).Milliseconds()

	next := cur.clone()
	next.ExecutionResult = result
	next.UpdatedAt = p.Now().UTC()
	if err == nil {
		next.Status = StatusExecuted
		next.SnapshotID = result.SnapshotID
	}
	p.mu.Lock()
	serr := p.saveLocked(next)
	if serr == nil {
		p.artifacts[id] = next
		cur = next
	}
	p.mu.Unlock()

	if serr != nil {
		slog.Error("failed to persist artifact after execute", "artifact_id", id, "error", serr)
		if err == nil {
			// The artifact still says approved, so the tree must too
			err = serr
			if _, rerr := p.cfg.Snapshots.Restore(ctx, result.SnapshotID, audit.ActorFrom(ctx, "system")); rerr != nil {
				slog.Error("failed to restore snapshot after persist failure",
					"severity", "critical", "artifact_id", id, "snapshot_id", result.SnapshotID, "error", rerr)
				err = errors.Join(serr, rerr)
			}
		}
	}

	p.recordExecute(ctx, id, cur.Paths(), start, err)
	if err != nil {
		return cur.clone(), err
	}
	metrics.RecordHandoffTransition(string(StatusExecuted))
	slog.Info("handoff artifact executed", "artifact_id", id, "snapshot_id", result.SnapshotID, "files", len(cur.Files))
	return cur.clone(), nil
}

func executable(op string, a *Artifact, opts ExecuteOptions) error {
	switch {
	case a.Status == StatusApproved:
		return nil
	case a.Status == StatusPending && opts.SkipApprovalCheck:
		return nil
	}
	return types.Errorf(types.KindStateConflict, op, "artifact %s is %s, only approved artifacts can be executed", a.ID, a.Status)
}

// apply runs snapshot -> write -> verify, restoring the snapshot on failure.
func (p *Protocol) apply(ctx context.Context, a *Artifact) (*ExecutionResult, error) {
	result := &ExecutionResult{AppliedFiles: []string{}}
	if len(a.Files) == 0 {
		return result, types.Errorf(types.KindValidation, "handoff.execute", "artifact %s has no files to apply", a.ID)
	}

	snap, err := p.cfg.Snapshots.Create(ctx, "before executing "+a.ID, a.Paths())
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("failed to snapshot before execute: %w", err)
	}
	result.SnapshotID = snap.ID

	applyErr := p.write(a.Files, result)
	if applyErr == nil {
		applyErr = p.verify(ctx, a.Files)
	}
	if applyErr == nil {
		result.Success = true
		return result, nil
	}

	result.Error = applyErr.Error()
	slog.Warn("handoff execute failed, restoring snapshot", "artifact_id", a.ID, "snapshot_id", snap.ID, "error", applyErr)
	if _, rerr := p.cfg.Snapshots.Restore(ctx, snap.ID, audit.ActorFrom(ctx, "system")); rerr != nil {
		slog.Error("failed to restore snapshot after execute failure",
			"severity", "critical", "artifact_id", a.ID, "snapshot_id", snap.ID, "error", rerr)
		return result, errors.Join(fmt.Errorf("execute %s failed: %w", a.ID, applyErr), rerr)
	}
	result.Restored = true
	result.AppliedFiles = []string{}
	return result, types.Wrap(types.KindSandboxFailure, "handoff.execute",
		fmt.Errorf("execute %s failed and snapshot %s was restored: %w", a.ID, snap.ID, applyErr))
}

func (p *Protocol) write(files []types.FileChange, result *ExecutionResult) error {
	for _, f := range files {
		abs := filepath.Join(p.root, filepath.FromSlash(f.Path))
		if f.Deleted {
			if err := p.removeFile(abs); err != nil {
				return fmt.Errorf("failed to remove %s: %w", f.Path, err)
			}
		} else {
			perm := os.FileMode(0644)
			if info, err := os.Stat(abs); err == nil {
				perm = info.Mode().Perm()
			}
			if err := p.writeFile(abs, []byte(f.Content), perm); err != nil {
				return fmt.Errorf("failed to write %s: %w", f.Path, err)
			}
		}
		result.AppliedFiles = append(result.AppliedFiles, f.Path)
	}
	return nil
}

// verify reads every file back and runs the configured check.
func (p *Protocol) verify(ctx context.Context, files []types.FileChange) error {
	for _, f := range files {
		abs := filepath.Join(p.root, filepath.FromSlash(f.Path))
		data, err := os.ReadFile(abs)
		switch {
		case f.Deleted && os.IsNotExist(err):
			continue
		case f.Deleted:
			return fmt.Errorf("verify: %s still exists", f.Path)
		case err != nil:
			return fmt.Errorf("verify: %w", err)
		case !bytes.Equal(data, []byte(f.Content)):
			return fmt.Errorf("verify: %s content mismatch", f.Path)
		}
	}
	if p.cfg.Verify != nil {
		if err := p.cfg.Verify(ctx, p.root, files); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
	}
	return nil
}

// Rollback restores the snapshot taken when the artifact was executed.
func (p *Protocol) Rollback(ctx context.Context, id string) (*Artifact, error) {
	const op = "handoff.rollback"
	start := time.Now()

	p.mu.Lock()
	cur, err := p.getLocked(op, id)
	if err == nil && cur.Status != StatusExecuted {
		err = types.Errorf(types.KindStateConflict, op, "artifact %s is %s, only executed artifacts can be rolled back", id, cur.Status)
	}
	var release func()
	if err == nil {
		release, err = p.lockScopeLocked(op, cur)
	}
	p.mu.Unlock()

	var paths []string
	if err == nil {
		defer release()
		cur = cur.clone()
		paths = cur.Paths()
		_, err = p.cfg.Snapshots.Restore(ctx, cur.SnapshotID, audit.ActorFrom(ctx, "system"))
		if err != nil && types.KindOf(err) == types.KindRollbackFailure {
			slog.Error("artifact rollback failed", "severity", "critical", "artifact_id", id, "snapshot_id", cur.SnapshotID, "error", err)
		}
	}
	if err == nil {
		next := cur.clone()
		next.Status = StatusRolledBack
		next.UpdatedAt = p.Now().UTC()
		p.mu.Lock()
		// On a failed save the artifact stays executed; restoring again is harmless
		if err = p.saveLocked(next); err == nil {
			p.artifacts[id] = next
			cur = next
		}
		p.mu.Unlock()
	}

	entry := audit.NewEntry(audit.ActorFrom(ctx, "system"), audit.ActionHandoffRollback, "roll back artifact "+id, audit.OutcomeOf(err), types.RiskHigh).
		With("artifact_id", id)
	entry.Scope = paths
	entry.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		entry = entry.With("error", err.Error())
	}
	p.record(ctx, entry)
	if err != nil {
		return nil, err
	}

	metrics.RecordHandoffTransition(string(StatusRolledBack))
	slog.Info("handoff artifact rolled back", "artifact_id", id, "snapshot_id", cur.SnapshotID)
	return cur.clone(), nil
}

// Get returns a copy of one artifact.
func (p *Protocol) Get(id string) (*Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.getLocked("handoff.get", id)
	if err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// List returns artifacts, newest first, optionally filtered by status.
func (p *Protocol) List(status Status) []*Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Artifact, 0, len(p.artifacts))
	for _, a := range p.artifacts {
		if status == "" || a.Status == status {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (p *Protocol) getLocked(op, id string) (*Artifact, error) {
	a, ok := p.artifacts[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, op, "artifact %s not found", id)
	}
	return a, nil
}

// lockScopeLocked claims every path of a for the duration of a write. It
// fails without blocking if another execution holds any of them.
func (p *Protocol) lockScopeLocked(op string, a *Artifact) (func(), error) {
	paths := a.Paths()
	for _, path := range paths {
		if holder, ok := p.scopes[path]; ok {
			return nil, types.Errorf(types.KindStateConflict, op, "%s is being written by artifact %s", path, holder)
		}
	}
	for _, path := range paths {
		p.scopes[path] = a.ID
	}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, path := range paths {
			if p.scopes[path] == a.ID {
				delete(p.scopes, path)
			}
		}
	}, nil
}

func (p *Protocol) saveLocked(a *Artifact) error {
	a.Version++
	if err := p.docs.save(a); err != nil {
		a.Version--
		return err
	}
	return nil
}

func (p *Protocol) checkPath(op, path string) (string, error) {
	rel, err := types.CleanRelPath(op, path)
	if err != nil {
		return "", err
	}
	if types.IsProtectedPath(rel, p.cfg.ProtectedPaths) {
		return "", types.Errorf(types.KindAccessDenied, op, "path is protected: %s", rel)
	}
	return rel, nil
}

func (p *Protocol) recordExecute(ctx context.Context, id string, scope []string, start time.Time, err error) {
	entry := audit.NewEntry(audit.ActorFrom(ctx, "system"), audit.ActionHandoffExecute, "execute artifact "+id, audit.OutcomeOf(err), types.RiskHigh).
		With("artifact_id", id)
	entry.Scope = scope
	entry.DurationMs = time.Since(start).Milliseconds()
	entry.RollbackAvailable = err == nil
	if err != nil {
		entry = entry.With("error", err.Error())
	}
	p.record(ctx, entry)
}

func (p *Protocol) record(ctx context.Context, e audit.Entry) {
	if p.cfg.Audit == nil {
		return
	}
	if p.cfg.Gate != nil {
		e.SafetyScore = p.cfg.Gate.Breaker().SafetyScore()
	}
	if _, err := p.cfg.Audit.Record(ctx, e); err != nil {
		slog.Warn("failed to write audit entry", "action_type", e.ActionType, "error", err)
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
