package exploration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/handoff"
	"github.com/steveyegge/forge/internal/metrics"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/types"
)

// RunStore records experiment runs.
type RunStore interface {
	RecordExperimentRun(ctx context.Context, run *types.ExperimentRun) error
	ListExperimentRuns(ctx context.Context, hypothesisID string, limit int) ([]*types.ExperimentRun, error)
}

// ArtifactReviewer is the handoff review step. *handoff.Protocol implements it.
type ArtifactReviewer interface {
	Review(ctx context.Context, id string, req handoff.ReviewRequest) (*handoff.Artifact, error)
}

// Config holds the queue's collaborators and limits.
type Config struct {
	// Dir holds hypotheses.json; empty keeps hypotheses in memory
	Dir string

	Gate         *safety.Gate
	Generator    Generator
	Experimenter Experimenter
	Runs         RunStore
	Audit        audit.Recorder
	Artifacts    ArtifactReviewer

	MaxConcurrent int        // Concurrent experiments (default: 3)
	TriggerRate   rate.Limit // Hypothesis creations per second (default: 1)
	TriggerBurst  int        // (default: 5)

	// AutoApproveMaxRisk is the highest safety risk scheduled without
	// ApproveExperiment (default: LOW)
	AutoApproveMaxRisk types.RiskLevel

	// ManualApproval holds every hypothesis for ApproveExperiment whatever
	// its risk. Set it when no refiner can produce a change on its own.
	ManualApproval bool

	// MinConfidence is the confidence at or above which a hypothesis is validated (default: 0.5)
	MinConfidence float64
}

// Queue owns the hypotheses and schedules their experiments.
type Queue struct {
	cfg     Config
	store   *fileStore
	limiter *rate.Limiter
	slots   *semaphore.Weighted

	mu        sync.Mutex
	hyps      map[string]*Hypothesis
	scheduled map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Now is the queue clock (overridable in tests)
	Now func() time.Time
}

// NewQueue creates a queue and loads persisted hypotheses.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("safety gate is required")
	}
	if cfg.Experimenter == nil {
		return nil, fmt.Errorf("experimenter is required")
	}
	if cfg.Generator == nil {
		cfg.Generator = TemplateGenerator{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.TriggerRate <= 0 {
		cfg.TriggerRate = 1
	}
	if cfg.TriggerBurst <= 0 {
		cfg.TriggerBurst = 5
	}
	if cfg.AutoApproveMaxRisk == "" {
		cfg.AutoApproveMaxRisk = types.RiskLow
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}

	store := &fileStore{}
	if cfg.Dir != "" {
		store.path = filepath.Join(cfg.Dir, "hypotheses.json")
	}
	hyps, err := store.load()
	if err != nil {
		return nil, err
	}
	// A run interrupted by a restart is retried
	for _, h := range hyps {
		if h.Status == StatusTesting {
			h.Status = StatusPending
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		store:     store,
		limiter:   rate.NewLimiter(cfg.TriggerRate, cfg.TriggerBurst),
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		hyps:      hyps,
		scheduled: map[string]bool{},
		ctx:       ctx,
		cancel:    cancel,
		Now:       time.Now,
	}, nil
}

// Trigger generates a hypothesis for an area and queues it.
func (q *Queue) Trigger(ctx context.Context, req TriggerRequest) (*Hypothesis, error) {
	const op = "exploration.trigger"
	if strings.TrimSpace(req.Area) == "" {
		return nil, types.Errorf(types.KindValidation, op, "area is required")
	}
	if err := q.allow(op); err != nil {
		return nil, err
	}
	draft, err := q.cfg.Generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate hypothesis: %w", err)
	}
	return q.add(ctx, draft)
}

// Explore is Trigger with the generator choosing the hypothesis type.
func (q *Queue) Explore(ctx context.Context, area string) (*Hypothesis, error) {
	return q.Trigger(ctx, TriggerRequest{Area: area})
}

// Submit queues a caller-written hypothesis.
func (q *Queue) Submit(ctx context.Context, draft Draft) (*Hypothesis, error) {
	if err := q.allow("exploration.submit"); err != nil {
		return nil, err
	}
	return q.add(ctx, &draft)
}

func (q *Queue) allow(op string) error {
	if !q.limiter.Allow() {
		return types.Errorf(types.KindPolicyLimit, op, "hypothesis trigger rate exceeded")
	}
	return nil
}

func (q *Queue) add(ctx context.Context, d *Draft) (*Hypothesis, error) {
	now := q.Now().UTC()
	risk := types.RiskLevel(strings.ToUpper(d.SafetyRisk))
	if risk == "" {
		risk = d.Type.DefaultRisk()
	}
	h := &Hypothesis{
		ID:             "hyp-" + uuid.New().String(),
		Type:           d.Type,
		Description:    strings.TrimSpace(d.Description),
		TargetArea:     d.TargetArea,
		TargetFiles:    d.TargetFiles,
		ExpectedImpact: d.ExpectedImpact,
		SafetyRisk:     risk,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !q.cfg.ManualApproval && risk.Rank() <= q.cfg.AutoApproveMaxRisk.Rank() {
		h.Approved = true
		h.ApprovedBy = "auto"
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.hyps[h.ID] = h
	err := q.store.save(q.hyps)
	if err != nil {
		delete(q.hyps, h.ID)
	}
	out := h.clone()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	slog.Info("hypothesis created", "hypothesis_id", h.ID, "type", h.Type, "area", h.TargetArea,
		"risk", h.SafetyRisk, "approved", h.Approved)
	if h.Approved {
		q.schedule(h.ID)
	}
	return out, nil
}

// ApproveExperiment clears a pending hypothesis for execution.
func (q *Queue) ApproveExperiment(ctx context.Context, id, approver string) (*Hypothesis, error) {
	const op = "exploration.approve"
	if approver == "" {
		approver = audit.ActorFrom(ctx, "system")
	}

	q.mu.Lock()
	h, err := q.getLocked(op, id)
	if err == nil && (h.Status != StatusPending || h.Approved) {
		err = types.Errorf(types.KindStateConflict, op, "hypothesis %s is %s (approved=%v)", id, h.Status, h.Approved)
	}
	risk := types.RiskMedium
	var out *Hypothesis
	if err == nil {
		if h.SafetyRisk == types.RiskHigh {
			risk = types.RiskHigh
		}
		h.Approved = true
		h.ApprovedBy = approver
		h.UpdatedAt = q.Now().UTC()
		if err = q.store.save(q.hyps); err != nil {
			h.Approved, h.ApprovedBy = false, ""
		}
		out = h.clone()
	}
	q.mu.Unlock()

	q.record(ctx, audit.NewEntry(approver, audit.ActionExperimentApprove, "approve experiment "+id, audit.OutcomeOf(err), risk).
		With("hypothesis_id", id))
	if err != nil {
		return nil, err
	}
	q.schedule(id)
	return out, nil
}

// RejectExperiment rejects a pending hypothesis without running it.
func (q *Queue) RejectExperiment(ctx context.Context, id, reviewer, reason string) (*Hypothesis, error) {
	const op = "exploration.reject"
	if reviewer == "" {
		reviewer = audit.ActorFrom(ctx, "system")
	}

	q.mu.Lock()
	h, err := q.getLocked(op, id)
	if err == nil && h.Status != StatusPending {
		err = types.Errorf(types.KindStateConflict, op, "hypothesis %s is %s", id, h.Status)
	}
	var out *Hypothesis
	if err == nil {
		prev := *h
		h.Status = StatusRejected
		h.Results = &Results{Findings: "rejected by " + reviewer + ": " + reason}
		h.UpdatedAt = q.Now().UTC()
		if err = q.store.save(q.hyps); err != nil {
			*h = prev
		}
		out = h.clone()
	}
	q.mu.Unlock()

	entry := audit.NewEntry(reviewer, audit.ActionExperimentReject, "reject experiment "+id, audit.OutcomeOf(err), types.RiskLow).
		With("hypothesis_id", id)
	if reason != "" {
		entry = entry.With("reason", reason)
	}
	q.record(ctx, entry)
	if err != nil {
		return nil, err
	}
	metrics.RecordExperiment(string(StatusRejected))
	return out, nil
}

// ApproveArtifact approves a handoff artifact produced by an experiment.
func (q *Queue) ApproveArtifact(ctx context.Context, id, reviewer, comments string) (*handoff.Artifact, error) {
	return q.reviewArtifact(ctx, id, handoff.ReviewRequest{Approved: true, Reviewer: reviewer, Comments: comments})
}

// RejectArtifact rejects a handoff artifact produced by an experiment.
func (q *Queue) RejectArtifact(ctx context.Context, id, reviewer, comments string) (*handoff.Artifact, error) {
	return q.reviewArtifact(ctx, id, handoff.ReviewRequest{Approved: false, Reviewer: reviewer, Comments: comments})
}

func (q *Queue) reviewArtifact(ctx context.Context, id string, req handoff.ReviewRequest) (*handoff.Artifact, error) {
	if q.cfg.Artifacts == nil {
		return nil, types.Errorf(types.KindValidation, "exploration.review_artifact", "artifact review is not configured")
	}
	if req.Reviewer == "" {
		req.Reviewer = audit.ActorFrom(ctx, "")
	}
	a, err := q.cfg.Artifacts.Review(ctx, id, req)

	actionType, risk := audit.ActionArtifactReject, types.RiskLow
	if req.Approved {
		actionType, risk = audit.ActionArtifactApprove, types.RiskHigh
	}
	actor := req.Reviewer
	if actor == "" {
		actor = "system"
	}
	entry := audit.NewEntry(actor, actionType, "review artifact "+id, audit.OutcomeOf(err), risk).With("artifact_id", id)
	if a != nil {
		entry.Scope = a.Paths()
	}
	q.record(ctx, entry)
	return a, err
}

// Get returns a copy of one hypothesis.
func (q *Queue) Get(id string) (*Hypothesis, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, err := q.getLocked("exploration.get", id)
	if err != nil {
		return nil, err
	}
	return h.clone(), nil
}

// List returns hypotheses, newest first, optionally filtered by status.
func (q *Queue) List(status Status) []*Hypothesis {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Hypothesis
	for _, h := range q.hyps {
		if status == "" || h.Status == status {
			out = append(out, h.clone())
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

// Runs lists recorded experiment runs, newest first.
func (q *Queue) Runs(ctx context.Context, hypothesisID string, limit int) ([]*types.ExperimentRun, error) {
	if q.cfg.Runs == nil {
		return []*types.ExperimentRun{}, nil
	}
	return q.cfg.Runs.ListExperimentRuns(ctx, hypothesisID, limit)
}

// Sweep schedules every approved pending hypothesis that is not already
// queued. It returns how many were scheduled.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	var ids []string
	for id, h := range q.hyps {
		if h.Status == StatusPending && h.Approved && !q.scheduled[id] {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		q.schedule(id)
	}
	return len(ids)
}

// Run sweeps on every tick until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep()
		}
	}
}

// Wait blocks until every scheduled experiment has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close stops scheduling and waits for running experiments.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

// schedule starts a goroutine that queues for a slot and runs the
// experiment. Experiments beyond MaxConcurrent wait, they are not dropped.
func (q *Queue) schedule(id string) {
	q.mu.Lock()
	if q.scheduled[id] {
		q.mu.Unlock()
		return
	}
	q.scheduled[id] = true
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			q.mu.Lock()
			delete(q.scheduled, id)
			q.mu.Unlock()
		}()

		if err := q.slots.Acquire(q.ctx, 1); err != nil {
			return
		}
		defer q.slots.Release(1)
		q.runExperiment(q.ctx, id)
	}()
}

func (q *Queue) runExperiment(ctx context.Context, id string) {
	// Claim the hypothesis before spending experiment budget on it. A
	// testing hypothesis cannot be rejected, so the claim holds.
	q.mu.Lock()
	h, ok := q.hyps[id]
	if !ok || h.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	h.Status = StatusTesting
	q.mu.Unlock()

	if err := q.cfg.Gate.AdmitExperiment(ctx); err != nil {
		// Denied experiments stay pending for the next sweep
		q.mu.Lock()
		h.Status = StatusPending
		h.LastError = err.Error()
		h.UpdatedAt = q.Now().UTC()
		q.mu.Unlock()
		metrics.RecordExperiment("deferred")
		slog.Info("experiment deferred", "hypothesis_id", id, "reason", err)
		return
	}

	q.mu.Lock()
	h.LastError = ""
	h.UpdatedAt = q.Now().UTC()
	if err := q.store.save(q.hyps); err != nil {
		slog.Warn("failed to persist hypothesis", "hypothesis_id", id, "error", err)
	}
	snapshot := h.clone()
	q.mu.Unlock()

	start := q.Now()
	results, runErr := q.cfg.Experimenter.Run(ctx, snapshot)
	duration := q.Now().Sub(start)

	status := StatusRejected
	runStatus := string(StatusRejected)
	switch {
	case runErr != nil:
		runStatus = "error"
		results = &Results{Findings: runErr.Error()}
	case results == nil:
		results = &Results{}
	case results.Confidence >= q.cfg.MinConfidence:
		status = StatusValidated
		runStatus = string(StatusValidated)
	}
	if results.Confidence < 0 || results.Confidence > 1 {
		results.Confidence = 0
	}

	if runErr != nil && errors.Is(runErr, types.ErrCircuitOpen) {
		// The breaker opened under us; try again once it recovers
		status = StatusPending
	}

	q.mu.Lock()
	h.Status = status
	h.UpdatedAt = q.Now().UTC()
	if status == StatusPending {
		h.LastError = runErr.Error()
	} else {
		h.Results = results
	}
	if err := q.store.save(q.hyps); err != nil {
		slog.Warn("failed to persist hypothesis", "hypothesis_id", id, "error", err)
	}
	q.mu.Unlock()

	if q.cfg.Runs != nil {
		run := &types.ExperimentRun{
			HypothesisID: id,
			TaskID:       results.TaskID,
			Status:       runStatus,
			Confidence:   results.Confidence,
			Findings:     results.Findings,
			StartedAt:    start.UTC(),
			DurationMs:   duration.Milliseconds(),
		}
		if err := q.cfg.Runs.RecordExperimentRun(context.WithoutCancel(ctx), run); err != nil {
			slog.Warn("failed to record experiment run", "hypothesis_id", id, "error", err)
		}
	}

	entry := audit.NewEntry("exploration", audit.ActionExperimentRun, "run experiment "+id, audit.OutcomeOf(runErr), snapshot.SafetyRisk).
		With("hypothesis_id", id).
		With("status", string(status)).
		With("confidence", fmt.Sprintf("%.2f", results.Confidence))
	entry.DurationMs = duration.Milliseconds()
	entry.Scope = snapshot.TargetFiles
	q.record(context.WithoutCancel(ctx), entry)

	if status == StatusPending {
		metrics.RecordExperiment("deferred")
	} else {
		metrics.RecordExperiment(string(status))
	}
	slog.Info("experiment finished", "hypothesis_id", id, "status", status,
		"confidence", results.Confidence, "duration", duration, "error", runErr)
}

func (q *Queue) getLocked(op, id string) (*Hypothesis, error) {
	h, ok := q.hyps[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, op, "hypothesis %s not found", id)
	}
	return h, nil
}

func (q *Queue) record(ctx context.Context, e audit.Entry) {
	if q.cfg.Audit == nil {
		return
	}
	e.SafetyScore = q.cfg.Gate.Breaker().SafetyScore()
	if _, err := q.cfg.Audit.Record(ctx, e); err != nil {
		slog.Warn("failed to write audit entry", "action_type", e.ActionType, "error", err)
	}
}
