package reflection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/correlate"
	"github.com/steveyegge/forge/internal/metrics"
	"github.com/steveyegge/forge/internal/patch"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/sandbox"
	"github.com/steveyegge/forge/internal/types"
)

var tracer = otel.Tracer("github.com/steveyegge/forge/internal/reflection")

// Config holds the loop's collaborators and limits.
type Config struct {
	Sandbox sandbox.Sandbox
	Gate    *safety.Gate

	// Refiner proposes changes (default: StaticRefiner)
	Refiner Refiner

	// DefaultMaxIterations applies when a request leaves it zero (default: 3)
	DefaultMaxIterations int

	// MaxIterationsLimit caps any request (default: 20)
	MaxIterationsLimit int

	// Promote is called for succeeded tasks with AutoPromote set (optional)
	Promote PromoteFunc

	// Results receives every task when it finishes (optional)
	Results *correlate.Broker[*Task]
}

// Loop runs reflection tasks. Tasks queue for a high-risk slot (sized by
// the safety policy) and use the sandbox one at a time.
type Loop struct {
	cfg   Config
	slots *semaphore.Weighted
	sbMu  sync.Mutex // one task drives the sandbox at a time

	mu      sync.RWMutex
	tasks   map[string]*Task
	order   []string
	initial map[string][]types.FileChange

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Now is the loop clock (overridable in tests)
	Now func() time.Time
}

// NewLoop creates a reflection loop.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Sandbox == nil {
		return nil, fmt.Errorf("sandbox is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("safety gate is required")
	}
	if cfg.Refiner == nil {
		cfg.Refiner = StaticRefiner{}
	}
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = 3
	}
	if cfg.MaxIterationsLimit <= 0 {
		cfg.MaxIterationsLimit = 20
	}
	slots := cfg.Gate.Policy().Config().MaxConcurrentHighRisk
	if slots <= 0 {
		slots = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(slots)),
		tasks:   make(map[string]*Task),
		initial: make(map[string][]types.FileChange),
		ctx:     ctx,
		cancel:  cancel,
		Now:     time.Now,
	}, nil
}

// NewTaskID returns a fresh task id.
func NewTaskID() string {
	return "task-" + uuid.New().String()
}

// Execute runs a task to completion and returns it. A task that fails is
// returned with status failed and a nil error; the error is non-nil only
// when the request is invalid or the circuit is open.
func (l *Loop) Execute(ctx context.Context, req Request) (*Task, error) {
	if err := l.cfg.Gate.Breaker().Check(); err != nil {
		return nil, err
	}
	task, err := l.create(req)
	if err != nil {
		return nil, err
	}
	_ = l.run(ctx, task)
	return l.get(task.ID), nil
}

// Start validates req, registers the task and runs it in the background.
// The breaker is checked up front so an open circuit is reported to the
// caller instead of producing a failed task.
func (l *Loop) Start(ctx context.Context, req Request) (*Task, error) {
	if err := l.cfg.Gate.Breaker().Check(); err != nil {
		return nil, err
	}
	task, err := l.create(req)
	if err != nil {
		return nil, err
	}

	runCtx := audit.WithActor(l.ctx, audit.ActorFrom(ctx, "reflection"))
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = l.run(runCtx, task)
	}()
	return l.get(task.ID), nil
}

// Close cancels background tasks and waits for them to finish.
func (l *Loop) Close() {
	l.cancel()
	l.wg.Wait()
}

// GetResult returns a copy of the task.
func (l *Loop) GetResult(id string) (*Task, error) {
	t := l.get(id)
	if t == nil {
		return nil, types.Errorf(types.KindNotFound, "reflection.get", "task %s not found", id)
	}
	return t, nil
}

// GetDiff returns the task's diff. For a running task it is read live from
// the sandbox, restricted to the files the task has touched.
func (l *Loop) GetDiff(ctx context.Context, id string) (string, error) {
	t, err := l.GetResult(id)
	if err != nil {
		return "", err
	}
	if t.Status.IsTerminal() {
		return t.Diff, nil
	}
	return l.touchedDiff(ctx, touchedPaths(t))
}

// List returns all tasks, newest first.
func (l *Loop) List() []*Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Task, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		out = append(out, l.tasks[l.order[i]].clone())
	}
	return out
}

func (l *Loop) create(req Request) (*Task, error) {
	const op = "reflection.execute"
	if strings.TrimSpace(req.Objective) == "" {
		return nil, types.Errorf(types.KindValidation, op, "objective is required")
	}
	maxIter := req.MaxIterations
	if maxIter == 0 {
		maxIter = l.cfg.DefaultMaxIterations
	}
	if maxIter < 0 || maxIter > l.cfg.MaxIterationsLimit {
		return nil, types.Errorf(types.KindValidation, op, "max_iterations must be between 1 and %d", l.cfg.MaxIterationsLimit)
	}
	targets := make([]string, 0, len(req.TargetFiles))
	for _, p := range req.TargetFiles {
		rel, err := types.CleanRelPath(op, p)
		if err != nil {
			return nil, err
		}
		targets = append(targets, rel)
	}
	for _, c := range req.Changes {
		if err := c.Validate(); err != nil {
			return nil, types.Wrap(types.KindValidation, op, err)
		}
	}

	id := req.ID
	if id == "" {
		id = NewTaskID()
	}
	task := &Task{
		ID:            id,
		Objective:     req.Objective,
		TargetFiles:   targets,
		Context:       req.Context,
		MaxIterations: maxIter,
		AutoPromote:   req.AutoPromote,
		Status:        StatusRunning,
		CreatedAt:     l.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.tasks[id]; exists {
		return nil, types.Errorf(types.KindStateConflict, op, "task %s already exists", id)
	}
	l.tasks[id] = task
	l.order = append(l.order, id)
	// The initial change travels with the task only until the first proposal
	l.pendingChanges(task.ID, req.Changes)
	return task.clone(), nil
}

// run queues for a slot, passes admission, drives the iterations and
// finishes the task. The returned error is the task's failure cause.
func (l *Loop) run(ctx context.Context, task *Task) (err error) {
	ctx, span := tracer.Start(ctx, "reflection.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("task.max_iterations", task.MaxIterations),
	))
	defer span.End()
	defer func() { l.finish(ctx, task.ID, err, span) }()

	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.slots.Release(1)

	ticket, err := l.cfg.Gate.AdmitHighRisk(ctx)
	if err != nil {
		return err
	}

	l.sbMu.Lock()
	defer l.sbMu.Unlock()

	err = l.iterate(ctx, task.ID, ticket)
	switch {
	case errors.Is(err, types.ErrCircuitOpen):
		// Stopped cooperatively; the trip was already counted
		ticket.Abandon()
	case errors.Is(err, ErrNoChange):
		ticket.Abandon()
	case err != nil:
		ticket.Done(err)
	case l.get(task.ID).Status != StatusSucceeded:
		ticket.Done(fmt.Errorf("reflection task %s did not pass validation", task.ID))
	default:
		ticket.Done(nil)
	}
	return err
}

func (l *Loop) iterate(ctx context.Context, id string, ticket *safety.Ticket) error {
	sb := l.cfg.Sandbox
	if _, err := sb.Start(ctx); err != nil {
		return err
	}
	// Each task starts from the host tree, not from what earlier tasks left
	if _, err := sb.Reset(ctx); err != nil {
		return err
	}

	snapshot := l.get(id)
	initial := l.takeChanges(id)
	feedback := ""
	var lastTimeout error

	for i := 1; i <= snapshot.MaxIterations; i++ {
		if i > 1 {
			if err := ticket.Check(); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		it, err := l.iteration(ctx, snapshot, i, feedback, initial)
		l.update(id, func(t *Task) {
			t.CurrentIteration = i
			t.Iterations = append(t.Iterations, it)
		})
		slog.Info("reflection iteration finished", "task_id", id, "iteration", i, "passed", it.Passed(), "error", err)

		if err != nil {
			if !errors.Is(err, types.ErrTimeout) {
				return err
			}
			// A timeout consumes the iteration and is retried
			lastTimeout = err
			feedback = err.Error()
			continue
		}
		lastTimeout = nil

		if it.Passed() {
			files, diff, err := l.collect(ctx, touchedPaths(l.get(id)))
			if err != nil {
				return err
			}
			l.update(id, func(t *Task) {
				t.Status = StatusSucceeded
				t.ReadyForPromotion = true
				t.Files = files
				t.Diff = diff
				t.Summary = fmt.Sprintf("validation passed on iteration %d of %d", i, t.MaxIterations)
				if it.Summary != "" {
					t.Summary += ": " + it.Summary
				}
			})
			return nil
		}
		feedback = failureFeedback(it)
	}

	if lastTimeout != nil {
		return lastTimeout
	}
	_, diff, err := l.collect(ctx, touchedPaths(l.get(id)))
	if err != nil {
		slog.Warn("failed to collect diff for failed task", "task_id", id, "error", err)
	}
	l.update(id, func(t *Task) {
		t.Status = StatusFailed
		t.Diff = diff
		t.Summary = fmt.Sprintf("validation did not pass after %d iterations", t.MaxIterations)
	})
	return nil
}

func (l *Loop) iteration(ctx context.Context, task *Task, n int, feedback string, initial []types.FileChange) (it Iteration, err error) {
	ctx, span := tracer.Start(ctx, "reflection.iteration", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("iteration", n),
	))
	start := time.Now()
	defer func() {
		it.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			it.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("passed", it.Passed()))
		span.End()
	}()
	it.Number = n
	sb := l.cfg.Sandbox

	current := make(map[string]string, len(task.TargetFiles))
	for _, p := range task.TargetFiles {
		data, err := sb.ReadFile(ctx, p)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return it, err
		}
		current[p] = string(data)
	}

	proposal, err := l.cfg.Refiner.Propose(ctx, ProposalRequest{
		Objective:   task.Objective,
		Context:     task.Context,
		TargetFiles: task.TargetFiles,
		Iteration:   n,
		Files:       current,
		Changes:     initial,
		Feedback:    feedback,
	})
	if err != nil {
		err = fmt.Errorf("refinement failed at iteration %d: %w", n, err)
		if errors.Is(err, ErrNoChange) {
			err = types.Wrap(types.KindValidation, "reflection.iterate", err)
		}
		return it, err
	}
	if len(proposal.Changes) == 0 {
		return it, types.Wrap(types.KindValidation, "reflection.iterate", fmt.Errorf("%w at iteration %d", ErrNoChange, n))
	}
	it.Summary = proposal.Summary

	for _, c := range proposal.Changes {
		if err := c.Validate(); err != nil {
			return it, types.Wrap(types.KindValidation, "reflection.iterate", err)
		}
		if c.Deleted {
			err = sb.RemoveFile(ctx, c.Path)
		} else {
			err = sb.WriteFile(ctx, c.Path, []byte(c.Content))
		}
		if err != nil {
			return it, err
		}
		it.Files = append(it.Files, c.Path)
	}

	tc, err := sb.TypeCheck(ctx)
	if err != nil {
		return it, err
	}
	it.TypeCheck = tc
	if !tc.Passed {
		return it, nil
	}

	tests, err := sb.RunTests(ctx, "")
	if err != nil {
		return it, err
	}
	it.Tests = tests
	return it, nil
}

// collect reads the final content of every touched file and the diff
// restricted to those files.
func (l *Loop) collect(ctx context.Context, paths []string) ([]types.FileChange, string, error) {
	sb := l.cfg.Sandbox
	files := make([]types.FileChange, 0, len(paths))
	for _, p := range paths {
		data, err := sb.ReadFile(ctx, p)
		switch {
		case errors.Is(err, types.ErrNotFound):
			files = append(files, types.FileChange{Path: p, Deleted: true})
		case err != nil:
			return nil, "", err
		default:
			files = append(files, types.FileChange{Path: p, Content: string(data)})
		}
	}
	diff, err := l.touchedDiff(ctx, paths)
	if err != nil {
		return nil, "", err
	}
	return files, diff, nil
}

func (l *Loop) touchedDiff(ctx context.Context, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}
	full, err := l.cfg.Sandbox.Diff(ctx, "")
	if err != nil {
		return "", err
	}
	keep := make(map[string]bool, len(paths))
	for _, p := range paths {
		keep[p] = true
	}
	return patch.Filter(full, func(p string) bool { return keep[p] })
}

func (l *Loop) finish(ctx context.Context, id string, err error, span trace.Span) {
	l.update(id, func(t *Task) {
		now := l.Now().UTC()
		t.CompletedAt = &now
		if err != nil {
			t.Status = StatusFailed
			t.ReadyForPromotion = false
			t.Error = err.Error()
			t.ErrorKind = types.KindOf(err)
			if t.Summary == "" {
				t.Summary = "task failed: " + err.Error()
			}
		}
	})
	task := l.get(id)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("task.status", string(task.Status)),
		attribute.Int("task.iterations", task.CurrentIteration),
	)
	metrics.RecordReflectionTask(string(task.Status), task.CurrentIteration)
	slog.Info("reflection task finished", "task_id", id, "status", task.Status,
		"iterations", task.CurrentIteration, "error", err)

	if task.Status == StatusSucceeded && task.AutoPromote && l.cfg.Promote != nil {
		artifactID, perr := l.cfg.Promote(ctx, task)
		if perr != nil {
			slog.Warn("auto-promotion failed", "task_id", id, "error", perr)
		} else {
			l.update(id, func(t *Task) { t.ArtifactID = artifactID })
			task = l.get(id)
		}
	}

	if l.cfg.Results != nil {
		l.cfg.Results.Deliver(id, task, nil)
	}
}

func (l *Loop) get(id string) *Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tasks[id]
	if !ok {
		return nil
	}
	return t.clone()
}

func (l *Loop) update(id string, fn func(*Task)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tasks[id]; ok {
		fn(t)
	}
}

// pendingChanges holds each task's initial change until its run starts.
// Caller holds l.mu.
func (l *Loop) pendingChanges(id string, changes []types.FileChange) {
	if len(changes) == 0 {
		return
	}
	l.initial[id] = append([]types.FileChange(nil), changes...)
}

func (l *Loop) takeChanges(id string) []types.FileChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.initial[id]
	delete(l.initial, id)
	return c
}

func touchedPaths(t *Task) []string {
	seen := map[string]bool{}
	var paths []string
	for _, it := range t.Iterations {
		for _, p := range it.Files {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	sort.Strings(paths)
	return paths
}

func failureFeedback(it Iteration) string {
	switch {
	case it.TypeCheck != nil && !it.TypeCheck.Passed:
		return "type check failed:\n" + it.TypeCheck.Output
	case it.Tests != nil && !it.Tests.Passed:
		return "tests failed:\n" + it.Tests.Output
	}
	return it.Error
}
