// Package safety holds the admission interlocks consulted before any risky
// action: a three-state circuit breaker fed by failure and health signals,
// and a softer policy limiter for experiment and concurrency budgets.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/types"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"    // Normal operation, actions pass through
	StateOpen     State = "open"      // Threshold breached, block actions (fail fast)
	StateHalfOpen State = "half_open" // Probing recovery, exactly one trial action
)

// BreakerConfig holds breaker thresholds. A zero threshold disables that signal.
type BreakerConfig struct {
	FailureThreshold   int           // Consecutive failures before opening (default: 3)
	ErrorRateThreshold float64       // Failure ratio over ErrorRateWindow that opens the circuit
	ErrorRateWindow    time.Duration // Rolling window for the error rate (default: 10m)
	MinSamples         int           // Outcomes required in the window before the rate applies
	MinSafetyScore     float64       // Safety score below which the circuit opens
	MaxHeapBytes       uint64        // Heap size above which the circuit opens
	MaxActiveHighRisk  int           // Concurrent high-risk actions above which the circuit opens
	ResetTimeout       time.Duration // How long to stay open before probing (default: 5m)
}

// DefaultBreakerConfig returns the default breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   3,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    10 * time.Minute,
		MinSamples:         6,
		MinSafetyScore:     0.3,
		MaxHeapBytes:       0,
		MaxActiveHighRisk:  3,
		ResetTimeout:       5 * time.Minute,
	}
}

// Status is a point-in-time view of the breaker.
type Status struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	ErrorRate       float64   `json:"error_rate"`
	Samples         int       `json:"samples"`
	SafetyScore     float64   `json:"safety_score"`
	ActiveHighRisk  int       `json:"active_high_risk"`
	TripReason      string    `json:"trip_reason,omitempty"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
	TrialInFlight   bool      `json:"trial_in_flight"`
}

type outcome struct {
	at     time.Time
	failed bool
}

// CircuitBreaker aggregates failure, error-rate, safety-score, memory and
// concurrency signals into a closed/open/half-open interlock. All state is
// owned by the instance; nothing is package-global.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg             BreakerConfig
	state           State
	failureCount    int
	outcomes        []outcome
	safetyScore     float64
	activeHighRisk  int
	tripReason      string
	openedAt        time.Time
	lastStateChange time.Time
	trialInFlight   bool

	audit   audit.Recorder
	pending []audit.Entry // transitions to audit once the lock is released

	// Now is the breaker clock (overridable in tests)
	Now func() time.Time
	// ReadHeap reports current heap usage in bytes
	ReadHeap func() uint64
	// OnStateChange is called after each transition, outside the lock
	OnStateChange func(State)
}

// NewCircuitBreaker creates a closed breaker. rec may be nil.
func NewCircuitBreaker(cfg BreakerConfig, rec audit.Recorder) *CircuitBreaker {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = 10 * time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Minute
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	return &CircuitBreaker{
		cfg:             cfg,
		state:           StateClosed,
		safetyScore:     1,
		audit:           rec,
		Now:             time.Now,
		ReadHeap:        readHeap,
		lastStateChange: time.Now(),
	}
}

func readHeap() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Allow admits one high-risk action. While open it fails fast with a
// CircuitOpen error. In half-open it admits exactly one trial; the caller
// must report the trial's outcome with RecordSuccess/RecordFailure or give
// it back with AbortTrial.
func (cb *CircuitBreaker) Allow() error {
	_, err := cb.admit()
	return err
}

// admit is Allow, also reporting whether the admission claimed the trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.unlockAndFlush()

	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		if cb.cfg.MaxHeapBytes > 0 && cb.ReadHeap != nil {
			if heap := cb.ReadHeap(); heap > cb.cfg.MaxHeapBytes {
				cb.transitionToOpen(fmt.Sprintf("memory pressure: heap %d bytes exceeds %d", heap, cb.cfg.MaxHeapBytes))
				return false, cb.openErrorLocked()
			}
		}
		return false, nil

	case StateHalfOpen:
		if cb.trialInFlight {
			return false, types.Errorf(types.KindCircuitOpen, "safety.allow", "circuit half-open: trial already in flight")
		}
		cb.trialInFlight = true
		return true, nil

	default:
		return false, cb.openErrorLocked()
	}
}

// Check reports whether a high-risk action would be admitted right now,
// without claiming the half-open trial.
func (cb *CircuitBreaker) Check() error {
	cb.mu.Lock()
	defer cb.unlockAndFlush()

	cb.maybeHalfOpenLocked()
	switch cb.state {
	case StateOpen:
		return cb.openErrorLocked()
	case StateHalfOpen:
		if cb.trialInFlight {
			return types.Errorf(types.KindCircuitOpen, "safety.check", "circuit half-open: trial already in flight")
		}
	}
	return nil
}

// CheckOpen fails only while the circuit is open. Actions already admitted
// (including a half-open trial) use it between steps.
func (cb *CircuitBreaker) CheckOpen() error {
	cb.mu.Lock()
	defer cb.unlockAndFlush()

	cb.maybeHalfOpenLocked()
	if cb.state == StateOpen {
		return cb.openErrorLocked()
	}
	return nil
}

// AbortTrial releases a half-open trial claimed by Allow without an outcome
// (for example when a later admission step denied the action).
func (cb *CircuitBreaker) AbortTrial() {
	cb.mu.Lock()
	defer cb.unlockAndFlush()
	cb.trialInFlight = false
}

// RecordSuccess records a successful action.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.unlockAndFlush()

	cb.addOutcomeLocked(false)

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.transitionToClosed("trial action succeeded")
	}
}

// RecordFailure records a failed action. reason is kept as the trip reason
// if this failure opens the circuit.
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.unlockAndFlush()

	cb.addOutcomeLocked(true)

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.cfg.FailureThreshold > 0 && cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transitionToOpen(fmt.Sprintf("%d consecutive failures (last: %s)", cb.failureCount, reason))
			return
		}
		if rate, n := cb.errorRateLocked(); cb.cfg.ErrorRateThreshold > 0 && n >= cb.cfg.MinSamples && rate >= cb.cfg.ErrorRateThreshold {
			cb.transitionToOpen(fmt.Sprintf("error rate %.2f over %d actions exceeds %.2f", rate, n, cb.cfg.ErrorRateThreshold))
		}

	case StateHalfOpen:
		// Any failure in half-open immediately reopens the circuit
		cb.failureCount++
		cb.transitionToOpen(fmt.Sprintf("trial action failed: %s", reason))
	}
}

// ObserveSafetyScore feeds the externally computed safety score in [0,1].
func (cb *CircuitBreaker) ObserveSafetyScore(score float64) error {
	if score < 0 || score > 1 {
		return types.Errorf(types.KindValidation, "safety.observe", "safety score %.3f outside [0,1]", score)
	}
	cb.mu.Lock()
	defer cb.unlockAndFlush()

	cb.safetyScore = score
	if cb.state == StateClosed && cb.cfg.MinSafetyScore > 0 && score < cb.cfg.MinSafetyScore {
		cb.transitionToOpen(fmt.Sprintf("safety score %.2f below %.2f", score, cb.cfg.MinSafetyScore))
	}
	return nil
}

// BeginHighRisk counts one more concurrently active high-risk action.
func (cb *CircuitBreaker) BeginHighRisk() {
	cb.mu.Lock()
	defer cb.unlockAndFlush()

	cb.activeHighRisk++
	if cb.state == StateClosed && cb.cfg.MaxActiveHighRisk > 0 && cb.activeHighRisk > cb.cfg.MaxActiveHighRisk {
		cb.transitionToOpen(fmt.Sprintf("%d concurrent high-risk actions exceeds %d", cb.activeHighRisk, cb.cfg.MaxActiveHighRisk))
	}
}

// EndHighRisk counts one high-risk action as finished.
func (cb *CircuitBreaker) EndHighRisk() {
	cb.mu.Lock()
	defer cb.unlockAndFlush()
	if cb.activeHighRisk > 0 {
		cb.activeHighRisk--
	}
}

// SafetyScore returns the last observed safety score.
func (cb *CircuitBreaker) SafetyScore() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.safetyScore
}

// Reset forces the circuit closed. This is a manual override and is audited
// as a HIGH risk action.
func (cb *CircuitBreaker) Reset(ctx context.Context, actor string) Status {
	cb.mu.Lock()
	prev := cb.state
	cb.transitionToClosed("manual reset")
	cb.outcomes = nil
	// The transition entry is replaced by the reset entry below
	cb.pending = nil
	status := cb.statusLocked()
	hook := cb.OnStateChange
	cb.mu.Unlock()

	if actor == "" {
		actor = "system"
	}
	entry := audit.NewEntry(actor, audit.ActionCircuitReset, fmt.Sprintf("manual circuit reset from %s", prev), types.OutcomeSuccess, types.RiskHigh).
		With("previous_state", string(prev))
	cb.record(ctx, entry)
	if hook != nil {
		hook(StateClosed)
	}
	return status
}

// State returns the current state, moving open to half-open if the reset
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	return cb.Status().State
}

// Status returns current breaker metrics.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.unlockAndFlush()
	cb.maybeHalfOpenLocked()
	return cb.statusLocked()
}

func (cb *CircuitBreaker) statusLocked() Status {
	rate, n := cb.errorRateLocked()
	return Status{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		ErrorRate:       rate,
		Samples:         n,
		SafetyScore:     cb.safetyScore,
		ActiveHighRisk:  cb.activeHighRisk,
		TripReason:      cb.tripReason,
		OpenedAt:        cb.openedAt,
		LastStateChange: cb.lastStateChange,
		TrialInFlight:   cb.trialInFlight,
	}
}

func (cb *CircuitBreaker) openErrorLocked() error {
	retryIn := cb.cfg.ResetTimeout - cb.Now().Sub(cb.openedAt)
	if retryIn < 0 {
		retryIn = 0
	}
	return types.Errorf(types.KindCircuitOpen, "safety.allow", "circuit open (%s), retry in %v", cb.tripReason, retryIn.Round(time.Second))
}

// addOutcomeLocked appends to the rolling window and drops expired entries.
func (cb *CircuitBreaker) addOutcomeLocked(failed bool) {
	now := cb.Now()
	cb.outcomes = append(cb.outcomes, outcome{at: now, failed: failed})
	cb.pruneLocked(now)
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.ErrorRateWindow)
	i := 0
	for i < len(cb.outcomes) && cb.outcomes[i].at.Before(cutoff) {
		i++
	}
	cb.outcomes = cb.outcomes[i:]
}

func (cb *CircuitBreaker) errorRateLocked() (float64, int) {
	cb.pruneLocked(cb.Now())
	if len(cb.outcomes) == 0 {
		return 0, 0
	}
	failed := 0
	for _, o := range cb.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(cb.outcomes)), len(cb.outcomes)
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transitionToHalfOpen()
	}
}

// transitionToClosed moves the circuit to closed state (must be called with lock held)
func (cb *CircuitBreaker) transitionToClosed(why string) {
	oldState := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.tripReason = ""
	cb.trialInFlight = false
	cb.lastStateChange = cb.Now()
	if oldState == StateClosed {
		return
	}
	slog.Info("circuit breaker state transition", "from", oldState, "to", cb.state, "why", why)
	cb.pending = append(cb.pending,
		audit.NewEntry("circuit-breaker", audit.ActionCircuitClose, "circuit closed: "+why, types.OutcomeSuccess, types.RiskMedium).
			With("previous_state", string(oldState)))
}

// transitionToOpen moves the circuit to open state (must be called with lock held)
func (cb *CircuitBreaker) transitionToOpen(reason string) {
	oldState := cb.state
	cb.state = StateOpen
	cb.tripReason = reason
	cb.trialInFlight = false
	cb.openedAt = cb.Now()
	cb.lastStateChange = cb.openedAt
	slog.Warn("circuit breaker tripped", "from", oldState, "to", cb.state, "reason", reason, "reset_timeout", cb.cfg.ResetTimeout)

	entry := audit.NewEntry("circuit-breaker", audit.ActionCircuitTrip, "circuit opened: "+reason, types.OutcomeSuccess, types.RiskHigh).
		With("previous_state", string(oldState))
	entry.SafetyScore = cb.safetyScore
	cb.pending = append(cb.pending, entry)
}

// transitionToHalfOpen moves the circuit to half-open state (must be called with lock held)
func (cb *CircuitBreaker) transitionToHalfOpen() {
	oldState := cb.state
	cb.state = StateHalfOpen
	cb.trialInFlight = false
	cb.lastStateChange = cb.Now()
	slog.Info("circuit breaker state transition", "from", oldState, "to", cb.state, "why", "probing for recovery")
	cb.pending = append(cb.pending,
		audit.NewEntry("circuit-breaker", audit.ActionCircuitHalfOpen, "circuit half-open after reset timeout", types.OutcomeSuccess, types.RiskLow))
}

// unlockAndFlush releases the lock, then audits queued transitions and
// notifies OnStateChange. Audit writes never happen under the breaker lock.
func (cb *CircuitBreaker) unlockAndFlush() {
	events := cb.pending
	cb.pending = nil
	state := cb.state
	hook := cb.OnStateChange
	cb.mu.Unlock()

	if len(events) == 0 {
		return
	}
	for _, e := range events {
		cb.record(context.Background(), e)
	}
	if hook != nil {
		hook(state)
	}
}

func (cb *CircuitBreaker) record(ctx context.Context, e audit.Entry) {
	if cb.audit == nil {
		return
	}
	if _, err := cb.audit.Record(ctx, e); err != nil {
		slog.Warn("failed to audit circuit breaker transition", "action_type", e.ActionType, "error", err)
	}
}
