package safety

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/steveyegge/forge/internal/types"
)

const rollingDay = 24 * time.Hour

// PolicyConfig holds the soft limits. A zero limit disables it.
type PolicyConfig struct {
	MaxExperimentsPerDay  int           // Experiments admitted per rolling 24h (default: 20)
	ExperimentCooldown    time.Duration // Minimum gap between experiments (default: 1m)
	MaxConcurrentHighRisk int           // Concurrently active high-risk actions (default: 1)
	PersistStatePath      string        // JSON state file, empty disables persistence
}

// DefaultPolicyConfig returns the default policy limits.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxExperimentsPerDay:  20,
		ExperimentCooldown:    time.Minute,
		MaxConcurrentHighRisk: 1,
	}
}

// PolicyState is the persisted policy counter state.
type PolicyState struct {
	ExperimentsToday      int         `json:"experiments_today"`
	ActiveHighRiskActions int         `json:"active_high_risk_actions"`
	LastExperimentTime    time.Time   `json:"last_experiment_time,omitempty"`
	ExperimentTimes       []time.Time `json:"experiment_times"` // admissions within the rolling day
	LastUpdated           time.Time   `json:"last_updated"`
}

// Policy enforces experiment budgets and the high-risk concurrency cap.
// Check never mutates state; Admit/Acquire mutate only on success, so a
// denied request does not consume budget.
type Policy struct {
	cfg   PolicyConfig
	mu    sync.Mutex
	state PolicyState

	// Now is the policy clock (overridable in tests)
	Now func() time.Time
}

// NewPolicy creates a policy and loads persisted state if configured.
func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{cfg: cfg, Now: time.Now}
	if cfg.PersistStatePath != "" {
		if err := p.loadState(); err != nil {
			slog.Warn("failed to load policy state, starting fresh", "path", cfg.PersistStatePath, "error", err)
		}
	}
	return p
}

// Config returns the policy limits.
func (p *Policy) Config() PolicyConfig {
	return p.cfg
}

// CheckExperiment reports whether one more experiment would be admitted.
func (p *Policy) CheckExperiment() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkExperimentLocked(p.Now())
}

// AdmitExperiment admits one experiment, consuming daily budget and
// starting the cooldown. A denied admission changes nothing.
func (p *Policy) AdmitExperiment() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.Now()
	if err := p.checkExperimentLocked(now); err != nil {
		return err
	}
	p.state.ExperimentTimes = append(pruneBefore(p.state.ExperimentTimes, now.Add(-rollingDay)), now)
	p.state.ExperimentsToday = len(p.state.ExperimentTimes)
	p.state.LastExperimentTime = now
	p.persistLocked(now)
	return nil
}

// CheckHighRisk reports whether one more high-risk action would be admitted.
func (p *Policy) CheckHighRisk() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkHighRiskLocked()
}

// AcquireHighRisk claims a high-risk slot. Callers must ReleaseHighRisk.
func (p *Policy) AcquireHighRisk() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkHighRiskLocked(); err != nil {
		return err
	}
	p.state.ActiveHighRiskActions++
	p.persistLocked(p.Now())
	return nil
}

// ReleaseHighRisk returns a high-risk slot.
func (p *Policy) ReleaseHighRisk() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.ActiveHighRiskActions > 0 {
		p.state.ActiveHighRiskActions--
	}
	p.persistLocked(p.Now())
}

// State returns a copy of the current counters with the rolling day applied.
func (p *Policy) State() PolicyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	s.ExperimentTimes = pruneBefore(append([]time.Time(nil), p.state.ExperimentTimes...), p.Now().Add(-rollingDay))
	s.ExperimentsToday = len(s.ExperimentTimes)
	return s
}

func (p *Policy) checkExperimentLocked(now time.Time) error {
	const op = "safety.policy"
	if p.cfg.MaxExperimentsPerDay > 0 {
		// Count without pruning in place: Check must not mutate
		n := 0
		cutoff := now.Add(-rollingDay)
		for _, t := range p.state.ExperimentTimes {
			if !t.Before(cutoff) {
				n++
			}
		}
		if n >= p.cfg.MaxExperimentsPerDay {
			return types.Errorf(types.KindPolicyLimit, op, "daily experiment limit reached (%d/%d)", n, p.cfg.MaxExperimentsPerDay)
		}
	}
	if p.cfg.ExperimentCooldown > 0 && !p.state.LastExperimentTime.IsZero() {
		if since := now.Sub(p.state.LastExperimentTime); since < p.cfg.ExperimentCooldown {
			return types.Errorf(types.KindPolicyLimit, op, "experiment cooldown active, %v remaining",
				(p.cfg.ExperimentCooldown - since).Round(time.Second))
		}
	}
	return nil
}

func (p *Policy) checkHighRiskLocked() error {
	if p.cfg.MaxConcurrentHighRisk > 0 && p.state.ActiveHighRiskActions >= p.cfg.MaxConcurrentHighRisk {
		return types.Errorf(types.KindPolicyLimit, "safety.policy", "concurrent high-risk limit reached (%d/%d)",
			p.state.ActiveHighRiskActions, p.cfg.MaxConcurrentHighRisk)
	}
	return nil
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// persistLocked saves state to disk. Failures are logged, not returned:
// losing the file only loosens limits after a restart.
func (p *Policy) persistLocked(now time.Time) {
	p.state.LastUpdated = now
	if p.cfg.PersistStatePath == "" {
		return
	}
	data, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		slog.Warn("failed to marshal policy state", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.cfg.PersistStatePath), 0755); err != nil {
		slog.Warn("failed to create policy state dir", "error", err)
		return
	}
	if err := os.WriteFile(p.cfg.PersistStatePath, data, 0644); err != nil {
		slog.Warn("failed to persist policy state", "path", p.cfg.PersistStatePath, "error", err)
	}
}

// loadState loads the policy state from disk
func (p *Policy) loadState() error {
	data, err := os.ReadFile(p.cfg.PersistStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No state file yet, start fresh
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state PolicyState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	// In-flight actions did not survive the restart
	state.ActiveHighRiskActions = 0
	state.ExperimentTimes = pruneBefore(state.ExperimentTimes, p.Now().Add(-rollingDay))
	state.ExperimentsToday = len(state.ExperimentTimes)
	p.state = state
	return nil
}
