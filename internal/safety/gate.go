package safety

import (
	"context"
	"sync"
)

// Gate combines the breaker and the policy into the admission checks used by
// the reflection loop, the handoff protocol and the exploration scheduler.
type Gate struct {
	breaker *CircuitBreaker
	policy  *Policy
}

// NewGate returns a gate over b and p.
func NewGate(b *CircuitBreaker, p *Policy) *Gate {
	return &Gate{breaker: b, policy: p}
}

// Breaker returns the underlying circuit breaker.
func (g *Gate) Breaker() *CircuitBreaker { return g.breaker }

// Policy returns the underlying policy.
func (g *Gate) Policy() *Policy { return g.policy }

// Ticket is an admitted high-risk action. Done must be called exactly once
// (extra calls are ignored) to report the outcome and free the slot.
type Ticket struct {
	gate  *Gate
	trial bool // admitted as the half-open trial
	once  sync.Once
}

// AdmitHighRisk admits one high-risk action. The breaker is consulted first
// (fail fast with CircuitOpen), then the policy concurrency cap (PolicyLimit,
// which never trips the breaker).
func (g *Gate) AdmitHighRisk(ctx context.Context) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trial, err := g.breaker.admit()
	if err != nil {
		return nil, err
	}
	if err := g.policy.AcquireHighRisk(); err != nil {
		if trial {
			g.breaker.AbortTrial()
		}
		return nil, err
	}
	g.breaker.BeginHighRisk()
	return &Ticket{gate: g, trial: trial}, nil
}

// Done reports the action outcome to the breaker and releases its slot.
// A nil err counts as success.
func (t *Ticket) Done(err error) {
	t.once.Do(func() {
		t.gate.breaker.EndHighRisk()
		t.gate.policy.ReleaseHighRisk()
		if err != nil {
			t.gate.breaker.RecordFailure(err.Error())
		} else {
			t.gate.breaker.RecordSuccess()
		}
	})
}

// Abandon releases the slot without reporting an outcome.
func (t *Ticket) Abandon() {
	t.once.Do(func() {
		t.gate.breaker.EndHighRisk()
		t.gate.policy.ReleaseHighRisk()
		if t.trial {
			t.gate.breaker.AbortTrial()
		}
	})
}

// Check is the cooperative cancellation point used between iterations:
// it fails if the breaker has opened since the ticket was admitted.
func (t *Ticket) Check() error {
	return t.gate.breaker.CheckOpen()
}

// AdmitExperiment admits one experiment: breaker first, then the daily
// budget and cooldown.
func (g *Gate) AdmitExperiment(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.breaker.Check(); err != nil {
		return err
	}
	return g.policy.AdmitExperiment()
}
