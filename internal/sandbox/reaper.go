package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/steveyegge/forge/internal/audit"
)

// Reaper destroys the current sandbox once it is too old or has been idle
// too long.
type Reaper struct {
	sandbox  Sandbox
	maxAge   time.Duration
	maxIdle  time.Duration
	interval time.Duration

	// Now is the reaper clock (overridable in tests)
	Now func() time.Time
}

// NewReaper returns a reaper for sb. Zero durations use 1h max age, 10m max
// idle and a 1m sweep interval.
func NewReaper(sb Sandbox, maxAge, maxIdle, interval time.Duration) *Reaper {
	if maxAge == 0 {
		maxAge = time.Hour
	}
	if maxIdle == 0 {
		maxIdle = 10 * time.Minute
	}
	if interval == 0 {
		interval = time.Minute
	}
	return &Reaper{sandbox: sb, maxAge: maxAge, maxIdle: maxIdle, interval: interval, Now: time.Now}
}

// Sweep destroys the sandbox if it is past its age or idle limit. It
// reports whether the sandbox was destroyed.
func (r *Reaper) Sweep(ctx context.Context) (bool, error) {
	info := r.sandbox.Info()
	if info.State != StateRunning && info.State != StateStopped {
		return false, nil
	}

	now := r.Now()
	reason := ""
	switch {
	case now.Sub(info.CreatedAt) > r.maxAge:
		reason = "max_age"
	case now.Sub(info.LastUsedAt) > r.maxIdle:
		reason = "max_idle"
	default:
		return false, nil
	}

	slog.Info("reaping sandbox", "sandbox_id", info.ID, "reason", reason)
	if _, err := r.sandbox.Destroy(audit.WithActor(ctx, "reaper")); err != nil {
		return false, err
	}
	return true, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.Warn("sandbox reaper sweep failed", "error", err)
			}
		}
	}
}
