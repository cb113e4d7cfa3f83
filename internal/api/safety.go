package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/types"
)

func (s *Server) auditQuery(c *gin.Context) {
	const op = "api.audit_query"
	f := audit.Filter{
		Actor:      c.Query("actor"),
		ActionType: audit.ActionType(c.Query("action_type")),
		Outcome:    types.Outcome(c.Query("outcome")),
		RiskLevel:  types.RiskLevel(strings.ToUpper(c.Query("risk_level"))),
	}
	if f.ActionType != "" && !f.ActionType.IsValid() {
		fail(c, types.Errorf(types.KindValidation, op, "unknown action_type %q", f.ActionType))
		return
	}
	if f.Outcome != "" && !f.Outcome.IsValid() {
		fail(c, types.Errorf(types.KindValidation, op, "outcome must be success or failure"))
		return
	}
	if f.RiskLevel != "" && !f.RiskLevel.IsValid() {
		fail(c, types.Errorf(types.KindValidation, op, "risk_level must be LOW, MEDIUM or HIGH"))
		return
	}
	since, err := parseSince(c.Query("since"), time.Now())
	if err != nil {
		fail(c, types.Wrap(types.KindValidation, op, err))
		return
	}
	f.Since = since
	if f.Limit, err = queryInt(c, "limit", 100); err != nil {
		badRequest(c, err)
		return
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		badRequest(c, err)
		return
	}

	entries, total := s.deps.Ledger.Query(f)
	ok(c, http.StatusOK, AuditPage{Entries: entries, Total: total})
}

// parseSince accepts an RFC 3339 timestamp or a look-back duration ("24h").
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, types.Errorf(types.KindValidation, "api.since", "since must be RFC 3339 or a duration, got %q", raw)
	}
	return now.Add(-d), nil
}

func (s *Server) auditStats(c *gin.Context) {
	_, total := s.deps.Ledger.Query(audit.Filter{Limit: 1})
	ok(c, http.StatusOK, AuditStats{
		Total:  total,
		ByRisk: s.deps.Ledger.Counts(),
		Actors: s.deps.Ledger.Actors(),
	})
}

func (s *Server) snapshotList(c *gin.Context) {
	snaps, err := s.deps.Snapshots.List()
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]SnapshotSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, SnapshotSummary{
			ID:          snap.ID,
			Timestamp:   snap.Timestamp,
			Description: snap.Description,
			SourceRef:   snap.SourceRef,
			Scope:       snap.Scope,
			FileCount:   len(snap.Files),
		})
	}
	ok(c, http.StatusOK, SnapshotList{Snapshots: out, Total: len(out)})
}

func (s *Server) snapshotGet(c *gin.Context) {
	snap, err := s.deps.Snapshots.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, snap)
}

func (s *Server) circuitStatus(c *gin.Context) {
	policy := s.deps.Gate.Policy()
	limits := policy.Config()
	ok(c, http.StatusOK, CircuitStatus{
		Breaker: s.deps.Gate.Breaker().Status(),
		Policy:  policy.State(),
		Limits: CircuitLimits{
			MaxExperimentsPerDay:  limits.MaxExperimentsPerDay,
			ExperimentCooldown:    limits.ExperimentCooldown.String(),
			MaxConcurrentHighRisk: limits.MaxConcurrentHighRisk,
		},
	})
}

func (s *Server) circuitReset(c *gin.Context) {
	ctx := c.Request.Context()
	status := s.deps.Gate.Breaker().Reset(ctx, audit.ActorFrom(ctx, "api"))
	ok(c, http.StatusOK, status)
}
