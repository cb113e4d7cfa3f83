package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/types"
)

// requireQueue answers 404 for exploration routes when no queue is wired.
func (s *Server) requireQueue(c *gin.Context) {
	if s.deps.Queue == nil {
		fail(c, types.Errorf(types.KindNotFound, "api.exploration", "exploration is not enabled"))
		return
	}
	c.Next()
}

// reviewer prefers the body's reviewer and falls back to the actor header.
func reviewer(c *gin.Context, req DecisionRequest) string {
	if req.Reviewer != "" {
		return req.Reviewer
	}
	return audit.ActorFrom(c.Request.Context(), "")
}

func (s *Server) explorationTrigger(c *gin.Context) {
	var req exploration.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h, err := s.deps.Queue.Trigger(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, h)
}

func (s *Server) explorationExplore(c *gin.Context) {
	var req ExploreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h, err := s.deps.Queue.Explore(c.Request.Context(), req.Area)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, h)
}

func (s *Server) explorationSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h, err := s.deps.Queue.Submit(c.Request.Context(), exploration.Draft{
		Type:           req.Type,
		Description:    req.Description,
		TargetArea:     req.TargetArea,
		TargetFiles:    req.TargetFiles,
		ExpectedImpact: req.ExpectedImpact,
		SafetyRisk:     string(req.SafetyRisk),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, h)
}

func (s *Server) explorationList(c *gin.Context) {
	hyps := s.deps.Queue.List(exploration.Status(c.Query("status")))
	ok(c, http.StatusOK, HypothesisList{Hypotheses: hyps, Total: len(hyps)})
}

func (s *Server) explorationGet(c *gin.Context) {
	h, err := s.deps.Queue.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, h)
}

func (s *Server) explorationApprove(c *gin.Context) {
	var req DecisionRequest
	if !bindOptional(c, &req) {
		return
	}
	h, err := s.deps.Queue.ApproveExperiment(c.Request.Context(), c.Param("id"), reviewer(c, req))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, h)
}

func (s *Server) explorationReject(c *gin.Context) {
	var req DecisionRequest
	if !bindOptional(c, &req) {
		return
	}
	h, err := s.deps.Queue.RejectExperiment(c.Request.Context(), c.Param("id"), reviewer(c, req), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, h)
}

func (s *Server) explorationApproveArtifact(c *gin.Context) {
	var req DecisionRequest
	if !bindOptional(c, &req) {
		return
	}
	a, err := s.deps.Queue.ApproveArtifact(c.Request.Context(), c.Param("id"), reviewer(c, req), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

func (s *Server) explorationRejectArtifact(c *gin.Context) {
	var req DecisionRequest
	if !bindOptional(c, &req) {
		return
	}
	a, err := s.deps.Queue.RejectArtifact(c.Request.Context(), c.Param("id"), reviewer(c, req), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

func (s *Server) explorationRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		badRequest(c, err)
		return
	}
	runs, err := s.deps.Queue.Runs(c.Request.Context(), c.Query("hypothesis_id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, RunList{Runs: runs, Total: len(runs)})
}
