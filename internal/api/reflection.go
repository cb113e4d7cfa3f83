package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/steveyegge/forge/internal/handoff"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/types"
)

func (s *Server) reflectionExecute(c *gin.Context) {
	var body ExecuteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	req := body.Request

	switch {
	case body.Async:
		task, err := s.deps.Loop.Start(ctx, req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusAccepted, task)

	case s.deps.Results == nil:
		task, err := s.deps.Loop.Execute(ctx, req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, task)

	default:
		if req.ID == "" {
			req.ID = reflection.NewTaskID()
		}
		task, err := s.deps.Results.Call(ctx, req.ID, s.deps.WaitTimeout, func() error {
			_, err := s.deps.Loop.Start(ctx, req)
			return err
		})
		if types.KindOf(err) == types.KindTimeout {
			// Still running; the caller polls GET /reflection/:id
			running, gerr := s.deps.Loop.GetResult(req.ID)
			if gerr != nil {
				fail(c, gerr)
				return
			}
			slog.Info("reflection task still running after wait", "task_id", req.ID, "wait", s.deps.WaitTimeout)
			ok(c, http.StatusAccepted, running)
			return
		}
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, task)
	}
}

func (s *Server) reflectionList(c *gin.Context) {
	tasks := s.deps.Loop.List()
	if status := reflection.Status(c.Query("status")); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	ok(c, http.StatusOK, TaskList{Tasks: tasks, Total: len(tasks)})
}

func (s *Server) reflectionGet(c *gin.Context) {
	task, err := s.deps.Loop.GetResult(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, task)
}

func (s *Server) reflectionDiff(c *gin.Context) {
	id := c.Param("id")
	diff, err := s.deps.Loop.GetDiff(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, DiffText{TaskID: id, Diff: diff})
}

func (s *Server) handoffPrepare(c *gin.Context) {
	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.deps.Loop.GetResult(req.TaskID)
	if err != nil {
		fail(c, err)
		return
	}
	a, err := s.deps.Handoff.Prepare(c.Request.Context(), task, handoff.PrepareOptions{
		Objective: req.Objective,
		Metadata:  req.Metadata,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, a)
}

func (s *Server) handoffList(c *gin.Context) {
	status := handoff.Status(c.Query("status"))
	if status != "" && !status.IsValid() {
		fail(c, types.Errorf(types.KindValidation, "api.handoff_list", "unknown status %q", status))
		return
	}
	artifacts := s.deps.Handoff.List(status)
	ok(c, http.StatusOK, ArtifactList{Artifacts: artifacts, Total: len(artifacts)})
}

func (s *Server) handoffGet(c *gin.Context) {
	a, err := s.deps.Handoff.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

func (s *Server) handoffReview(c *gin.Context) {
	var req handoff.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, err := s.deps.Handoff.Review(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

func (s *Server) handoffExecute(c *gin.Context) {
	var opts handoff.ExecuteOptions
	if !bindOptional(c, &opts) {
		return
	}
	// Production writes finish even if the caller goes away
	ctx := context.WithoutCancel(c.Request.Context())
	a, err := s.deps.Handoff.Execute(ctx, c.Param("id"), opts)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

func (s *Server) handoffRollback(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	a, err := s.deps.Handoff.Rollback(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}
