package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/steveyegge/forge/internal/types"
)

// bindOptional binds a JSON body that may be absent. It writes the error
// response and returns false on a malformed body.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return false
	}
	return true
}

func (s *Server) sandboxInfo(c *gin.Context) {
	ok(c, http.StatusOK, s.deps.Sandbox.Info())
}

func (s *Server) sandboxStart(c *gin.Context) {
	info, err := s.deps.Sandbox.Start(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (s *Server) sandboxStop(c *gin.Context) {
	info, err := s.deps.Sandbox.Stop(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (s *Server) sandboxDestroy(c *gin.Context) {
	info, err := s.deps.Sandbox.Destroy(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (s *Server) sandboxSync(c *gin.Context) {
	var req SyncRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := s.deps.Sandbox.SyncFromHost(c.Request.Context(), req.Paths)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (s *Server) sandboxExec(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.deps.Sandbox.Exec(c.Request.Context(), req.Command, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (s *Server) sandboxReadFile(c *gin.Context) {
	path := c.Query("path")
	data, err := s.deps.Sandbox.ReadFile(c.Request.Context(), path)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, FileContent{Path: path, Content: string(data)})
}

func (s *Server) sandboxWriteFile(c *gin.Context) {
	var req WriteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Sandbox.WriteFile(c.Request.Context(), req.Path, []byte(req.Content)); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, FileContent{Path: req.Path})
}

func (s *Server) sandboxRemoveFile(c *gin.Context) {
	path := c.Query("path")
	if err := s.deps.Sandbox.RemoveFile(c.Request.Context(), path); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, FileContent{Path: path})
}

func (s *Server) sandboxCommit(c *gin.Context) {
	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ref, err := s.deps.Sandbox.Commit(c.Request.Context(), req.Message)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, CommitRef{Ref: ref})
}

func (s *Server) sandboxDiff(c *gin.Context) {
	diff, err := s.deps.Sandbox.Diff(c.Request.Context(), c.Query("path"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, DiffText{Diff: diff})
}

func (s *Server) sandboxTests(c *gin.Context) {
	var req TestsRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := s.deps.Sandbox.RunTests(c.Request.Context(), req.Pattern)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (s *Server) sandboxTypeCheck(c *gin.Context) {
	res, err := s.deps.Sandbox.TypeCheck(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (s *Server) sandboxServerStart(c *gin.Context) {
	info, err := s.deps.Sandbox.StartServer(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (s *Server) sandboxServerStop(c *gin.Context) {
	info, err := s.deps.Sandbox.StopServer(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (s *Server) sandboxHistory(c *gin.Context) {
	if s.deps.History == nil {
		fail(c, types.Errorf(types.KindNotFound, "api.sandbox_history", "command history is not configured"))
		return
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		badRequest(c, err)
		return
	}
	sandboxID := c.Query("sandbox_id")
	if sandboxID == "" {
		sandboxID = s.deps.Sandbox.Info().ID
	}
	records, err := s.deps.History.GetCommandHistory(c.Request.Context(), sandboxID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, CommandHistory{SandboxID: sandboxID, Commands: records})
}

// queryInt reads a non-negative integer query parameter.
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.Errorf(types.KindValidation, "api.query", "%s must be a non-negative integer", key)
	}
	return n, nil
}
