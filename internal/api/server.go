// Package api serves the forge operation surface over HTTP under /api/v1.
//
// Every response uses the envelope {ok, data|error}; error kinds map to
// status codes in StatusFor. The caller named by the X-Forge-Actor header is
// recorded as the actor of audited actions.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/correlate"
	"github.com/steveyegge/forge/internal/exploration"
	"github.com/steveyegge/forge/internal/handoff"
	"github.com/steveyegge/forge/internal/reflection"
	"github.com/steveyegge/forge/internal/rollback"
	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/sandbox"
)

// HistoryReader returns recorded sandbox commands, newest first.
type HistoryReader interface {
	GetCommandHistory(ctx context.Context, sandboxID string, limit int) ([]sandbox.CommandRecord, error)
}

// Deps are the components the API exposes. Queue and History are optional;
// their routes answer 404 when unset.
type Deps struct {
	Sandbox sandbox.Sandbox
	History HistoryReader
	Loop    *reflection.Loop

	// Results must be the broker the loop delivers to; without it execute
	// runs the task inline
	Results *correlate.Broker[*reflection.Task]

	Handoff   *handoff.Protocol
	Queue     *exploration.Queue
	Ledger    *audit.Ledger
	Snapshots *rollback.Store
	Gate      *safety.Gate

	// WaitTimeout bounds how long execute waits for a reflection task
	// before answering 202 with the running task (default: 5m)
	WaitTimeout time.Duration
}

// Server is the forge HTTP API.
type Server struct {
	deps   Deps
	engine *gin.Engine

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	doneCh   chan struct{}
}

// NewServer builds the router.
func NewServer(deps Deps) (*Server, error) {
	if deps.Sandbox == nil || deps.Loop == nil || deps.Handoff == nil ||
		deps.Ledger == nil || deps.Snapshots == nil || deps.Gate == nil {
		return nil, fmt.Errorf("sandbox, loop, handoff, ledger, snapshots and gate are required")
	}
	if deps.WaitTimeout == 0 {
		deps.WaitTimeout = 5 * time.Minute
	}
	s := &Server{deps: deps}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestContext())
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		sb := v1.Group("/sandbox")
		sb.GET("", s.sandboxInfo)
		sb.POST("/start", s.sandboxStart)
		sb.POST("/stop", s.sandboxStop)
		sb.POST("/destroy", s.sandboxDestroy)
		sb.POST("/sync", s.sandboxSync)
		sb.POST("/exec", s.sandboxExec)
		sb.GET("/files", s.sandboxReadFile)
		sb.PUT("/files", s.sandboxWriteFile)
		sb.DELETE("/files", s.sandboxRemoveFile)
		sb.POST("/commit", s.sandboxCommit)
		sb.GET("/diff", s.sandboxDiff)
		sb.POST("/tests", s.sandboxTests)
		sb.POST("/typecheck", s.sandboxTypeCheck)
		sb.POST("/server/start", s.sandboxServerStart)
		sb.POST("/server/stop", s.sandboxServerStop)
		sb.GET("/history", s.sandboxHistory)

		rf := v1.Group("/reflection")
		rf.POST("/execute", s.reflectionExecute)
		rf.GET("", s.reflectionList)
		rf.GET("/:id", s.reflectionGet)
		rf.GET("/:id/diff", s.reflectionDiff)

		ho := v1.Group("/handoff")
		ho.POST("/prepare", s.handoffPrepare)
		ho.GET("/artifacts", s.handoffList)
		ho.GET("/artifacts/:id", s.handoffGet)
		ho.POST("/artifacts/:id/review", s.handoffReview)
		ho.POST("/artifacts/:id/execute", s.handoffExecute)
		ho.POST("/artifacts/:id/rollback", s.handoffRollback)

		v1.GET("/audit", s.auditQuery)
		v1.GET("/audit/stats", s.auditStats)
		v1.GET("/snapshots", s.snapshotList)
		v1.GET("/snapshots/:id", s.snapshotGet)
		v1.GET("/circuit", s.circuitStatus)
		v1.POST("/circuit/reset", s.circuitReset)

		ex := v1.Group("/exploration", s.requireQueue)
		ex.POST("/trigger", s.explorationTrigger)
		ex.POST("/explore", s.explorationExplore)
		ex.POST("/hypotheses", s.explorationSubmit)
		ex.GET("/hypotheses", s.explorationList)
		ex.GET("/hypotheses/:id", s.explorationGet)
		ex.POST("/hypotheses/:id/approve", s.explorationApprove)
		ex.POST("/hypotheses/:id/reject", s.explorationReject)
		ex.POST("/artifacts/:id/approve", s.explorationApproveArtifact)
		ex.POST("/artifacts/:id/reject", s.explorationRejectArtifact)
		ex.GET("/runs", s.explorationRuns)
	}
}

func (s *Server) health(c *gin.Context) {
	ok(c, http.StatusOK, Health{
		Status:  "ok",
		Circuit: s.deps.Gate.Breaker().State(),
		Sandbox: s.deps.Sandbox.Info().State,
	})
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return fmt.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	s.doneCh = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server stopped", "error", err)
		}
	}(s.http, s.doneCh)

	slog.Info("api server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to 5s for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.http, s.doneCh
	s.http, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("timeout waiting for api server shutdown")
	}
	slog.Info("api server stopped")
	return err
}
