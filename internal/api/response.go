package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/types"
)

// ActorHeader names the caller recorded in audit entries.
const ActorHeader = "X-Forge-Actor"

// RequestIDHeader carries the request id echoed in responses and logs.
const RequestIDHeader = "X-Request-ID"

// Envelope wraps every response body.
type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{OK: true, Data: data})
}

// fail maps err to a status code by kind and writes the error envelope.
func fail(c *gin.Context, err error) {
	kind := types.KindOf(err)
	status := StatusFor(kind)

	logger := slog.With("request_id", c.GetString("request_id"), "path", c.FullPath())
	switch {
	case kind == types.KindRollbackFailure:
		logger.Error("request failed", "kind", kind, "error", err, "severity", "critical")
	case status >= 500:
		logger.Error("request failed", "kind", kind, "error", err)
	default:
		logger.Info("request rejected", "kind", kind, "error", err)
	}

	c.AbortWithStatusJSON(status, Envelope{OK: false, Error: &ErrorBody{Kind: kind, Message: err.Error()}})
}

// badRequest reports a binding failure as a validation error.
func badRequest(c *gin.Context, err error) {
	var te *types.Error
	if errors.As(err, &te) {
		fail(c, err)
		return
	}
	fail(c, types.Wrap(types.KindValidation, "api.bind", err))
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation, types.KindStateConflict, types.KindNotReady:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindAccessDenied:
		return http.StatusForbidden
	case types.KindCircuitOpen, types.KindPolicyLimit:
		return http.StatusTooManyRequests
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// requestContext assigns a request id, binds the actor header to the
// request context and logs the request.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		if actor := c.GetHeader(ActorHeader); actor != "" {
			c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), actor))
		}

		c.Next()

		slog.Debug("request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
