package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/dyluth/arbre/internal/analysis"
	"github.com/dyluth/arbre/internal/cache"
	"github.com/dyluth/arbre/internal/engine"
	"github.com/dyluth/arbre/internal/pool"
	"github.com/dyluth/arbre/internal/rules"
	"github.com/dyluth/arbre/internal/studies"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, rules.ErrIllegalMove):
		return http.StatusBadRequest, "ILLEGAL_MOVE"
	case errors.Is(err, rules.ErrInvalidPosition):
		return http.StatusBadRequest, "INVALID_POSITION"
	case errors.Is(err, analysis.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, study.ErrInvalidOperation):
		return http.StatusBadRequest, "INVALID_OPERATION"
	case errors.Is(err, studies.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS"
	case errors.Is(err, study.ErrNodeNotFound):
		return http.StatusNotFound, "NODE_NOT_FOUND"
	case study.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, study.ErrUserExists):
		return http.StatusConflict, "USER_EXISTS"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, cache.ErrCancelled):
		return http.StatusServiceUnavailable, "CANCELLED"
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.Is(err, engine.ErrEngineCrashed), errors.Is(err, engine.ErrEngineSpawn):
		return http.StatusBadGateway, "ENGINE_FAILURE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().
			Err(err).
			Str("request_id", c.GetString(requestIDHeader)).
			Str("path", c.FullPath()).
			Str("code", code).
			Msg("Request failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_REQUEST"})
}
