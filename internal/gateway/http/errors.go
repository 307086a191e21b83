package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dockhand/dockhand/internal/agent"
	"github.com/dockhand/dockhand/internal/auth"
	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/session"
	"github.com/dockhand/dockhand/internal/session/store"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

// writeError maps service errors onto the API error envelope. Unrecognized
// errors are reported as transient so clients know a retry may help.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	c.JSON(status, v1.ErrorResponse{Code: code, Message: err.Error()})
}

func writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, v1.ErrorResponse{
		Code:    v1.ErrCodePrecondition,
		Message: err.Error(),
	})
}

func classify(err error) (int, v1.ErrorCode) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrMessageNotFound),
		errors.Is(err, store.ErrRunNotFound):
		return http.StatusNotFound, v1.ErrCodeNotFound

	case errors.Is(err, agent.ErrAgentAlreadyRunning):
		return http.StatusConflict, v1.ErrCodeConflict

	case errors.Is(err, session.ErrSessionNotRunning),
		errors.Is(err, agent.ErrNoRunningAgent):
		return http.StatusPreconditionFailed, v1.ErrCodePrecondition

	case errors.Is(err, agent.ErrContainerNotRunning),
		errors.Is(err, container.ErrContainerNotFound):
		return http.StatusConflict, v1.ErrCodeContainerFailure

	case errors.Is(err, agent.ErrAgentStartup):
		return http.StatusBadGateway, v1.ErrCodeAgentFailure

	case errors.Is(err, container.ErrEngineUnavailable):
		return http.StatusBadGateway, v1.ErrCodeEngineFailure

	case errors.Is(err, container.ErrPullThrottled):
		return http.StatusServiceUnavailable, v1.ErrCodeTransient

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, v1.ErrCodeUnauthorized

	default:
		return http.StatusInternalServerError, v1.ErrCodeTransient
	}
}
