package middleware

import (
	"errors"

	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ErrorHandler renders the last c.Error as an AppError body. Handlers that already
// wrote a response (websocket upgrades, idempotent replays) are left alone.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		last := c.Errors.Last()
		var appErr *apperrors.AppError
		switch {
		case errors.As(last.Err, &appErr):
		case last.IsType(gin.ErrorTypeBind):
			appErr = apperrors.WithReasonCause(apperrors.ErrValidation, "invalid_body", last.Err.Error(), last.Err)
		default:
			appErr = apperrors.New(apperrors.ErrInternal, last.Err.Error(), last.Err)
		}

		fields := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"code", appErr.Type,
			"reason", appErr.Reason,
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, "resource_id", id)
		}
		if actor, ok := ActorFrom(c); ok {
			fields = append(fields, "actor", actor.ID, "actor_role", actor.Role)
		}

		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "request failed", fields...)
		} else {
			// 业务拒绝只记 warn
			logger.Warn(appErr.Message, fields...)
		}
		c.JSON(appErr.HTTPStatus, appErr)
	}
}
