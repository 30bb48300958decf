package middleware

import (
	"crypto/subtle"

	"github.com/GoPolymarket/polyvault/internal/config"
	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const HeaderAdminKey = "X-Admin-Key"

// AdminMiddleware admits admin-role actors, or any caller presenting the
// configured admin key. Must run after AuthMiddleware.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(HeaderAdminKey); key != "" {
			if cfg == nil || cfg.Auth.AdminKey == "" {
				c.Error(apperrors.WithReason(apperrors.ErrAuthorization, "admin_key_not_configured", "admin key not configured"))
				c.Abort()
				return
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.Auth.AdminKey)) != 1 {
				c.Error(apperrors.WithReason(apperrors.ErrAuthFailed, "invalid_admin_key", "invalid admin key"))
				c.Abort()
				return
			}
			c.Next()
			return
		}
		actor, ok := ActorFrom(c)
		if !ok || actor.Role != model.RoleAdmin {
			c.Error(apperrors.WithReason(apperrors.ErrAuthorization, "admin_required", "operation requires the admin role"))
			c.Abort()
			return
		}
		c.Next()
	}
}
