package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/GoPolymarket/polyvault/internal/config"
	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey       = "X-API-Key"
	HeaderActorID      = "X-Actor-ID"
	HeaderActorRole    = "X-Actor-Role"
	HeaderJurisdiction = "X-Actor-Jurisdiction"
	HeaderEmergency    = "X-Emergency-Justification"
	ContextActorKey    = "actor"
)

// Authenticator resolves API keys to vault actors.
type Authenticator struct {
	requireKey bool
	operators  map[string]config.OperatorConfig
}

func NewAuthenticator(cfg *config.Config) *Authenticator {
	a := &Authenticator{operators: make(map[string]config.OperatorConfig)}
	if cfg == nil {
		return a
	}
	a.requireKey = cfg.Auth.RequireAPIKey
	for _, op := range cfg.Auth.Operators {
		if op.APIKey == "" || op.ActorID == "" {
			continue
		}
		a.operators[op.APIKey] = op
	}
	return a
}

func (a *Authenticator) lookup(key string) (config.OperatorConfig, bool) {
	for k, op := range a.operators {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return op, true
		}
	}
	return config.OperatorConfig{}, false
}

// AuthMiddleware puts the calling model.Actor into the gin context. Without
// require_api_key, requests lacking a key identify themselves through the
// X-Actor-* headers (development only).
func AuthMiddleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var actor model.Actor
		apiKey := c.GetHeader(HeaderAPIKey)
		switch {
		case apiKey != "":
			op, ok := a.lookup(apiKey)
			if !ok {
				c.Error(apperrors.WithReason(apperrors.ErrAuthFailed, "invalid_api_key", "invalid API key"))
				c.Abort()
				return
			}
			actor = model.Actor{ID: op.ActorID, Role: model.SignerRole(op.Role), Jurisdiction: op.Jurisdiction}
		case !a.requireKey && c.GetHeader(HeaderActorID) != "":
			actor = model.Actor{
				ID:           strings.TrimSpace(c.GetHeader(HeaderActorID)),
				Role:         model.SignerRole(strings.ToLower(c.GetHeader(HeaderActorRole))),
				Jurisdiction: c.GetHeader(HeaderJurisdiction),
			}
		default:
			c.Error(apperrors.WithReason(apperrors.ErrAuthFailed, "missing_api_key", "missing API key"))
			c.Abort()
			return
		}
		actor.IP = c.ClientIP()
		actor.EmergencyJustification = strings.TrimSpace(c.GetHeader(HeaderEmergency))

		// 将操作人信息存入上下文
		c.Set(ContextActorKey, actor)
		c.Next()
	}
}

// ActorFrom returns the actor set by AuthMiddleware.
func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ContextActorKey)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}
