package middleware

import (
	"net/http"
	"sync"

	"github.com/GoPolymarket/polyvault/internal/config"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ActorLimiters hands out one token bucket per actor id.
type ActorLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter // Key: actor id
}

func NewActorLimiters(cfg config.RateLimitConfig) *ActorLimiters {
	limit := rate.Limit(cfg.QPS)
	if cfg.QPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ActorLimiters{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *ActorLimiters) For(actorID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[actorID] = lim
	}
	return lim
}

func RateLimitMiddleware(limiters *ActorLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 获取当前操作人 (必须在 AuthMiddleware 之后使用)
		actor, ok := ActorFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "AUTH_FAILED", "message": "unauthorized"})
			c.Abort()
			return
		}

		// 2. 尝试获取令牌
		if !limiters.For(actor.ID).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":        "RATE_LIMITED",
				"message":     "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
