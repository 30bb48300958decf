package middleware

import (
	"strconv"
	"time"

	"github.com/GoPolymarket/polyvault/internal/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// MetricsMiddleware labels by route template so wallet and request ids never
// become label values.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.LatencyBucket.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		metrics.HTTPRequests.WithLabelValues(endpoint, c.Request.Method, statusClass(c.Writer.Status())).Inc()
	}
}

// statusClass folds 201/204/... into "2xx".
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
