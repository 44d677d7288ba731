// internal/middleware/metrics_middleware.go
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"comm-service/internal/metrics"
)

// MetricsMiddleware records request latency by matched route
func MetricsMiddleware(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		collector.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(startTime))
	}
}
