package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

// RequestLog logs one structured line per admin request. The scheduler's own
// operations log through their components; this covers the facade.
func RequestLog(log *logger.Logger) gin.HandlerFunc {
	reqLog := log.With("middleware", "RequestLog")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		reqLog.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
