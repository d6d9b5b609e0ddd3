package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/clipembed/internal/metrics"
)

// Metrics records every request under its route pattern. Unmatched paths
// share one label.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveRequest(path, c.Writer.Status(), start)
	}
}
