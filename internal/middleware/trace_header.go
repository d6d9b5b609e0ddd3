package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/trace"
)

const requestIDHeader = "X-Request-Id"

// TraceHeader echoes the trace id assigned by the webapi engine as X-Request-Id.
func TraceHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := trace.GetTraceId(c.Request.Context()); ok && id != "" {
			c.Writer.Header().Set(requestIDHeader, id)
		}
		c.Next()
	}
}
