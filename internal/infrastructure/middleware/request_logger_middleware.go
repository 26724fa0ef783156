package middleware

import (
	"time"

	"ratepilot/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags each request with an ID, echoed back in the
// response header, and logs it once the handler chain completes.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		cl.LogRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
