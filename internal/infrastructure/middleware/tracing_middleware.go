package middleware

import (
	"fmt"
	"net/http"

	"ratepilot/pkg/tracing"

	"github.com/gin-gonic/gin"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// TracingMiddleware wraps each request in a server span. Only 5xx responses
// mark the span as failed.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHTTPSpan(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			semconv.HTTPTargetKey.String(c.Request.URL.Path),
			semconv.HTTPClientIPKey.String(c.ClientIP()),
			semconv.HTTPUserAgentKey.String(c.Request.UserAgent()),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if status >= http.StatusInternalServerError {
			if last := c.Errors.Last(); last != nil {
				tracing.Fail(span, last.Err)
			} else {
				tracing.Fail(span, fmt.Errorf("%d %s", status, http.StatusText(status)))
			}
		}
	}
}
