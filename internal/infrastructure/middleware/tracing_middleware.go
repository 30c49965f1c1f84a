package middleware

import (
	"notecollab/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// TracingMiddleware starts a server span per request, continuing any trace
// propagated by the caller. Routes in skip (health checks and metrics scrapes) are
// not traced.
func TracingMiddleware(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, route := range skip {
		skipped[route] = struct{}{}
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := skipped[route]; ok {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header), c.Request.Method, route)
		defer span.End()
		span.SetAttributes(semconv.HTTPClientIPKey.String(c.ClientIP()))

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
