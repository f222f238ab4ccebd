package http

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

const (
	headerRequestID = "X-Request-ID"
	headerTraceID   = "X-Trace-ID"
	requestIDKey    = "request_id"
)

var tracer = otel.Tracer("github.com/alem-hub/progress-engine/internal/interface/http")

// requestContext assigns a request ID, continues an incoming trace and puts a
// request-scoped logger into the context.
func requestContext(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		spanName := c.FullPath()
		if spanName == "" {
			spanName = "unmatched"
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ctx = logger.WithContext(ctx, log.WithRequestID(reqID))
		c.Request = c.Request.WithContext(ctx)
		c.Set(requestIDKey, reqID)
		c.Header(headerRequestID, reqID)
		if sc := span.SpanContext(); sc.HasTraceID() {
			c.Header(headerTraceID, sc.TraceID().String())
		}

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

// recovery turns a handler panic into a 500.
func recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			logger.Any("error", recovered),
			logger.String("stack", string(debug.Stack())),
			logger.String("path", c.Request.URL.Path),
			logger.String("request_id", c.GetString(requestIDKey)),
		)
		writeJSONError(c, http.StatusInternalServerError, "internal_server_error", "an unexpected error occurred")
	})
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", status),
			logger.Latency(time.Since(start)),
			logger.String("ip", c.ClientIP()),
			logger.String("request_id", c.GetString(requestIDKey)),
		}
		if userID := c.Param("userId"); userID != "" {
			fields = append(fields, logger.UserID(userID))
		}

		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}

func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
