package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
)

// WithRequestID returns a context carrying a request ID for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext adds the correlation IDs found in ctx to the logger
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	var fields []zapcore.Field
	for _, key := range []contextKey{requestIDKey, sessionIDKey} {
		if id, ok := ctx.Value(key).(string); ok && id != "" {
			fields = append(fields, zap.String(string(key), id))
		}
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, durationMs int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", durationMs),
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}
