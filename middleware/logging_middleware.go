package middleware

import (
	"context"
	"time"

	"csocket/message"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type requestIDKey struct{}

// RequestID returns the id LoggingMiddleware attached to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggingMiddleware tags every call with a request id and logs its duration.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.List, error) {
			id := RequestID(ctx)
			if id == "" {
				if u, err := uuid.NewV4(); err == nil {
					id = u.String()
					ctx = context.WithValue(ctx, requestIDKey{}, id)
				}
			}

			start := time.Now()
			results, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("request", id),
				zap.String("service", call.Service),
				zap.String("method", call.Method),
				zap.Int("args", call.Args.Len()),
				zap.Int("results", results.Len()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Info("call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("call", fields...)
			}
			return results, err
		}
	}
}
