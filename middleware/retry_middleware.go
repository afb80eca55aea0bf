package middleware

import (
	"context"
	"time"

	"csocket/message"

	"go.uber.org/zap"
)

// RetryMiddleware re-runs a call that failed with an error accepted by
// retryable, up to maxRetries times with exponential backoff.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.List, error) {
			results, err := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return results, err
				}
				logger.Debug("retrying call",
					zap.Int("attempt", i+1),
					zap.String("service", call.Service),
					zap.String("method", call.Method),
					zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // Exponential backoff
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				results, err = next(ctx, call)
			}
			return results, err // Return last response after retries
		}
	}
}
