package middleware

import (
	"context"
	"time"

	"csocket/message"
)

// TimeOutMiddleware gives up on a call after timeout. The handler goroutine
// is not interrupted; it only sees its context cancelled.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.List, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				results *message.List
				err     error
			}
			done := make(chan result, 1)
			go func() {
				results, err := next(ctx, call)
				done <- result{results, err}
			}()

			select {
			case r := <-done:
				return r.results, r.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
