package middleware

import (
	"context"

	"csocket/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits calls from a token bucket refilled at r per second
// and holding burst tokens. Calls finding the bucket empty fail with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.List, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, call)
		}
	}
}
