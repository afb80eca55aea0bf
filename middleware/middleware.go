// Package middleware wraps call handlers on both sides of the wire.
//
// On the server the innermost handler dispatches to the service method; on the
// client it is the network round trip. Returning an error on the server means
// the request is dropped without a reply.
package middleware

import (
	"context"
	"errors"

	"csocket/message"
)

var (
	ErrTimeout     = errors.New("middleware: request timed out")
	ErrRateLimited = errors.New("middleware: rate limit exceeded")
)

type HandlerFunc func(ctx context.Context, call *message.Call) (*message.List, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares: Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
