// Package client implements the requestor: resolve a service name, connect,
// send one encoded call and decode the reply.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"csocket/codec"
	"csocket/loadbalance"
	"csocket/message"
	"csocket/middleware"
	"csocket/registry"
	"csocket/transport"

	"go.uber.org/zap"
)

var (
	ErrHostUnreachable = errors.New("client: host unreachable")
	ErrNoResponse      = errors.New("client: no usable response")
)

// Requestor invokes remote methods over one cached connection.
//
// The connection is opened lazily on the first Invoke, reused by later calls
// to the same service, and reopened after any send or receive failure.
// Calls on one Requestor are serialized.
type Requestor struct {
	registry      registry.Registry
	balancer      loadbalance.Balancer
	transportOpts []transport.Option
	logger        *zap.Logger

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // built on first Invoke
	build       sync.Once

	// mu is held by roundTrip for a whole exchange, not by Invoke, so an
	// exchange abandoned by a middleware still owns the connection until
	// its reply has been read.
	mu      sync.Mutex
	service string // name the cached address was resolved for
	addr    *registry.HostAddress
	conn    *transport.Conn
	dead    bool
}

type Option func(*Requestor)

// WithBalancer chooses among several registrations of a service.
// The default always takes the first one.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(r *Requestor) {
		r.balancer = b
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Requestor) {
		r.logger = l
	}
}

// WithTransportOptions passes options to transport.Dial.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(r *Requestor) {
		r.transportOpts = append(r.transportOpts, opts...)
	}
}

// NewRequestor creates a requestor resolving names through reg.
func NewRequestor(reg registry.Registry, opts ...Option) *Requestor {
	r := &Requestor{
		registry: reg,
		balancer: loadbalance.FirstBalancer{},
		logger:   zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Use registers a middleware around every Invoke. It must be called before
// the first Invoke.
//
// With TimeOutMiddleware the caller gets ErrTimeout on time, but the exchange
// keeps running until its reply arrives or the receive timeout expires; the
// next Invoke waits for it. This keeps replies in step with requests.
func (r *Requestor) Use(mw middleware.Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// Invoke calls service.method with args and returns the decoded results.
//
// ErrHostUnreachable means the name could not be resolved or connected to.
// transport.ErrMessageTooLarge means the encoded call does not fit the buffer.
// ErrNoResponse means the server answered with an empty result list.
// A receive timeout matches os.ErrDeadlineExceeded.
func (r *Requestor) Invoke(ctx context.Context, service, method string, args *message.List) (*message.List, error) {
	r.build.Do(func() {
		r.handler = middleware.Chain(r.middlewares...)(r.roundTrip)
	})
	return r.handler(ctx, &message.Call{Service: service, Method: method, Args: args})
}

// roundTrip performs one exchange on the cached connection.
func (r *Requestor) roundTrip(ctx context.Context, call *message.Call) (*message.List, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && (r.dead || r.service != call.Service) {
		r.closeConn()
	}
	if r.service != call.Service {
		r.addr = nil
		r.service = call.Service
	}

	if r.conn == nil {
		if err := r.connect(ctx, call.Service); err != nil {
			return nil, err
		}
	}

	req, err := codec.EncodeCall(call)
	if err != nil {
		return nil, err
	}
	if err := r.conn.Send(req); err != nil {
		if !errors.Is(err, transport.ErrMessageTooLarge) {
			r.dead = true
		}
		return nil, err
	}
	resp, err := r.conn.Receive()
	if err != nil {
		r.dead = true
		return nil, err
	}

	reply, err := codec.Decode(resp)
	if err != nil {
		// The stream may be out of step with our requests now.
		r.dead = true
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	if reply.Args.Len() == 0 {
		return nil, ErrNoResponse
	}
	return reply.Args, nil
}

// connect resolves name unless an address is cached, then dials it.
func (r *Requestor) connect(ctx context.Context, name string) error {
	if r.addr == nil {
		instances, err := r.registry.LookupAll(name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
		}
		addr, err := r.balancer.Pick(instances)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
		}
		r.addr = addr
	}

	opts := append([]transport.Option{transport.WithLogger(r.logger)}, r.transportOpts...)
	conn, err := transport.Dial(ctx, r.addr.Protocol, r.addr.Address, r.addr.Port, opts...)
	if err != nil {
		// Resolve again next time, the registration may have moved.
		r.addr = nil
		return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}
	r.logger.Debug("connected to service",
		zap.String("service", name),
		zap.String("target", r.addr.Target()),
		zap.String("balancer", r.balancer.Name()))

	r.conn = conn
	r.dead = false
	return nil
}

func (r *Requestor) closeConn() {
	if err := r.conn.Close(); err != nil {
		r.logger.Debug("close connection", zap.Error(err))
	}
	r.conn = nil
	r.dead = false
}

// Close drops the cached connection.
func (r *Requestor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	r.dead = false
	return err
}

// IsRetryable reports whether err is worth retrying on a fresh connection.
// It is meant for middleware.RetryMiddleware.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrHostUnreachable) ||
		errors.Is(err, transport.ErrPeerClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
