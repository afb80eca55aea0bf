// Package server implements the invoker: a fixed set of workers that receive
// requests, dispatch them to a Service and send the results back.
//
// Request processing pipeline (per worker, forever):
//
//	transport.ReceiveOne → codec.Decode → Middleware Chain → Service.Call
//	  → codec.Encode → transport.Reply → transport.Release
//
// Malformed requests, requests for another service and unknown methods are
// dropped without a reply. So are calls whose handler leaves the result empty.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"csocket/codec"
	"csocket/message"
	"csocket/middleware"
	"csocket/registry"
	"csocket/transport"

	"go.uber.org/zap"
)

var ErrWorkersExited = errors.New("server: all workers exited")

// Server runs one Service on one transport endpoint.
type Server struct {
	service     *Service
	transport   *transport.Server
	middlewares []middleware.Middleware // Applied in order
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))

	ctx      context.Context // Handed to handlers, cancelled by Shutdown
	cancel   context.CancelFunc
	wg       sync.WaitGroup // Tracks workers
	shutdown atomic.Bool

	transportOpts []transport.Option
	registry      registry.Registry // Advertise target, nil if not advertising
	advertiseHost string
	logger        *zap.Logger
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithTransportOptions passes options to transport.Listen.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *Server) {
		s.transportOpts = append(s.transportOpts, opts...)
	}
}

// WithAdvertise registers the service in reg once the server is listening.
// host is the address clients should use, since the server binds 0.0.0.0.
func WithAdvertise(reg registry.Registry, host string) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseHost = host
	}
}

// NewServer creates a server for svc.
func NewServer(svc *Service, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		service: svc,
		ctx:     ctx,
		cancel:  cancel,
		logger:  zap.L(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the transport endpoint and advertises it if configured.
func (svr *Server) Listen(protocol transport.Protocol, port uint16) error {
	opts := append([]transport.Option{transport.WithLogger(svr.logger)}, svr.transportOpts...)
	ts, err := transport.Listen(svr.ctx, protocol, port, opts...)
	if err != nil {
		return err
	}
	svr.transport = ts

	if svr.registry != nil {
		target := protocol.String() + "://" + net.JoinHostPort(svr.advertiseHost, strconv.Itoa(int(ts.Port())))
		if err := svr.registry.Register(svr.service.Name(), target); err != nil {
			ts.Close()
			return fmt.Errorf("server: advertise %s: %w", target, err)
		}
	}
	return nil
}

// Addr returns the bound address. Listen must have succeeded.
func (svr *Server) Addr() net.Addr {
	return svr.transport.Addr()
}

func (svr *Server) Port() uint16 {
	return svr.transport.Port()
}

// Run starts threads workers on the listening transport and blocks until all
// of them have exited. It returns nil after Shutdown and ErrWorkersExited if
// the workers died for any other reason.
func (svr *Server) Run(threads int) error {
	if svr.transport == nil {
		return errors.New("server: Run called before Listen")
	}
	if threads < 1 {
		threads = 1
	}

	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.logger.Info("server is running",
		zap.String("service", svr.service.Name()),
		zap.Strings("methods", svr.service.Methods()),
		zap.Int("workers", threads))

	for i := 0; i < threads; i++ {
		svr.wg.Add(1)
		go svr.worker(i)
	}
	svr.wg.Wait()

	if svr.shutdown.Load() {
		return nil
	}
	return ErrWorkersExited
}

// Serve is Listen followed by Run.
func (svr *Server) Serve(protocol transport.Protocol, port uint16, threads int) error {
	if err := svr.Listen(protocol, port); err != nil {
		return err
	}
	return svr.Run(threads)
}

// worker loops on ReceiveOne until the transport is closed. I/O errors on a
// single request are logged and the loop continues.
func (svr *Server) worker(id int) {
	defer svr.wg.Done()
	for {
		msg, err := svr.transport.ReceiveOne(svr.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrServerClosed) || svr.ctx.Err() != nil {
				return
			}
			svr.logger.Warn("receive failed", zap.Int("worker", id), zap.Error(err))
			continue
		}
		svr.process(msg)
	}
}

// process handles one message. The client is always released afterwards,
// whether a reply was sent or not.
func (svr *Server) process(msg *transport.ClientMessage) {
	defer svr.transport.Release(msg.Return)

	svr.logger.Debug("received message", zap.Int("bytes", len(msg.Data)), zap.Stringer("from", msg.Return.Addr()))

	call, err := codec.Decode(msg.Data)
	if err != nil {
		svr.logger.Debug("dropping malformed request", zap.Error(err))
		return
	}
	if call.Service == "" || call.Method == "" {
		svr.logger.Debug("dropping request without service or method tag")
		return
	}
	if call.Service != svr.service.Name() {
		svr.logger.Debug("dropping request for another service", zap.String("service", call.Service))
		return
	}

	results, err := svr.handler(svr.ctx, call)
	if err != nil {
		svr.logger.Debug("dropping request", zap.String("method", call.Method), zap.Error(err))
		return
	}
	if results.Len() == 0 {
		return
	}

	data, err := codec.Encode(results, "", "")
	if err != nil {
		svr.logger.Warn("failed to encode results", zap.String("method", call.Method), zap.Error(err))
		return
	}
	if err := svr.transport.Reply(msg.Return, data); err != nil {
		svr.logger.Warn("failed to send reply", zap.Error(err))
		return
	}
	svr.logger.Debug("sent reply", zap.Int("bytes", len(data)))
}

// businessHandler dispatches to the service. It is wrapped by the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, call *message.Call) (*message.List, error) {
	return svr.service.Call(ctx, call.Method, call.Args)
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Run reports a clean exit)
//  2. Close the transport (stop receiving, retire every client connection)
//  3. Wait for workers to finish their current request (with timeout)
//  4. Cancel the handler context
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)
	defer svr.cancel()

	done := make(chan struct{})
	go func() {
		if svr.transport != nil {
			svr.transport.Close()
		}
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for ongoing requests to finish")
	}
}
