package server

import (
	"context"
	"errors"
	"fmt"

	"csocket/message"
)

var (
	ErrUnknownMethod   = errors.New("server: unknown method")
	ErrServiceFull     = errors.New("server: method table full")
	ErrDuplicateMethod = errors.New("server: method already registered")
)

// Handler computes the results of one call from its arguments.
// Leaving the result list empty (or nil) means no reply is sent.
type Handler interface {
	Handle(ctx context.Context, args *message.List) *message.List
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args *message.List) *message.List

func (f HandlerFunc) Handle(ctx context.Context, args *message.List) *message.List {
	return f(ctx, args)
}

type method struct {
	name    string
	handler Handler
}

// Service is a named table of methods with a fixed capacity.
// It is built before Serve and read-only afterwards.
type Service struct {
	name     string
	capacity int
	methods  []method
	pool     *InstancePool // nil: unbounded
}

// NewService creates a service with room for capacity methods.
func NewService(name string, capacity int) *Service {
	return &Service{
		name:     name,
		capacity: capacity,
		methods:  make([]method, 0, capacity),
	}
}

func (s *Service) Name() string {
	return s.name
}

// Register adds a method. Names are matched exactly.
func (s *Service) Register(name string, h Handler) error {
	if _, ok := s.Method(name); ok {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateMethod, s.name, name)
	}
	if len(s.methods) >= s.capacity {
		return fmt.Errorf("%w: %s holds %d methods", ErrServiceFull, s.name, s.capacity)
	}
	s.methods = append(s.methods, method{name: name, handler: h})
	return nil
}

func (s *Service) RegisterFunc(name string, f func(ctx context.Context, args *message.List) *message.List) error {
	return s.Register(name, HandlerFunc(f))
}

// Method looks a handler up by name. A linear scan is fine for a handful of methods.
func (s *Service) Method(name string) (Handler, bool) {
	for _, m := range s.methods {
		if m.name == name {
			return m.handler, true
		}
	}
	return nil, false
}

// Methods returns the registered method names in registration order.
func (s *Service) Methods() []string {
	names := make([]string, len(s.methods))
	for i, m := range s.methods {
		names[i] = m.name
	}
	return names
}

// LimitInstances bounds the number of calls running inside the service at
// once to n. Further calls wait for a free instance.
func (s *Service) LimitInstances(n int) {
	s.pool = NewInstancePool(n)
}

// Instances returns the instance pool, or nil when calls are unbounded.
func (s *Service) Instances() *InstancePool {
	return s.pool
}

// Call runs method with args, holding an instance for the duration of the
// handler when the service is bounded.
func (s *Service) Call(ctx context.Context, name string, args *message.List) (*message.List, error) {
	h, ok := s.Method(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, s.name, name)
	}

	if s.pool != nil {
		inst, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer s.pool.Release(inst)
		ctx = withInstance(ctx, inst)
	}
	return h.Handle(ctx, args), nil
}
