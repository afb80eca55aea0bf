package server

import (
	"context"
)

// Instance is one permit to run inside a bounded Service.
type Instance struct {
	ID int
}

// InstancePool holds a fixed set of interchangeable instances.
//
// Pool design: a buffered channel of idle instances. Acquire blocks while the
// channel is empty; Release puts the instance back and wakes one waiter.
// Waiters blocked on the channel are served in arrival order, so no caller
// starves.
type InstancePool struct {
	instances chan *Instance
	size      int
}

// NewInstancePool creates a pool of n instances (at least 1).
func NewInstancePool(n int) *InstancePool {
	if n < 1 {
		n = 1
	}
	p := &InstancePool{
		instances: make(chan *Instance, n),
		size:      n,
	}
	for i := 0; i < n; i++ {
		p.instances <- &Instance{ID: i}
	}
	return p
}

// Acquire takes an idle instance, blocking until one is released or ctx ends.
func (p *InstancePool) Acquire(ctx context.Context) (*Instance, error) {
	select {
	case inst := <-p.instances:
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns inst to the pool.
func (p *InstancePool) Release(inst *Instance) {
	p.instances <- inst
}

// Size returns the total number of instances.
func (p *InstancePool) Size() int {
	return p.size
}

// Idle returns the number of instances not currently acquired.
func (p *InstancePool) Idle() int {
	return len(p.instances)
}

type instanceKey struct{}

func withInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instanceKey{}, inst)
}

// InstanceFromContext returns the instance held by the current call of a
// bounded Service.
func InstanceFromContext(ctx context.Context) (*Instance, bool) {
	inst, ok := ctx.Value(instanceKey{}).(*Instance)
	return inst, ok
}
