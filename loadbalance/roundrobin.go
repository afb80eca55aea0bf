package loadbalance

import (
	"sync/atomic"

	"csocket/registry"
)

// RoundRobinBalancer distributes connections evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next instance in round-robin order, starting with the first.
func (b *RoundRobinBalancer) Pick(instances []registry.HostAddress) (*registry.HostAddress, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
