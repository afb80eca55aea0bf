// Package loadbalance chooses among several registrations of one service.
//
// Two strategies are implemented:
//   - First:       the earliest registration always wins (the default)
//   - RoundRobin:  spreads new connections over every registration
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"csocket/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The requestor calls Pick() whenever it has to open a new connection.
type Balancer interface {
	// Pick selects one address from the available list, given in
	// registration order. Must be goroutine-safe.
	Pick(instances []registry.HostAddress) (*registry.HostAddress, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// FirstBalancer always picks the first registration.
type FirstBalancer struct{}

func (b FirstBalancer) Pick(instances []registry.HostAddress) (*registry.HostAddress, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return &instances[0], nil
}

func (b FirstBalancer) Name() string {
	return "First"
}

// New returns a fresh balancer by name: "first", or "rr" / "roundrobin".
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "first":
		return FirstBalancer{}, nil
	case "rr", "roundrobin":
		return &RoundRobinBalancer{}, nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
