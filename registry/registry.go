// Package registry resolves a service name to the transport address serving it.
//
// Addresses are written as "<proto>://<host>:<port>", e.g. "tcp://127.0.0.1:9999".
// A name may be registered several times; lookups return the registrations in
// registration order and Lookup returns the first one.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"csocket/transport"
)

var (
	ErrNotFound      = errors.New("registry: service not found")
	ErrInvalidTarget = errors.New("registry: invalid service address")
)

// HostAddress is where a service can be reached.
type HostAddress struct {
	ServiceName string             `msgpack:"service"`
	Protocol    transport.Protocol `msgpack:"protocol"`
	Address     string             `msgpack:"address"`
	Port        uint16             `msgpack:"port"`
}

// Target formats h back into "<proto>://<host>:<port>".
func (h HostAddress) Target() string {
	return h.Protocol.String() + "://" + net.JoinHostPort(h.Address, strconv.Itoa(int(h.Port)))
}

func (h HostAddress) String() string {
	return h.ServiceName + "@" + h.Target()
}

type Registry interface {
	// Register parses target and records it under name.
	Register(name, target string) error
	// Lookup returns the first registration of name.
	Lookup(name string) (HostAddress, error)
	// LookupAll returns every registration of name in registration order.
	LookupAll(name string) ([]HostAddress, error)
}

// ParseTarget parses "<proto>://<host>:<port>" for service name.
// The port must be numeric and within 1..65535.
func ParseTarget(name, target string) (HostAddress, error) {
	scheme, hostport, ok := strings.Cut(target, "://")
	if !ok {
		return HostAddress{}, fmt.Errorf("%w: %q: missing scheme", ErrInvalidTarget, target)
	}
	protocol, err := transport.ParseProtocol(scheme)
	if err != nil {
		return HostAddress{}, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return HostAddress{}, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
	}
	if host == "" {
		return HostAddress{}, fmt.Errorf("%w: %q: missing host", ErrInvalidTarget, target)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return HostAddress{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidTarget, target, portStr)
	}

	return HostAddress{
		ServiceName: name,
		Protocol:    protocol,
		Address:     host,
		Port:        uint16(port),
	}, nil
}

// MemoryRegistry is a process-local registry. It is normally filled at startup
// before any lookups happen, but is safe for concurrent use.
type MemoryRegistry struct {
	mu       sync.RWMutex
	services []HostAddress
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

// Register rejects malformed targets without changing the table.
func (r *MemoryRegistry) Register(name, target string) error {
	addr, err := ParseTarget(name, target)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.services = append(r.services, addr)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Lookup(name string) (HostAddress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, addr := range r.services {
		if addr.ServiceName == name {
			return addr, nil
		}
	}
	return HostAddress{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (r *MemoryRegistry) LookupAll(name string) ([]HostAddress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found []HostAddress
	for _, addr := range r.services {
		if addr.ServiceName == name {
			found = append(found, addr)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return found, nil
}
