// etcd-backed Registry, for naming tables shared between processes.
//
//	Key:   /csocket/{ServiceName}/{proto}://{host}:{port}
//	Value: msgpack-encoded HostAddress
//
// Registrations are attached to a TTL lease that is kept alive while the
// registry is open, so the entries of a crashed process expire on their own.

package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	etcdPrefix         = "/csocket/"
	defaultTTL         = 10 // seconds
	defaultDialTimeout = 5 * time.Second
	defaultOpTimeout   = 3 * time.Second
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	ttl    int64
	logger *zap.Logger

	mu     sync.Mutex
	leases []clientv3.LeaseID
	ctx    context.Context // lives until Close, scopes the keepalives
	cancel context.CancelFunc
	once   sync.Once
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.L()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		ttl:    defaultTTL,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func etcdKey(addr HostAddress) string {
	return etcdPrefix + addr.ServiceName + "/" + addr.Target()
}

// Register stores target under name with a TTL lease and keeps the lease alive.
//
// The put only happens if the key does not exist yet, so registering the same
// target twice keeps the original entry and its position in the ordering.
func (r *EtcdRegistry) Register(name, target string) error {
	addr, err := ParseTarget(name, target)
	if err != nil {
		return err
	}
	val, err := msgpack.Marshal(&addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, defaultOpTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	key := etcdKey(addr)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}
	if !resp.Succeeded {
		r.client.Revoke(ctx, lease.ID)
		r.logger.Debug("already registered", zap.String("key", key))
		return nil
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	r.leases = append(r.leases, lease.ID)
	r.mu.Unlock()

	r.logger.Info("registered", zap.String("service", name), zap.String("target", addr.Target()))
	return nil
}

// Lookup returns the earliest registration of name.
func (r *EtcdRegistry) Lookup(name string) (HostAddress, error) {
	all, err := r.LookupAll(name)
	if err != nil {
		return HostAddress{}, err
	}
	return all[0], nil
}

// LookupAll returns every live registration of name, oldest first.
func (r *EtcdRegistry) LookupAll(name string) ([]HostAddress, error) {
	ctx, cancel := context.WithTimeout(r.ctx, defaultOpTimeout)
	defer cancel()

	prefix := etcdPrefix + name + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", prefix, err)
	}

	instances := make([]HostAddress, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var addr HostAddress
		if err := msgpack.Unmarshal(kv.Value, &addr); err != nil {
			r.logger.Warn("skipping malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, addr)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return instances, nil
}

// Close revokes every lease taken by this registry, which removes its
// registrations, and disconnects from etcd.
func (r *EtcdRegistry) Close() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		leases := r.leases
		r.leases = nil
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
		defer cancel()
		for _, id := range leases {
			if _, rerr := r.client.Revoke(ctx, id); rerr != nil {
				r.logger.Warn("revoke failed", zap.Int64("lease", int64(id)), zap.Error(rerr))
			}
		}
		r.cancel()
		err = r.client.Close()
	})
	return err
}
