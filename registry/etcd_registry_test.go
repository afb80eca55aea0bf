package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const testEtcdEndpoint = "127.0.0.1:2379"

func newTestEtcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{testEtcdEndpoint}, zap.NewNop())
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, testEtcdEndpoint); err != nil {
		reg.Close()
		t.Skipf("etcd not available: %v", err)
	}

	// Cleanup leftovers from earlier runs
	reg.client.Delete(context.Background(), etcdPrefix+"etcdtest", clientv3.WithPrefix())
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndLookup(t *testing.T) {
	reg := newTestEtcdRegistry(t)

	if err := reg.Register("etcdtest", "tcp://127.0.0.1:8001"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("etcdtest", "udp://127.0.0.1:8002"); err != nil {
		t.Fatal(err)
	}
	// Re-registering keeps the original position.
	if err := reg.Register("etcdtest", "tcp://127.0.0.1:8001"); err != nil {
		t.Fatal(err)
	}

	all, err := reg.LookupAll("etcdtest")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(all))
	}
	if all[0].Port != 8001 || all[1].Port != 8002 {
		t.Fatalf("expect registration order, got %+v", all)
	}

	first, err := reg.Lookup("etcdtest")
	if err != nil {
		t.Fatal(err)
	}
	if first.Port != 8001 {
		t.Fatalf("expect first registration, got %+v", first)
	}

	if _, err := reg.Lookup("etcdtest-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound, got %v", err)
	}
}

func TestEtcdCloseRemovesRegistrations(t *testing.T) {
	reg := newTestEtcdRegistry(t)
	if err := reg.Register("etcdtest", "tcp://127.0.0.1:8003"); err != nil {
		t.Fatal(err)
	}

	other, err := NewEtcdRegistry([]string{testEtcdEndpoint}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	if _, err := other.Lookup("etcdtest"); err != nil {
		t.Fatalf("registration must be visible to other processes: %v", err)
	}

	reg.Close()
	if _, err := other.Lookup("etcdtest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound after Close, got %v", err)
	}
}
