package server

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"csocket/codec"
	"csocket/message"
	"csocket/registry"
	"csocket/transport"

	"go.uber.org/zap"
)

func uintAt(l *message.List, i int) uint64 {
	v, _ := l.At(i)
	n, _ := v.Uint()
	return n
}

func intAt(l *message.List, i int) int64 {
	v, _ := l.At(i)
	n, _ := v.Int()
	return n
}

func addHandler(ctx context.Context, args *message.List) *message.List {
	return message.NewList(message.Int32(int32(uintAt(args, 0) + uintAt(args, 1))))
}

// startServer serves svc on an ephemeral TCP port and shuts it down on cleanup.
func startServer(t *testing.T, svc *Service, threads int, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithTransportOptions(transport.WithDrainTimeout(100 * time.Millisecond)),
	}, opts...)
	svr := NewServer(svc, opts...)
	if err := svr.Listen(transport.TCP, 0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- svr.Run(threads) }()
	t.Cleanup(func() {
		svr.Shutdown(2 * time.Second)
		if err := <-done; err != nil {
			t.Errorf("Run returned %v after Shutdown", err)
		}
	})
	return svr
}

func dial(t *testing.T, port uint16, opts ...transport.Option) *transport.Conn {
	t.Helper()
	opts = append([]transport.Option{transport.WithDrainTimeout(100 * time.Millisecond)}, opts...)
	conn, err := transport.Dial(context.Background(), transport.TCP, "127.0.0.1", port, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *transport.Conn, service, method string, args *message.List) (*message.List, error) {
	t.Helper()
	req, err := codec.Encode(args, service, method)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(req); err != nil {
		return nil, err
	}
	resp, err := conn.Receive()
	if err != nil {
		return nil, err
	}
	c, err := codec.Decode(resp)
	if err != nil {
		return nil, err
	}
	return c.Args, nil
}

func TestServiceRegister(t *testing.T) {
	svc := NewService("calc", 2)
	if err := svc.RegisterFunc("add", addHandler); err != nil {
		t.Fatal(err)
	}
	if err := svc.RegisterFunc("add", addHandler); !errors.Is(err, ErrDuplicateMethod) {
		t.Fatalf("expect ErrDuplicateMethod, got %v", err)
	}
	if err := svc.RegisterFunc("sub", addHandler); err != nil {
		t.Fatal(err)
	}
	if err := svc.RegisterFunc("mul", addHandler); !errors.Is(err, ErrServiceFull) {
		t.Fatalf("expect ErrServiceFull, got %v", err)
	}
	if got := svc.Methods(); len(got) != 2 || got[0] != "add" || got[1] != "sub" {
		t.Fatalf("expect [add sub], got %v", got)
	}

	if _, err := svc.Call(context.Background(), "mul", message.NewList()); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expect ErrUnknownMethod, got %v", err)
	}
	results, err := svc.Call(context.Background(), "add", message.NewList(message.Uint16(2), message.Uint16(3)))
	if err != nil {
		t.Fatal(err)
	}
	if v := intAt(results, 0); v != 5 {
		t.Fatalf("expect 5, got %d", v)
	}
}

func TestInstancePoolBoundsConcurrency(t *testing.T) {
	svc := NewService("slow", 1)
	svc.LimitInstances(2)

	var running, peak atomic.Int32
	svc.RegisterFunc("work", func(ctx context.Context, args *message.List) *message.List {
		if _, ok := InstanceFromContext(ctx); !ok {
			t.Error("expect an instance in the handler context")
		}
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return message.NewList(message.Uint8(1))
	})

	var wg sync.WaitGroup
	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Call(context.Background(), "work", message.NewList()); err != nil {
				t.Errorf("call failed: %v", err)
				return
			}
			completed.Add(1)
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Fatalf("expect at most 2 concurrent calls, saw %d", p)
	}
	if c := completed.Load(); c != 5 {
		t.Fatalf("expect 5 completed calls, got %d", c)
	}
	if idle := svc.Instances().Idle(); idle != 2 {
		t.Fatalf("expect all instances idle, got %d", idle)
	}
}

func TestInstancePoolAcquireHonorsContext(t *testing.T) {
	pool := NewInstancePool(1)
	inst, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
	pool.Release(inst)
	if pool.Idle() != 1 || pool.Size() != 1 {
		t.Fatalf("expect 1 idle of 1, got %d of %d", pool.Idle(), pool.Size())
	}
}

func TestServerInvoke(t *testing.T) {
	svc := NewService("calc", 4)
	svc.RegisterFunc("add", addHandler)
	svr := startServer(t, svc, 2)

	conn := dial(t, svr.Port())
	results, err := call(t, conn, "calc", "add", message.NewList(message.Uint16(7), message.Uint16(35)))
	if err != nil {
		t.Fatal(err)
	}
	if results.Len() != 1 {
		t.Fatalf("expect 1 result, got %d", results.Len())
	}
	if v := intAt(results, 0); v != 42 {
		t.Fatalf("expect 42, got %d", v)
	}

	// The same connection keeps working.
	results, err = call(t, conn, "calc", "add", message.NewList(message.Uint16(1), message.Uint16(1)))
	if err != nil {
		t.Fatal(err)
	}
	if v := intAt(results, 0); v != 2 {
		t.Fatalf("expect 2, got %d", v)
	}
}

func TestServerDropsUnanswerableRequests(t *testing.T) {
	svc := NewService("calc", 4)
	svc.RegisterFunc("add", addHandler)
	svc.RegisterFunc("nothing", func(ctx context.Context, args *message.List) *message.List { return nil })
	svr := startServer(t, svc, 1)

	cases := []struct {
		name    string
		service string
		method  string
	}{
		{"unknown method", "calc", "pow"},
		{"other service", "echo", "add"},
		{"empty result", "calc", "nothing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, svr.Port(), transport.WithReceiveTimeout(100*time.Millisecond))
			_, err := call(t, conn, tc.service, tc.method, message.NewList(message.Uint16(1), message.Uint16(2)))
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				t.Fatalf("expect no reply, got %v", err)
			}
		})
	}

	// The worker is still alive after dropping requests.
	conn := dial(t, svr.Port())
	if _, err := call(t, conn, "calc", "add", message.NewList(message.Uint16(1), message.Uint16(2))); err != nil {
		t.Fatalf("expect server to keep serving, got %v", err)
	}
}

func TestServerDropsMalformedRequest(t *testing.T) {
	svc := NewService("calc", 1)
	svc.RegisterFunc("add", addHandler)
	svr := startServer(t, svc, 1)

	conn := dial(t, svr.Port(), transport.WithReceiveTimeout(100*time.Millisecond))
	conn.Send([]byte{'X', 1, 0})
	if _, err := conn.Receive(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expect no reply, got %v", err)
	}
}

func TestServerAdvertise(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svc := NewService("calc", 1)
	svc.RegisterFunc("add", addHandler)
	svr := startServer(t, svc, 1, WithAdvertise(reg, "127.0.0.1"))

	addr, err := reg.Lookup("calc")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Protocol != transport.TCP || addr.Address != "127.0.0.1" || addr.Port != svr.Port() {
		t.Fatalf("unexpected advertised address %v", addr)
	}
}

func TestShutdownStopsRun(t *testing.T) {
	svc := NewService("calc", 1)
	svr := NewServer(svc, WithLogger(zap.NewNop()))
	if err := svr.Listen(transport.UDP, 0); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- svr.Run(3) }()

	time.Sleep(50 * time.Millisecond)
	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expect clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestRunReportsWorkersExited(t *testing.T) {
	svc := NewService("calc", 1)
	svc.RegisterFunc("add", addHandler)
	svr := NewServer(svc,
		WithLogger(zap.NewNop()),
		WithTransportOptions(transport.WithDrainTimeout(100*time.Millisecond)))
	if err := svr.Listen(transport.TCP, 0); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- svr.Run(3) }()

	time.Sleep(50 * time.Millisecond)
	// The transport goes away without Shutdown, as when the listener dies.
	svr.transport.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrWorkersExited) {
			t.Fatalf("expect ErrWorkersExited, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the transport stopped")
	}
}
