package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"csocket/message"

	"go.uber.org/zap"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, call *message.Call) (*message.List, error) {
	return message.NewList(message.String("ok")), nil
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, call *message.Call) (*message.List, error) {
	time.Sleep(200 * time.Millisecond)
	return message.NewList(message.String("ok")), nil
}

func testCall() *message.Call {
	return &message.Call{Service: "calc", Method: "add", Args: message.NewList(message.Uint16(1), message.Uint16(2))}
}

func TestLogging(t *testing.T) {
	var seen string
	handler := LoggingMiddleware(zap.NewNop())(func(ctx context.Context, call *message.Call) (*message.List, error) {
		seen = RequestID(ctx)
		return echoHandler(ctx, call)
	})

	results, err := handler(context.Background(), testCall())
	if err != nil {
		t.Fatal(err)
	}
	if results.Len() != 1 {
		t.Fatalf("expect 1 result, got %d", results.Len())
	}
	if seen == "" {
		t.Fatal("expect a request id in the handler context")
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	if _, err := handler(context.Background(), testCall()); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), testCall())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), testCall()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	if _, err := handler(context.Background(), testCall()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestRetry(t *testing.T) {
	errFlaky := errors.New("flaky")
	attempts := 0
	flaky := func(ctx context.Context, call *message.Call) (*message.List, error) {
		attempts++
		if attempts < 3 {
			return nil, errFlaky
		}
		return echoHandler(ctx, call)
	}
	retryable := func(err error) bool { return errors.Is(err, errFlaky) }

	handler := RetryMiddleware(3, time.Millisecond, retryable, zap.NewNop())(flaky)
	if _, err := handler(context.Background(), testCall()); err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts)
	}

	// Non-retryable errors return immediately.
	attempts = 0
	errFatal := errors.New("fatal")
	handler = RetryMiddleware(3, time.Millisecond, retryable, zap.NewNop())(func(ctx context.Context, call *message.Call) (*message.List, error) {
		attempts++
		return nil, errFatal
	})
	if _, err := handler(context.Background(), testCall()); !errors.Is(err, errFatal) {
		t.Fatalf("expect errFatal, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expect 1 attempt, got %d", attempts)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) (*message.List, error) {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}

	handler := Chain(mark("a"), mark("b"), LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	if _, err := handler(context.Background(), testCall()); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expect [a b], got %v", order)
	}
}
