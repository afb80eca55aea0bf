// Package calc is the arithmetic service served by csocket and a typed proxy
// for calling it.
//
// Every method takes two UINT arguments of size 2 and returns one INT of size 4.
// Arithmetic wraps on 32-bit overflow. Division by zero and malformed
// arguments produce no result, so no reply is sent.
package calc

import (
	"context"

	"csocket/message"
	"csocket/server"
)

// ServiceName is the name the service is registered and invoked under.
const ServiceName = "calc"

// Methods supported by the service, in registration order.
var Methods = []string{"add", "sub", "mul", "div"}

// NewService returns the calc service with all of its methods registered.
func NewService() *server.Service {
	svc := server.NewService(ServiceName, len(Methods))
	svc.RegisterFunc("add", binary(func(a, b uint16) (int32, bool) { return int32(uint32(a) + uint32(b)), true }))
	svc.RegisterFunc("sub", binary(func(a, b uint16) (int32, bool) { return int32(a) - int32(b), true }))
	svc.RegisterFunc("mul", binary(func(a, b uint16) (int32, bool) { return int32(uint32(a) * uint32(b)), true }))
	svc.RegisterFunc("div", binary(func(a, b uint16) (int32, bool) {
		if b == 0 {
			return 0, false
		}
		return int32(a / b), true
	}))
	return svc
}

// binary adapts an operation on two operands to a server handler.
func binary(op func(a, b uint16) (int32, bool)) func(ctx context.Context, args *message.List) *message.List {
	return func(ctx context.Context, args *message.List) *message.List {
		if args.Len() != 2 {
			return nil
		}
		a, ok := operand(args, 0)
		if !ok {
			return nil
		}
		b, ok := operand(args, 1)
		if !ok {
			return nil
		}
		r, ok := op(a, b)
		if !ok {
			return nil
		}
		return message.NewList(message.Int32(r))
	}
}

func operand(args *message.List, i int) (uint16, bool) {
	v, ok := args.At(i)
	if !ok || v.Kind != message.KindUint || v.Size() != 2 {
		return 0, false
	}
	n, err := v.Uint()
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}
