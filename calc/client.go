package calc

import (
	"context"
	"fmt"

	"csocket/client"
	"csocket/message"
)

// Client calls the calc service through a Requestor.
type Client struct {
	requestor *client.Requestor
}

func NewClient(r *client.Requestor) *Client {
	return &Client{requestor: r}
}

func (c *Client) Add(ctx context.Context, a, b uint16) (int32, error) {
	return c.invoke(ctx, "add", a, b)
}

func (c *Client) Sub(ctx context.Context, a, b uint16) (int32, error) {
	return c.invoke(ctx, "sub", a, b)
}

func (c *Client) Mul(ctx context.Context, a, b uint16) (int32, error) {
	return c.invoke(ctx, "mul", a, b)
}

func (c *Client) Div(ctx context.Context, a, b uint16) (int32, error) {
	return c.invoke(ctx, "div", a, b)
}

// Call invokes method by name, for callers that pick the operation at runtime.
func (c *Client) Call(ctx context.Context, method string, a, b uint16) (int32, error) {
	return c.invoke(ctx, method, a, b)
}

func (c *Client) invoke(ctx context.Context, method string, a, b uint16) (int32, error) {
	results, err := c.requestor.Invoke(ctx, ServiceName, method, message.NewList(message.Uint16(a), message.Uint16(b)))
	if err != nil {
		return 0, err
	}
	v, ok := results.Pop()
	if !ok || v.Kind != message.KindInt || v.Size() != 4 {
		return 0, fmt.Errorf("%w: %s returned %v", client.ErrNoResponse, method, v)
	}
	n, err := v.Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", client.ErrNoResponse, err)
	}
	return int32(n), nil
}
