package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Conn is a client endpoint bound to one server address.
//
// TCP: a connected stream. UDP: a socket bound to an ephemeral local port that
// sends every datagram to the server and accepts replies from any source.
//
// A Conn carries one exchange at a time; it is not safe for concurrent use.
type Conn struct {
	protocol Protocol
	tcp      *net.TCPConn
	udp      *net.UDPConn
	peer     *net.UDPAddr
	opts     *options
	buf      []byte
}

// Dial opens a Conn to host:port.
func Dial(ctx context.Context, protocol Protocol, host string, port uint16, opts ...Option) (*Conn, error) {
	o := newOptions(opts)
	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	c := &Conn{protocol: protocol, opts: o, buf: make([]byte, o.bufferSize)}

	switch protocol {
	case TCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp4", address)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", address, err)
		}
		c.tcp = conn.(*net.TCPConn)
	case UDP:
		peer, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		if err != nil {
			return nil, fmt.Errorf("transport: resolve %s: %w", host, err)
		}
		if len(peer) == 0 {
			return nil, fmt.Errorf("transport: resolve %s: no ipv4 address", host)
		}
		conn, err := net.ListenUDP("udp4", nil)
		if err != nil {
			return nil, fmt.Errorf("transport: bind udp: %w", err)
		}
		c.udp = conn
		c.peer = &net.UDPAddr{IP: peer[0].Unmap().AsSlice(), Port: int(port)}
	default:
		return nil, fmt.Errorf("transport: unsupported protocol %s", protocol)
	}

	o.logger.Debug("connected", zap.Stringer("protocol", protocol), zap.String("address", address))
	return c, nil
}

// Protocol returns the socket type of c.
func (c *Conn) Protocol() Protocol {
	return c.protocol
}

// LocalAddr returns the local endpoint of c.
func (c *Conn) LocalAddr() net.Addr {
	if c.protocol == TCP {
		return c.tcp.LocalAddr()
	}
	return c.udp.LocalAddr()
}

// Send writes data as one message. A short write is an error. Messages larger
// than BufferSize are rejected with ErrMessageTooLarge before anything is sent.
func (c *Conn) Send(data []byte) error {
	if len(data) > c.opts.bufferSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), c.opts.bufferSize)
	}
	var (
		n   int
		err error
	)
	if c.protocol == TCP {
		n, err = c.tcp.Write(data)
	} else {
		n, err = c.udp.WriteToUDP(data, c.peer)
	}
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("transport: send: short write %d/%d", n, len(data))
	}
	return nil
}

// Receive reads one message of at most BufferSize bytes.
//
// An orderly peer close is reported as ErrPeerClosed. A timeout matches
// os.ErrDeadlineExceeded through errors.Is.
func (c *Conn) Receive() ([]byte, error) {
	var deadline time.Time
	if c.opts.receiveTimeout > 0 {
		deadline = time.Now().Add(c.opts.receiveTimeout)
	}

	var (
		n   int
		err error
	)
	if c.protocol == TCP {
		c.tcp.SetReadDeadline(deadline)
		n, err = c.tcp.Read(c.buf)
	} else {
		c.udp.SetReadDeadline(deadline)
		n, _, err = c.udp.ReadFromUDP(c.buf)
	}

	if n > 0 {
		data := make([]byte, n)
		copy(data, c.buf[:n])
		return data, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, ErrPeerClosed
	}
	return nil, fmt.Errorf("transport: receive: %w", err)
}

// Close releases the socket. A TCP connection is half-closed and drained
// until the server's EOF before the descriptor is closed.
func (c *Conn) Close() error {
	if c.protocol == TCP {
		return drain(c.tcp, c.tcp, c.opts.drainTimeout)
	}
	return c.udp.Close()
}
