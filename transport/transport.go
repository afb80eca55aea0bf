// Package transport moves raw message buffers over TCP or UDP.
//
// There is no length framing: each Send is answered by exactly one Receive on
// the other side, so both ends perform one write and then one read per
// exchange. A receive reads at most BufferSize bytes.
//
// Client side: Dial, Conn.Send, Conn.Receive, Conn.Close.
// Server side: Listen, Server.ReceiveOne, Server.Reply, Server.Release, Server.Close.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Protocol selects the socket type.
type Protocol byte

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return fmt.Sprintf("Protocol(%d)", byte(p))
}

// ParseProtocol accepts "tcp" or "udp", case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return 0, fmt.Errorf("transport: unknown protocol %q", s)
}

const (
	DefaultBufferSize     = 512
	DefaultReceiveTimeout = 5 * time.Second
	DefaultDrainTimeout   = 5 * time.Second
)

var (
	ErrPeerClosed    = errors.New("transport: peer closed connection")
	ErrServerClosed  = errors.New("transport: server closed")
	ErrUnknownClient = errors.New("transport: client no longer connected")

	// ErrMessageTooLarge rejects a message the peer could not read in one
	// receive. Nothing is written, so the connection stays usable.
	ErrMessageTooLarge = errors.New("transport: message exceeds buffer size")
)

type options struct {
	bufferSize     int
	receiveTimeout time.Duration
	drainTimeout   time.Duration
	maxClients     int
	logger         *zap.Logger
}

// Option configures Dial and Listen.
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{
		bufferSize:     DefaultBufferSize,
		receiveTimeout: DefaultReceiveTimeout,
		drainTimeout:   DefaultDrainTimeout,
		logger:         zap.L(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithBufferSize sets the size of the receive buffer, i.e. the largest message
// a single Receive or ReceiveOne can return.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithReceiveTimeout bounds every client Receive. Zero disables the timeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *options) {
		o.receiveTimeout = d
	}
}

// WithDrainTimeout bounds how long a closing TCP connection waits for the
// peer's EOF after the half-close.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		o.drainTimeout = d
	}
}

// WithMaxClients caps the number of simultaneously open TCP clients of a
// Server. Further connections wait in the kernel backlog.
func WithMaxClients(n int) Option {
	return func(o *options) {
		o.maxClients = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// drain retires a TCP connection: stop writing, discard inbound bytes until
// the peer's EOF (or the timeout), then close. Closing with unread data would
// send an RST and cut the peer's own close sequence short.
// conn is what gets read and closed; it may wrap tcp.
func drain(tcp *net.TCPConn, conn net.Conn, timeout time.Duration) error {
	tcp.CloseWrite()
	if timeout > 0 {
		tcp.SetReadDeadline(time.Now().Add(timeout))
	} else {
		tcp.SetReadDeadline(time.Time{})
	}
	io.Copy(io.Discard, conn)
	return conn.Close()
}
