package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// ReturnAddress identifies the peer a message came from. For TCP it is a slot
// in the server's client table (plus the generation of the connection that
// occupied it), for UDP the sender's address.
type ReturnAddress struct {
	slot int
	gen  uint64
	addr net.Addr
}

// Addr returns the remote address of the peer.
func (ra ReturnAddress) Addr() net.Addr {
	return ra.addr
}

// ClientMessage is one received request together with its return address.
type ClientMessage struct {
	Data   []byte
	Return ReturnAddress
}

// client is one slot of the TCP client table. conn may be wrapped by the
// client limit; tcp is the socket underneath it.
type client struct {
	conn    net.Conn
	tcp     *net.TCPConn
	gen     uint64
	release chan struct{} // one token per answered request
}

// Server is a listening endpoint shared by any number of workers.
//
// TCP clients are multiplexed onto a single queue: each accepted connection
// gets a reader that performs one read, hands the message to whichever worker
// is blocked in ReceiveOne, and waits until that worker calls Release before
// reading the next request. Clients are half-duplex, so replies on one
// connection come back in request order.
//
// The client table is guarded by mu. A slot is cleared when its connection is
// retired (peer EOF, read error, Close) and reused by the next accept.
type Server struct {
	protocol Protocol
	opts     *options

	listener net.Listener
	raw      *rawListener
	packet   *net.UDPConn

	mu      sync.Mutex
	clients []*client
	gen     uint64

	inbox  chan *ClientMessage
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

// Listen binds a server on all interfaces at port. Port 0 picks an ephemeral port.
func Listen(ctx context.Context, protocol Protocol, port uint16, opts ...Option) (*Server, error) {
	o := newOptions(opts)
	s := &Server{
		protocol: protocol,
		opts:     o,
		inbox:    make(chan *ClientMessage),
		done:     make(chan struct{}),
		logger:   o.logger,
	}

	lc := net.ListenConfig{Control: reusePort}
	address := net.JoinHostPort("0.0.0.0", strconv.Itoa(int(port)))

	switch protocol {
	case TCP:
		ln, err := lc.Listen(ctx, "tcp4", address)
		if err != nil {
			return nil, fmt.Errorf("transport: listen %s: %w", address, err)
		}
		s.raw = &rawListener{TCPListener: ln.(*net.TCPListener)}
		s.listener = s.raw
		if o.maxClients > 0 {
			s.listener = netutil.LimitListener(s.raw, o.maxClients)
		}
		s.wg.Add(1)
		go s.acceptLoop()
	case UDP:
		pc, err := lc.ListenPacket(ctx, "udp4", address)
		if err != nil {
			return nil, fmt.Errorf("transport: listen %s: %w", address, err)
		}
		s.packet = pc.(*net.UDPConn)
	default:
		return nil, fmt.Errorf("transport: unsupported protocol %s", protocol)
	}

	s.logger.Info("listening", zap.Stringer("protocol", protocol), zap.Stringer("addr", s.Addr()))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.protocol == TCP {
		return s.listener.Addr()
	}
	return s.packet.LocalAddr()
}

// Port returns the bound port.
func (s *Server) Port() uint16 {
	switch a := s.Addr().(type) {
	case *net.TCPAddr:
		return uint16(a.Port)
	case *net.UDPAddr:
		return uint16(a.Port)
	}
	return 0
}

func (s *Server) Protocol() Protocol {
	return s.protocol
}

// ReceiveOne blocks until one request is available and returns it.
//
// TCP: the next request from any connected client; a client that closes is
// retired internally and never surfaces as a zero-length message.
// UDP: one datagram from any sender.
//
// ErrServerClosed is returned once Close has been called or the listening
// socket has died. Any other error is
// an I/O failure affecting only this request.
func (s *Server) ReceiveOne(ctx context.Context) (*ClientMessage, error) {
	if s.protocol == UDP {
		return s.receiveDatagram(ctx)
	}

	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.done:
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) receiveDatagram(ctx context.Context) (*ClientMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, s.opts.bufferSize)
	n, addr, err := s.packet.ReadFromUDP(buf)
	if err != nil {
		select {
		case <-s.done:
			return nil, ErrServerClosed
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			s.logger.Error("socket closed underneath the server, stopping", zap.Error(err))
			s.stop()
			return nil, ErrServerClosed
		}
		return nil, fmt.Errorf("transport: receive: %w", err)
	}
	return &ClientMessage{Data: buf[:n], Return: ReturnAddress{slot: -1, addr: addr}}, nil
}

// Reply sends data to the peer identified by ra.
func (s *Server) Reply(ra ReturnAddress, data []byte) error {
	if len(data) > s.opts.bufferSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), s.opts.bufferSize)
	}
	var (
		n   int
		err error
	)
	if s.protocol == UDP {
		n, err = s.packet.WriteTo(data, ra.addr)
	} else {
		c := s.lookup(ra)
		if c == nil {
			return ErrUnknownClient
		}
		n, err = c.conn.Write(data)
	}
	if err != nil {
		return fmt.Errorf("transport: reply: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("transport: reply: short write %d/%d", n, len(data))
	}
	return nil
}

// Release ends the exchange started by the message carrying ra. For TCP the
// client's connection is re-armed to read its next request; it must be called
// exactly once per received message, whether or not a reply was sent.
func (s *Server) Release(ra ReturnAddress) {
	if s.protocol == UDP {
		return
	}
	if c := s.lookup(ra); c != nil {
		select {
		case c.release <- struct{}{}:
		default:
		}
	}
}

// Clients returns the number of open TCP client connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if c != nil {
			n++
		}
	}
	return n
}

// Close stops accepting, retires every client connection (half-close and
// drain) and unblocks all ReceiveOne callers with ErrServerClosed.
func (s *Server) Close() error {
	err := s.stop()
	s.wg.Wait()
	return err
}

// stop closes done and the sockets and wakes every client reader, which then
// retires its connection. It does not wait for the readers, so the accept loop
// can call it when the listener dies.
func (s *Server) stop() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.protocol == UDP {
			err = s.packet.Close()
			return
		}

		err = s.listener.Close()
		s.mu.Lock()
		for _, c := range s.clients {
			if c != nil {
				// Wake the reader; it retires the connection itself.
				c.tcp.SetReadDeadline(time.Now())
			}
		}
		s.mu.Unlock()
	})
	return err
}

func (s *Server) lookup(ra ReturnAddress) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ra.slot < 0 || ra.slot >= len(s.clients) {
		return nil
	}
	c := s.clients[ra.slot]
	if c == nil || c.gen != ra.gen {
		return nil
	}
	return c
}

// acceptLoop runs until the listener fails. Temporary errors (EMFILE and
// friends) are retried with a doubling delay; anything else stops the server
// so that ReceiveOne reports ErrServerClosed instead of waiting forever.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	var tempDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, time.Second)
				s.logger.Warn("accept failed, retrying", zap.Duration("delay", tempDelay), zap.Error(err))
				select {
				case <-time.After(tempDelay):
				case <-s.done:
					return
				}
				continue
			}
			s.logger.Error("listener failed, stopping server", zap.Error(err))
			s.stop()
			return
		}
		tempDelay = 0

		slot, c := s.addClient(conn, s.raw.last)
		s.logger.Debug("client connected", zap.Int("slot", slot), zap.Stringer("remote", conn.RemoteAddr()))
		s.wg.Add(1)
		go s.serveClient(slot, c)
	}
}

// addClient stores conn in the first free slot, growing the table if none is free.
func (s *Server) addClient(conn net.Conn, tcp *net.TCPConn) (int, *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	c := &client{conn: conn, tcp: tcp, gen: s.gen, release: make(chan struct{}, 1)}
	select {
	case <-s.done:
		// Accepted while closing: the reader retires it on its first read.
		tcp.SetReadDeadline(time.Now())
	default:
	}
	for i, old := range s.clients {
		if old == nil {
			s.clients[i] = c
			return i, c
		}
	}
	s.clients = append(s.clients, c)
	return len(s.clients) - 1, c
}

func (s *Server) serveClient(slot int, c *client) {
	defer s.wg.Done()
	defer s.retireClient(slot, c)

	buf := make([]byte, s.opts.bufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			msg := &ClientMessage{
				Data:   data,
				Return: ReturnAddress{slot: slot, gen: c.gen, addr: c.conn.RemoteAddr()},
			}

			select {
			case s.inbox <- msg:
			case <-s.done:
				return
			}
			select {
			case <-c.release:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-s.done:
				default:
					s.logger.Debug("client read failed", zap.Int("slot", slot), zap.Error(err))
				}
			}
			return
		}
	}
}

func (s *Server) retireClient(slot int, c *client) {
	s.mu.Lock()
	if slot < len(s.clients) && s.clients[slot] == c {
		s.clients[slot] = nil
	}
	s.mu.Unlock()

	drain(c.tcp, c.conn, s.opts.drainTimeout)
	s.logger.Debug("client retired", zap.Int("slot", slot))
}

// rawListener remembers the socket behind the last accepted connection, which
// keeps the half-close reachable when the connection is wrapped by
// netutil.LimitListener. Accept is only called from acceptLoop.
type rawListener struct {
	*net.TCPListener
	last *net.TCPConn
}

func (l *rawListener) Accept() (net.Conn, error) {
	c, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	l.last = c
	return c, nil
}
