// Package utp provides a uTP socket sharing one UDP endpoint across
// many connections.
package utp

import (
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/goburrow/utp/transport"
)

const (
	bufferSize = 1536
	// Interval of the timer driving retransmissions, delayed acks and
	// buffer aging.
	tickInterval = 10 * time.Millisecond
)

// Handler handles connection events. Serve is called from the socket
// goroutine with all pending events of one connection; it must not
// block.
type Handler interface {
	Serve(conn *Conn, events []transport.Event)
}

type noopHandler struct{}

func (s noopHandler) Serve(*Conn, []transport.Event) {}

// Socket owns one UDP endpoint and the transport engine behind it.
// The engine is single threaded; the socket serializes all entry into
// it with one mutex shared by the receive loop, the tick loop and the
// connection methods.
type Socket struct {
	config *transport.Config
	socket *net.UDPConn

	mu   sync.Mutex
	cond sync.Cond // broadcast after every engine pass
	mgr  *transport.Manager

	conns    map[*transport.Conn]*Conn
	accepted []*Conn

	handler Handler
	logger  Logger

	events  []transport.Event
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewSocket creates an unbound socket. config may be nil for defaults.
func NewSocket(config *transport.Config) *Socket {
	if config == nil {
		config = transport.NewConfig()
	}
	s := &Socket{
		config:  config,
		conns:   make(map[*transport.Conn]*Conn),
		handler: noopHandler{},
		logger:  leveledLogger(LevelInfo),
		closeCh: make(chan struct{}),
	}
	s.cond.L = &s.mu
	return s
}

// SetHandler sets connection event callbacks.
func (s *Socket) SetHandler(v Handler) {
	s.handler = v
}

// SetLogger sets transaction logger.
func (s *Socket) SetLogger(v Logger) {
	s.logger = v
}

// Listen binds the UDP endpoint and starts the receive and tick
// loops. The address may have port 0 for an ephemeral port.
func (s *Socket) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "utp: resolve")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrap(err, "utp: listen")
	}
	s.socket = conn
	s.mgr = transport.NewManager(s.config, s.sendDatagram)
	if s.logger != nil {
		logger := s.logger
		s.mgr.SetLogger(func(e transport.LogEvent) {
			logger.Log(LevelTrace, "%s", e)
		})
	}
	s.wg.Add(2)
	go s.recvLoop()
	go s.tickLoop()
	return nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() net.Addr {
	if s.socket == nil {
		return nil
	}
	return s.socket.LocalAddr()
}

// Connect opens a connection to the peer and blocks until the
// handshake completes or fails.
func (s *Socket) Connect(addr string) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "utp: resolve")
	}
	// UDPAddr.AddrPort may return an IPv4-mapped IPv6 address while
	// ReadFromUDPAddrPort reports plain IPv4; unmap so the transport's
	// connection lookup key matches inbound datagrams.
	ap := udpAddr.AddrPort()
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("utp: socket closed")
	}
	tc, err := s.mgr.Connect(ap, time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "utp: connect")
	}
	c := &Conn{sock: s, tc: tc}
	s.conns[tc] = c
	for tc.State() == transport.StateSynSent {
		s.cond.Wait()
	}
	if err := tc.Err(); err != nil {
		return nil, errors.Wrap(err, "utp: connect")
	}
	return c, nil
}

// Accept blocks until an inbound connection is established.
func (s *Socket) Accept() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.accepted) == 0 {
		if s.closed {
			return nil, errors.New("utp: socket closed")
		}
		s.cond.Wait()
	}
	c := s.accepted[0]
	s.accepted[0] = nil
	s.accepted = s.accepted[1:]
	return c, nil
}

// NumConns returns the number of live connections.
func (s *Socket) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == nil {
		return 0
	}
	return s.mgr.NumSockets()
}

// RestrictMTU caps outbound datagram sizes across all connections,
// for example after an ICMP fragmentation-needed report.
func (s *Socket) RestrictMTU(mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr != nil {
		s.mgr.RestrictMTU(mtu)
	}
}

// Close closes every connection and releases the UDP endpoint.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	for tc := range s.conns {
		tc.Close()
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	var err error
	if s.socket != nil {
		err = s.socket.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Socket) sendDatagram(addr netip.AddrPort, b []byte) error {
	_, err := s.socket.WriteToUDPAddrPort(b, addr)
	return err
}

func (s *Socket) recvLoop() {
	defer s.wg.Done()
	buf := make([]byte, bufferSize)
	for {
		n, addr, err := s.socket.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			s.logger.Log(LevelError, "utp: read: %v", err)
			return
		}
		s.mu.Lock()
		s.mgr.Recv(buf[:n], addr, time.Now())
		s.dispatch()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Socket) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.mu.Lock()
			s.mgr.Tick(now)
			s.dispatch()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-s.closeCh:
			return
		}
	}
}

// dispatch drains engine events, maintains the wrapper table and hands
// per-connection event batches to the handler. Called with mu held.
func (s *Socket) dispatch() {
	s.events = s.mgr.Events(s.events[:0])
	for i, e := range s.events {
		c := s.conns[e.Conn]
		if c == nil {
			c = &Conn{sock: s, tc: e.Conn}
			s.conns[e.Conn] = c
		}
		if e.Type == transport.EventAccepted {
			s.accepted = append(s.accepted, c)
		}
		// Batch consecutive events of the same connection.
		if i+1 < len(s.events) && s.events[i+1].Conn == e.Conn {
			continue
		}
		s.handler.Serve(c, connBatch(s.events[:i+1], e.Conn))
	}
	for tc := range s.conns {
		switch tc.State() {
		case transport.StateClosed, transport.StateReset:
			delete(s.conns, tc)
		}
	}
}

// connBatch returns the trailing run of events belonging to one
// connection.
func connBatch(events []transport.Event, tc *transport.Conn) []transport.Event {
	i := len(events)
	for i > 0 && events[i-1].Conn == tc {
		i--
	}
	return events[i:]
}

// Conn is a blocking adapter over one transport connection. Reads and
// writes block on a condition variable signaled after every engine
// pass.
type Conn struct {
	sock *Socket
	tc   *transport.Conn
}

// Read reads in-order stream data, blocking until data, end of stream
// or failure.
func (c *Conn) Read(b []byte) (int, error) {
	s := c.sock
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		n, err := c.tc.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
		if s.closed {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

// Write writes the whole buffer, blocking while the send queue is
// full.
func (c *Conn) Write(b []byte) (int, error) {
	s := c.sock
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for written < len(b) {
		if s.closed {
			return written, errors.New("utp: socket closed")
		}
		n, err := c.tc.Write(b[written:])
		written += n
		if err != nil {
			return written, err
		}
		if written < len(b) {
			s.cond.Wait()
		}
	}
	return written, nil
}

// Close starts a graceful shutdown of the connection.
func (c *Conn) Close() error {
	s := c.sock
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.tc.Close()
}

// State returns the connection state.
func (c *Conn) State() transport.State {
	s := c.sock
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.tc.State()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.tc.RemoteAddr())
}
