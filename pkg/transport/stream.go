package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const readBufferSize = 32 * 1024

// baseStream holds the state shared by every variant that ends up carrying
// its bytes over a single net.Conn.
type baseStream struct {
	mu     sync.Mutex
	open   bool
	proto  Protocol
	bound  bool
	local  Endpoint
	remote Endpoint
	conn   net.Conn

	readMu sync.Mutex
	br     *bufio.Reader
	avail  atomic.Int64
}

func (s *baseStream) Open(p Protocol) error {
	if p != V4 && p != V6 {
		return ErrAddressFamily
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return ErrAlreadyOpen
	}
	s.open = true
	s.proto = p
	s.bound = false
	return nil
}

func (s *baseStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *baseStream) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	conn := s.conn
	s.open = false
	s.bound = false
	s.conn = nil
	s.mu.Unlock()

	s.avail.Store(0)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *baseStream) Bind(ep Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	if ProtocolOf(ep) != s.proto {
		return ErrAddressFamily
	}
	if s.conn != nil {
		return ErrAlreadyConnected
	}
	s.local = ep
	s.bound = true
	return nil
}

// Available returns the bytes a Read can return without blocking: those
// already buffered by the stream plus those queued in the kernel. Streams
// carried by QUIC or WebSocket connections only report the former.
func (s *baseStream) Available() (int, error) {
	s.mu.Lock()
	open, conn := s.open, s.conn
	s.mu.Unlock()
	if !open {
		return 0, ErrNotOpen
	}
	n := int(s.avail.Load())
	if conn == nil {
		return n, nil
	}
	pending, err := pendingBytes(conn)
	if err != nil {
		return n, err
	}
	return n + pending, nil
}

func (s *baseStream) LocalEndpoint() (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.open:
		return Endpoint{}, ErrNotOpen
	case s.conn != nil:
		return addrPort(s.conn.LocalAddr())
	case s.bound:
		return s.local, nil
	default:
		return unspecified(s.proto), nil
	}
}

func (s *baseStream) RemoteEndpoint() (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Endpoint{}, ErrNotOpen
	}
	if s.conn == nil {
		return Endpoint{}, ErrNotConnected
	}
	return s.remote, nil
}

// beginConnect opens the stream for ep's family if necessary and returns
// the local address to dial from, if one was bound.
func (s *baseStream) beginConnect(ep Endpoint) (Protocol, *Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		s.open = true
		s.proto = ProtocolOf(ep)
		s.bound = false
	} else if ProtocolOf(ep) != s.proto {
		return 0, nil, ErrAddressFamily
	}
	if s.conn != nil {
		return 0, nil, ErrAlreadyConnected
	}
	if s.bound {
		local := s.local
		return s.proto, &local, nil
	}
	return s.proto, nil, nil
}

// finishConnect installs conn unless the stream was closed while the
// connection was being established.
func (s *baseStream) finishConnect(conn net.Conn, remote Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		conn.Close()
		return ErrNotOpen
	}
	s.attachLocked(conn, remote)
	return nil
}

func (s *baseStream) attachLocked(conn net.Conn, remote Endpoint) {
	s.conn = conn
	s.remote = remote
	s.readMu.Lock()
	s.br = bufio.NewReaderSize(conn, readBufferSize)
	s.readMu.Unlock()
	s.avail.Store(0)
}

// adopt installs an already established connection.
func (s *baseStream) adopt(conn net.Conn) error {
	remote, err := addrPort(conn.RemoteAddr())
	if err != nil {
		return err
	}
	local, err := addrPort(conn.LocalAddr())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.proto = ProtocolOf(local)
	s.attachLocked(conn, remote)
	return nil
}

func (s *baseStream) current() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *baseStream) Read(b []byte) (int, error) {
	if _, err := s.current(); err != nil {
		return 0, err
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()
	n, err := s.br.Read(b)
	s.avail.Store(int64(s.br.Buffered()))
	return n, err
}

func (s *baseStream) Write(b []byte) (int, error) {
	conn, err := s.current()
	if err != nil {
		return 0, err
	}
	return conn.Write(b)
}

// SetDeadline forwards to the underlying connection.
func (s *baseStream) SetDeadline(t time.Time) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	return conn.SetDeadline(t)
}

// SetReadDeadline forwards to the underlying connection.
func (s *baseStream) SetReadDeadline(t time.Time) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	return conn.SetReadDeadline(t)
}

// SetWriteDeadline forwards to the underlying connection.
func (s *baseStream) SetWriteDeadline(t time.Time) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	return conn.SetWriteDeadline(t)
}

// netDialer builds the forward dialer for a connect attempt.
func netDialer(local *Endpoint) *net.Dialer {
	d := &net.Dialer{}
	if local != nil {
		d.LocalAddr = net.TCPAddrFromAddrPort(*local)
	}
	return d
}
