package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// UTPNextProto is the ALPN value negotiated by reliable-UDP streams.
const UTPNextProto = "polysock-utp"

// UTPStream is the reliable-UDP variant: a single bidirectional QUIC
// stream over a UDP socket owned by the stream.
type UTPStream struct {
	baseStream
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	pconn net.PacketConn
	qconn quic.Connection

	closeReason atomic.Uint32
	incoming    atomic.Uint32
}

// NewUTPStream creates an unopened reliable-UDP stream.
func NewUTPStream() *UTPStream {
	return &UTPStream{
		tlsConfig: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{UTPNextProto},
		},
		quicConfig: defaultQUICConfig(),
	}
}

// NewUTPStreamFromConn wraps a stream accepted on a QUIC connection. The
// packet socket stays owned by the listener.
func NewUTPStreamFromConn(qconn quic.Connection, st quic.Stream) (*UTPStream, error) {
	s := NewUTPStream()
	s.qconn = qconn
	if err := s.adopt(&utpConn{stream: st, qconn: qconn, incoming: &s.incoming}); err != nil {
		return nil, fmt.Errorf("adopt utp stream: %w", err)
	}
	return s, nil
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// SetTLSConfig replaces the transport-level TLS configuration used by the
// QUIC handshake. It is unrelated to the SSL/uTP variant's session.
func (s *UTPStream) SetTLSConfig(cfg *tls.Config) {
	cfg = cfg.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{UTPNextProto}
	}
	s.mu.Lock()
	s.tlsConfig = cfg
	s.mu.Unlock()
}

// SetCloseReason sets the code sent to the peer when the stream closes.
func (s *UTPStream) SetCloseReason(code uint16) {
	s.closeReason.Store(uint32(code))
}

// CloseReason returns the code the peer closed the stream with, or 0.
func (s *UTPStream) CloseReason() uint16 {
	return uint16(s.incoming.Load())
}

// Bind creates the UDP socket on ep.
func (s *UTPStream) Bind(ep Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	if ProtocolOf(ep) != s.proto {
		return ErrAddressFamily
	}
	if s.conn != nil || s.pconn != nil {
		return ErrAlreadyConnected
	}
	pconn, err := net.ListenUDP(s.proto.PacketNetwork(), net.UDPAddrFromAddrPort(ep))
	if err != nil {
		return fmt.Errorf("utp bind %s: %w", ep, err)
	}
	local, err := addrPort(pconn.LocalAddr())
	if err != nil {
		pconn.Close()
		return err
	}
	s.pconn = pconn
	s.local = local
	s.bound = true
	return nil
}

// Connect performs the QUIC handshake with ep and opens the stream.
func (s *UTPStream) Connect(ctx context.Context, ep Endpoint) error {
	proto, _, err := s.beginConnect(ep)
	if err != nil {
		return err
	}

	s.mu.Lock()
	pconn := s.pconn
	tlsConfig := s.tlsConfig
	quicConfig := s.quicConfig
	s.mu.Unlock()

	if pconn == nil {
		udp, err := net.ListenUDP(proto.PacketNetwork(), nil)
		if err != nil {
			return fmt.Errorf("utp socket: %w", err)
		}
		s.mu.Lock()
		if !s.open {
			s.mu.Unlock()
			udp.Close()
			return ErrNotOpen
		}
		s.pconn = udp
		s.mu.Unlock()
		pconn = udp
	}

	qconn, err := quic.Dial(ctx, pconn, net.UDPAddrFromAddrPort(ep), tlsConfig, quicConfig)
	if err != nil {
		return fmt.Errorf("utp connect %s: %w", ep, err)
	}
	st, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "failed to open stream")
		return fmt.Errorf("utp open stream: %w", err)
	}

	s.mu.Lock()
	s.qconn = qconn
	s.mu.Unlock()
	return s.finishConnect(&utpConn{stream: st, qconn: qconn, incoming: &s.incoming}, ep)
}

// Close closes the stream and the QUIC connection, sending the close
// reason to the peer.
func (s *UTPStream) Close() error {
	s.mu.Lock()
	pconn := s.pconn
	qconn := s.qconn
	s.pconn = nil
	s.qconn = nil
	s.mu.Unlock()

	// The connection close carries the reason; it must reach the peer
	// before a stream FIN would end its reads with a bare EOF.
	if qconn != nil {
		qconn.CloseWithError(quic.ApplicationErrorCode(s.closeReason.Load()), "")
	}
	err := s.baseStream.Close()
	if pconn != nil {
		pconn.Close()
	}
	return err
}

// utpConn adapts a QUIC stream to net.Conn.
type utpConn struct {
	stream   quic.Stream
	qconn    quic.Connection
	incoming *atomic.Uint32
}

func (c *utpConn) Read(b []byte) (int, error) {
	n, err := c.stream.Read(b)
	if err != nil {
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) && appErr.Remote {
			c.incoming.Store(uint32(appErr.ErrorCode))
			return n, io.EOF
		}
	}
	return n, err
}

func (c *utpConn) Write(b []byte) (int, error) {
	return c.stream.Write(b)
}

func (c *utpConn) Close() error {
	return c.stream.Close()
}

func (c *utpConn) LocalAddr() net.Addr {
	return c.qconn.LocalAddr()
}

func (c *utpConn) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

func (c *utpConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *utpConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *utpConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// UTPListener accepts reliable-UDP streams.
type UTPListener struct {
	listener *quic.Listener
}

// ListenUTP starts a reliable-UDP listener. cfg must carry a certificate.
func ListenUTP(addr string, cfg *tls.Config) (*UTPListener, error) {
	cfg = cfg.Clone()
	cfg.NextProtos = []string{UTPNextProto}
	l, err := quic.ListenAddr(addr, cfg, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("utp listen failed: %w", err)
	}
	return &UTPListener{listener: l}, nil
}

// Accept waits for the next QUIC connection. Use AcceptUTPStream to wait
// for its stream.
func (l *UTPListener) Accept(ctx context.Context) (quic.Connection, error) {
	return l.listener.Accept(ctx)
}

// AcceptUTPStream waits for the first stream the peer opens on qconn. The
// peer's stream becomes visible once it has written data.
func AcceptUTPStream(ctx context.Context, qconn quic.Connection) (*UTPStream, error) {
	st, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(0, "failed to accept stream")
		return nil, err
	}
	return NewUTPStreamFromConn(qconn, st)
}

// Close closes the listener.
func (l *UTPListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener address.
func (l *UTPListener) Addr() net.Addr {
	return l.listener.Addr()
}
