package transport

import (
	"context"
	"fmt"
	"net"
)

// TCPStream is a plain TCP stream.
type TCPStream struct {
	baseStream
}

// NewTCPStream creates an unopened TCP stream.
func NewTCPStream() *TCPStream {
	return &TCPStream{}
}

// NewTCPStreamFromConn wraps an accepted connection.
func NewTCPStreamFromConn(conn net.Conn) (*TCPStream, error) {
	s := &TCPStream{}
	if err := s.adopt(conn); err != nil {
		return nil, fmt.Errorf("adopt tcp connection: %w", err)
	}
	return s, nil
}

// Connect dials ep from the bound local endpoint, if any.
func (s *TCPStream) Connect(ctx context.Context, ep Endpoint) error {
	proto, local, err := s.beginConnect(ep)
	if err != nil {
		return err
	}
	conn, err := netDialer(local).DialContext(ctx, proto.Network(), ep.String())
	if err != nil {
		return fmt.Errorf("tcp connect %s: %w", ep, err)
	}
	return s.finishConnect(conn, ep)
}
