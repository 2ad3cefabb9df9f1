package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Endpoint is an address and port, shared by every variant.
type Endpoint = netip.AddrPort

// Protocol selects the address family of a stream.
type Protocol int

const (
	V4 Protocol = iota + 1
	V6
)

func (p Protocol) String() string {
	switch p {
	case V4:
		return "v4"
	case V6:
		return "v6"
	default:
		return "unknown"
	}
}

// Network returns the net package network name for a stream-oriented
// transport of this family ("tcp4" or "tcp6").
func (p Protocol) Network() string {
	if p == V6 {
		return "tcp6"
	}
	return "tcp4"
}

// PacketNetwork is the datagram counterpart of Network.
func (p Protocol) PacketNetwork() string {
	if p == V6 {
		return "udp6"
	}
	return "udp4"
}

// ProtocolOf returns the family of ep.
func ProtocolOf(ep Endpoint) Protocol {
	if ep.Addr().Unmap().Is4() {
		return V4
	}
	return V6
}

// unspecified returns the any-address endpoint of the family with port 0.
func unspecified(p Protocol) Endpoint {
	if p == V6 {
		return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
	return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
}

// Stream is the operation set every transport variant exposes.
type Stream interface {
	// Open prepares the stream for the given address family.
	Open(p Protocol) error

	// IsOpen reports whether the stream is open.
	IsOpen() bool

	// Close closes the stream. Closing a closed stream returns ErrNotOpen.
	Close() error

	// Bind sets the local endpoint used for the connection.
	Bind(ep Endpoint) error

	// Available returns the number of bytes that can be read without blocking.
	Available() (int, error)

	// LocalEndpoint returns the local endpoint.
	LocalEndpoint() (Endpoint, error)

	// RemoteEndpoint returns the endpoint the stream is connected to.
	RemoteEndpoint() (Endpoint, error)

	// Connect establishes the stream, opening it first if needed.
	Connect(ctx context.Context, ep Endpoint) error

	// Read reads data from the stream.
	Read(b []byte) (n int, err error)

	// Write writes data to the stream.
	Write(b []byte) (n int, err error)
}

var (
	ErrNotOpen          = errors.New("stream not open")
	ErrAlreadyOpen      = errors.New("stream already open")
	ErrNotConnected     = errors.New("stream not connected")
	ErrAlreadyConnected = errors.New("stream already connected")
	ErrAddressFamily    = errors.New("address family mismatch")
	ErrNoProxy          = errors.New("no proxy configured")
	ErrHandshakeStarted = errors.New("tls handshake already started")
	ErrNoSession        = errors.New("no tls session")
	ErrI2PDisabled      = errors.New("i2p support not compiled in")
)

// VerificationError reports a certificate that does not match the
// hostname installed with SSLStream.SetHostname.
type VerificationError struct {
	Hostname string
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("certificate verification for %q failed: %v", e.Hostname, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// ProxyError reports a proxy that refused to open a tunnel.
type ProxyError struct {
	Proxy      string
	StatusCode int
	Status     string
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy %s refused tunnel: %s", e.Proxy, e.Status)
}

// addrPort converts a net.Addr to an Endpoint.
func addrPort(a net.Addr) (Endpoint, error) {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	case nil:
		return Endpoint{}, ErrNotConnected
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint of %s: %w", a, err)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
