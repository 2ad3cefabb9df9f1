package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Role selects the side of a TLS handshake.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// ServerNameCallback picks the configuration for an incoming handshake
// from the SNI value the client sent.
type ServerNameCallback func(serverName string) (*tls.Config, error)

// SSLContext is the certificate and key material shared by secure
// streams. It holds a single server-name callback slot, so streams that
// install conflicting callbacks on the same context need external
// coordination.
type SSLContext struct {
	mu         sync.RWMutex
	config     *tls.Config
	serverName ServerNameCallback
}

// NewSSLContext creates a context from cfg. A nil cfg yields an empty
// configuration.
func NewSSLContext(cfg *tls.Config) *SSLContext {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	return &SSLContext{config: cfg.Clone()}
}

// Config returns a copy of the context's TLS configuration.
func (c *SSLContext) Config() *tls.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Clone()
}

// SetServerNameCallback installs cb, replacing any previous callback. A nil
// cb disables the callback.
func (c *SSLContext) SetServerNameCallback(cb ServerNameCallback) {
	c.mu.Lock()
	c.serverName = cb
	c.mu.Unlock()
}

// ServerNameCallback returns the installed callback, or nil.
func (c *SSLContext) ServerNameCallback() ServerNameCallback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName
}

// SSLStream wraps another stream in a TLS session. Every Stream operation
// except Read and Write is forwarded to the wrapped stream.
type SSLStream struct {
	next Stream
	ctx  *SSLContext

	mu       sync.Mutex
	hostname string
	started  bool
	conn     *tls.Conn

	out outbound
}

// NewSSLStream wraps next. ctx must not be nil.
func NewSSLStream(next Stream, ctx *SSLContext) *SSLStream {
	if ctx == nil {
		panic("transport: secure stream constructed without an SSLContext")
	}
	return &SSLStream{next: next, ctx: ctx}
}

// Next returns the wrapped stream.
func (s *SSLStream) Next() Stream {
	return s.next
}

// Context returns the shared security context.
func (s *SSLStream) Context() *SSLContext {
	return s.ctx
}

func (s *SSLStream) Open(p Protocol) error { return s.next.Open(p) }
func (s *SSLStream) IsOpen() bool { return s.next.IsOpen() }
func (s *SSLStream) Bind(ep Endpoint) error { return s.next.Bind(ep) }
func (s *SSLStream) Available() (int, error) { return s.next.Available() }
func (s *SSLStream) LocalEndpoint() (Endpoint, error) { return s.next.LocalEndpoint() }

func (s *SSLStream) RemoteEndpoint() (Endpoint, error) {
	return s.next.RemoteEndpoint()
}

// Connect connects the wrapped stream. The TLS session starts with
// Handshake.
func (s *SSLStream) Connect(ctx context.Context, ep Endpoint) error {
	return s.next.Connect(ctx, ep)
}

// Close hard-closes the wrapped stream without a close_notify.
func (s *SSLStream) Close() error {
	return s.next.Close()
}

// SetHostname installs certificate verification against name and sends
// name as SNI. It must be called before Handshake.
func (s *SSLStream) SetHostname(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrHandshakeStarted
	}
	s.hostname = name
	return nil
}

// Hostname returns the name installed with SetHostname.
func (s *SSLStream) Hostname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostname
}

// Handshake runs the TLS handshake over the connected wrapped stream.
func (s *SSLStream) Handshake(ctx context.Context, role Role) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrHandshakeStarted
	}
	s.started = true
	cfg := s.ctx.Config()
	hostname := s.hostname

	nc := &streamConn{Stream: s.next}
	switch role {
	case RoleServer:
		if cb := s.ctx.ServerNameCallback(); cb != nil {
			cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
				return cb(hello.ServerName)
			}
		}
		s.conn = tls.Server(nc, cfg)
	default:
		if hostname != "" {
			cfg.ServerName = hostname
			cfg.VerifyConnection = verifyHostname(hostname, cfg.VerifyConnection)
		}
		s.conn = tls.Client(nc, cfg)
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.HandshakeContext(ctx); err != nil {
		var hostErr x509.HostnameError
		if errors.As(err, &hostErr) {
			err = &VerificationError{Hostname: hostname, Err: err}
		}
		return fmt.Errorf("tls handshake: %w", err)
	}
	return nil
}

// ConnectionState returns the TLS state, or false before Handshake.
func (s *SSLStream) ConnectionState() (tls.ConnectionState, bool) {
	conn, err := s.session()
	if err != nil {
		return tls.ConnectionState{}, false
	}
	return conn.ConnectionState(), true
}

func (s *SSLStream) session() (*tls.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNoSession
	}
	return s.conn, nil
}

func (s *SSLStream) Read(b []byte) (int, error) {
	conn, err := s.session()
	if err != nil {
		return 0, err
	}
	return conn.Read(b)
}

func (s *SSLStream) Write(b []byte) (int, error) {
	conn, err := s.session()
	if err != nil {
		return 0, err
	}
	return conn.Write(b)
}

// Shutdown sends close_notify. It returns once the alert has been handed
// to the wrapped stream; it does not wait for the peer's reply.
func (s *SSLStream) Shutdown() error {
	conn, err := s.session()
	if err != nil {
		return err
	}
	return conn.CloseWrite()
}

// Outbound runs op after every outbound operation queued before it.
func (s *SSLStream) Outbound(op func()) {
	s.out.run(op)
}

func verifyHostname(hostname string, next func(tls.ConnectionState) error) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if next != nil {
			if err := next(cs); err != nil {
				return err
			}
		}
		if len(cs.PeerCertificates) == 0 {
			return &VerificationError{Hostname: hostname, Err: errors.New("no peer certificate")}
		}
		if err := cs.PeerCertificates[0].VerifyHostname(hostname); err != nil {
			return &VerificationError{Hostname: hostname, Err: err}
		}
		return nil
	}
}

// outbound runs queued operations one at a time, in order.
type outbound struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (o *outbound) run(op func()) {
	o.mu.Lock()
	o.queue = append(o.queue, op)
	if !o.running {
		o.running = true
		go o.drain()
	}
	o.mu.Unlock()
}

func (o *outbound) drain() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()
			return
		}
		op := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()
		op()
	}
}

// streamConn presents a Stream as a net.Conn for crypto/tls.
type streamConn struct {
	Stream
}

type deadliner interface {
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

func (c *streamConn) LocalAddr() net.Addr {
	ep, err := c.LocalEndpoint()
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ep)
}

func (c *streamConn) RemoteAddr() net.Addr {
	ep, err := c.RemoteEndpoint()
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ep)
}

func (c *streamConn) SetDeadline(t time.Time) error {
	if d, ok := c.Stream.(deadliner); ok {
		return d.SetDeadline(t)
	}
	return nil
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	if d, ok := c.Stream.(deadliner); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

func (c *streamConn) SetWriteDeadline(t time.Time) error {
	if d, ok := c.Stream.(deadliner); ok {
		return d.SetWriteDeadline(t)
	}
	return nil
}
