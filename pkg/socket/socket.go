// Package socket implements a polymorphic stream socket: one value that holds
// exactly one transport variant at a time, selected by a Type tag, and
// forwards every operation to it.
//
// Blocking operations have asynchronous forms whose completion handlers run
// on the socket's IOContext. Every operation comes in a canonical form that
// returns an error and, for the synchronous socket calls, a Must form that
// panics instead.
package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hydravpn/polysock/pkg/ioctx"
	"github.com/hydravpn/polysock/pkg/logging"
	"github.com/hydravpn/polysock/pkg/transport"
)

var (
	// ErrUninitialized is returned by operations on a socket holding no
	// variant.
	ErrUninitialized = errors.New("socket: no variant constructed")

	// ErrNotSecure is returned by TLS operations on a plain variant.
	ErrNotSecure = errors.New("socket: not a secure variant")
)

// SecureStream is the operation set of the TLS-wrapped variants.
type SecureStream interface {
	transport.Stream
	Next() transport.Stream
	Context() *transport.SSLContext
	SetHostname(name string) error
	Handshake(ctx context.Context, role transport.Role) error
	Shutdown() error
	Outbound(op func())
}

type closeReasoner interface {
	SetCloseReason(code uint16)
	CloseReason() uint16
}

type constructor func(sslCtx *transport.SSLContext) transport.Stream

func secure(plain constructor) constructor {
	return func(sslCtx *transport.SSLContext) transport.Stream {
		return transport.NewSSLStream(plain(nil), sslCtx)
	}
}

var (
	newTCP    constructor = func(*transport.SSLContext) transport.Stream { return transport.NewTCPStream() }
	newSOCKS5 constructor = func(*transport.SSLContext) transport.Stream { return transport.NewSOCKS5Stream() }
	newHTTP   constructor = func(*transport.SSLContext) transport.Stream { return transport.NewHTTPStream() }
	newUTP    constructor = func(*transport.SSLContext) transport.Stream { return transport.NewUTPStream() }
	newI2P    constructor = func(*transport.SSLContext) transport.Stream { return transport.NewI2PStream() }
)

// constructors is indexed by Type.
var constructors = [numTypes]constructor{
	TypeTCP:       newTCP,
	TypeSOCKS5:    newSOCKS5,
	TypeHTTP:      newHTTP,
	TypeUTP:       newUTP,
	TypeI2P:       newI2P,
	TypeSSLTCP:    secure(newTCP),
	TypeSSLSOCKS5: secure(newSOCKS5),
	TypeSSLHTTP:   secure(newHTTP),
	TypeSSLUTP:    secure(newUTP),
	TypeSSLI2P:    secure(newI2P),
}

// Socket holds one transport variant. The zero value is not usable; create
// sockets with New.
type Socket struct {
	ioc *ioctx.IOContext

	mu     sync.RWMutex
	typ    Type
	stream transport.Stream
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an uninitialized socket bound to ioc.
func New(ioc *ioctx.IOContext) *Socket {
	if ioc == nil {
		panic("socket: nil IOContext")
	}
	return &Socket{ioc: ioc}
}

// IOContext returns the context completion handlers run on.
func (s *Socket) IOContext() *ioctx.IOContext {
	return s.ioc
}

// Construct destroys the current variant and creates the one named by t.
// Secure types require sslCtx; constructing a secure type without one, or
// a type not compiled into this build, panics.
func (s *Socket) Construct(t Type, sslCtx *transport.SSLContext) {
	if t != TypeNone && !t.Supported() {
		panic(fmt.Sprintf("socket: type %d is not supported by this build", int(t)))
	}
	if t.Secure() && sslCtx == nil {
		panic("socket: " + t.String() + " requires an SSLContext")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.destructLocked()
	if t == TypeNone {
		return
	}
	s.install(t, constructors[t](sslCtx))
}

// Adopt destroys the current variant and installs st, typically a stream
// accepted by a listener, as variant t.
func (s *Socket) Adopt(t Type, st transport.Stream) {
	if !t.Supported() {
		panic(fmt.Sprintf("socket: type %d is not supported by this build", int(t)))
	}
	if _, ok := st.(SecureStream); ok != t.Secure() {
		panic(fmt.Sprintf("socket: stream %T does not match type %s", st, t))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.destructLocked()
	s.install(t, st)
}

func (s *Socket) install(t Type, st transport.Stream) {
	s.typ = t
	s.stream = st
	s.ctx, s.cancel = context.WithCancel(context.Background())
	logging.WithContextFields(logging.LogFields{"type": t.String()}).Debug("socket variant constructed")
}

// Destroy destroys the current variant. The socket is left uninitialized.
func (s *Socket) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destructLocked()
}

func (s *Socket) destructLocked() {
	if s.typ == TypeNone {
		return
	}
	// Cancel pending connects, then release the variant's resources.
	s.cancel()
	s.stream.Close()
	logging.WithContextFields(logging.LogFields{"type": s.typ.String()}).Debug("socket variant destroyed")
	s.typ = TypeNone
	s.stream = nil
	s.ctx, s.cancel = nil, nil
}

// Type returns the current variant tag.
func (s *Socket) Type() Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typ
}

// TypeName returns the display name of the current variant.
func (s *Socket) TypeName() string {
	return s.Type().String()
}

// active returns the live variant.
func (s *Socket) active() (transport.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.typ == TypeNone {
		return nil, ErrUninitialized
	}
	return s.stream, nil
}

func (s *Socket) lifetime() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// IsOpen reports whether the live variant is open. It is false for an
// uninitialized socket.
func (s *Socket) IsOpen() bool {
	st, err := s.active()
	if err != nil {
		return false
	}
	return st.IsOpen()
}

// Open opens the live variant for protocol p.
func (s *Socket) Open(p transport.Protocol) error {
	st, err := s.active()
	if err != nil {
		return err
	}
	return st.Open(p)
}

// Close closes the live variant. It does nothing on an uninitialized
// socket.
func (s *Socket) Close() error {
	st, err := s.active()
	if err != nil {
		return nil
	}
	return st.Close()
}

// Bind sets the local endpoint of the live variant.
func (s *Socket) Bind(ep transport.Endpoint) error {
	st, err := s.active()
	if err != nil {
		return err
	}
	return st.Bind(ep)
}

// Available returns the number of bytes readable without blocking.
func (s *Socket) Available() (int, error) {
	st, err := s.active()
	if err != nil {
		return 0, err
	}
	return st.Available()
}

// LocalEndpoint returns the local endpoint of the live variant.
func (s *Socket) LocalEndpoint() (transport.Endpoint, error) {
	st, err := s.active()
	if err != nil {
		return transport.Endpoint{}, err
	}
	return st.LocalEndpoint()
}

// RemoteEndpoint returns the remote endpoint of the live variant.
func (s *Socket) RemoteEndpoint() (transport.Endpoint, error) {
	st, err := s.active()
	if err != nil {
		return transport.Endpoint{}, err
	}
	return st.RemoteEndpoint()
}

// Connect connects the live variant to ep.
func (s *Socket) Connect(ctx context.Context, ep transport.Endpoint) error {
	st, err := s.active()
	if err != nil {
		return err
	}
	return st.Connect(ctx, ep)
}

// Read reads from the live variant.
func (s *Socket) Read(b []byte) (int, error) {
	st, err := s.active()
	if err != nil {
		return 0, err
	}
	return st.Read(b)
}

// Write writes to the live variant.
func (s *Socket) Write(b []byte) (int, error) {
	st, err := s.active()
	if err != nil {
		return 0, err
	}
	return st.Write(b)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func mustValue[T any](v T, err error) T {
	must(err)
	return v
}

// MustOpen is Open, panicking on failure.
func (s *Socket) MustOpen(p transport.Protocol) { must(s.Open(p)) }

// MustClose is Close, panicking on failure.
func (s *Socket) MustClose() { must(s.Close()) }

// MustBind is Bind, panicking on failure.
func (s *Socket) MustBind(ep transport.Endpoint) { must(s.Bind(ep)) }

// MustAvailable is Available, panicking on failure.
func (s *Socket) MustAvailable() int { return mustValue(s.Available()) }

// MustLocalEndpoint is LocalEndpoint, panicking on failure.
func (s *Socket) MustLocalEndpoint() transport.Endpoint { return mustValue(s.LocalEndpoint()) }

// MustRemoteEndpoint is RemoteEndpoint, panicking on failure.
func (s *Socket) MustRemoteEndpoint() transport.Endpoint { return mustValue(s.RemoteEndpoint()) }

// async runs op against the live variant on its own goroutine and queues
// the handler op returns. If the socket is uninitialized, fail is queued
// with ErrUninitialized instead.
func (s *Socket) async(op func(st transport.Stream) func(), fail func(error)) {
	st, err := s.active()
	if err != nil {
		s.ioc.Post(func() { fail(err) })
		return
	}
	s.ioc.Go(func() func() { return op(st) })
}

// asyncOutbound is async for operations that must leave the stream in
// issue order. Secure variants sequence them on their outbound queue.
func (s *Socket) asyncOutbound(op func(st transport.Stream) func(), fail func(error)) {
	st, err := s.active()
	if err != nil {
		s.ioc.Post(func() { fail(err) })
		return
	}
	sec, ok := st.(SecureStream)
	if !ok {
		s.ioc.Go(func() func() { return op(st) })
		return
	}
	complete := s.ioc.Start()
	sec.Outbound(func() { complete(op(st)) })
}

// AsyncConnect connects the live variant to ep. The connect is cancelled
// when the variant is destroyed.
func (s *Socket) AsyncConnect(ep transport.Endpoint, handler func(error)) {
	ctx := s.lifetime()
	s.async(func(st transport.Stream) func() {
		err := st.Connect(ctx, ep)
		return func() { handler(err) }
	}, handler)
}

// AsyncRead reads into b.
func (s *Socket) AsyncRead(b []byte, handler func(n int, err error)) {
	s.async(func(st transport.Stream) func() {
		n, err := st.Read(b)
		return func() { handler(n, err) }
	}, func(err error) { handler(0, err) })
}

// AsyncWrite writes b.
func (s *Socket) AsyncWrite(b []byte, handler func(n int, err error)) {
	s.asyncOutbound(func(st transport.Stream) func() {
		n, err := st.Write(b)
		return func() { handler(n, err) }
	}, func(err error) { handler(0, err) })
}

// AsyncHandshake runs the TLS handshake of a secure variant. Plain
// variants complete with ErrNotSecure.
func (s *Socket) AsyncHandshake(role transport.Role, handler func(error)) {
	ctx := s.lifetime()
	s.async(func(st transport.Stream) func() {
		sec, ok := st.(SecureStream)
		if !ok {
			return func() { handler(ErrNotSecure) }
		}
		err := sec.Handshake(ctx, role)
		return func() { handler(err) }
	}, handler)
}

// SetCloseReason sets the close reason of a reliable-UDP variant, plain or
// secure. It does nothing for other variants.
func (s *Socket) SetCloseReason(code uint16) {
	if cr := s.closeReasoner(); cr != nil {
		cr.SetCloseReason(code)
	}
}

// CloseReason returns the close reason the peer of a reliable-UDP variant
// sent, or 0.
func (s *Socket) CloseReason() uint16 {
	if cr := s.closeReasoner(); cr != nil {
		return cr.CloseReason()
	}
	return 0
}

func (s *Socket) closeReasoner() closeReasoner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st transport.Stream
	switch s.typ {
	case TypeUTP:
		st = s.stream
	case TypeSSLUTP:
		if sec, ok := s.stream.(SecureStream); ok {
			st = sec.Next()
		}
	}
	cr, _ := st.(closeReasoner)
	return cr
}

// As returns the live variant as T.
func As[T transport.Stream](s *Socket) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.stream.(T)
	return v, ok
}

// Lowest returns the innermost stream: the wrapped stream of a secure
// variant, otherwise the variant itself. It is nil for an uninitialized
// socket.
func Lowest(s *Socket) transport.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sec, ok := s.stream.(SecureStream); ok {
		return sec.Next()
	}
	return s.stream
}
