package socket

import (
	"context"
	"sync"
	"testing"

	"github.com/hydravpn/polysock/pkg/transport"
)

// recorder collects the operations fake streams perform, in order.
type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) add(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recorder) count(op string) int {
	n := 0
	for _, o := range r.list() {
		if o == op {
			n++
		}
	}
	return n
}

type fakeStream struct {
	name string
	rec  *recorder

	mu     sync.Mutex
	open   bool
	reason uint16
}

func (f *fakeStream) Open(transport.Protocol) error {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeStream) Close() error {
	f.rec.add(f.name + ".close")
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Bind(transport.Endpoint) error { return nil }
func (f *fakeStream) Available() (int, error) { return 7, nil }

func (f *fakeStream) LocalEndpoint() (transport.Endpoint, error) {
	return transport.Endpoint{}, nil
}

func (f *fakeStream) RemoteEndpoint() (transport.Endpoint, error) {
	return transport.Endpoint{}, nil
}

func (f *fakeStream) Connect(context.Context, transport.Endpoint) error {
	f.rec.add(f.name + ".connect")
	return nil
}

func (f *fakeStream) Read(b []byte) (int, error) { return 0, nil }

func (f *fakeStream) Write(b []byte) (int, error) {
	f.rec.add(f.name + ".write")
	return len(b), nil
}

// fakeUTP adds the close-reason accessors of the reliable-UDP variant.
type fakeUTP struct {
	fakeStream
}

func (f *fakeUTP) SetCloseReason(code uint16) {
	f.mu.Lock()
	f.reason = code
	f.mu.Unlock()
}

func (f *fakeUTP) CloseReason() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// fakeSecure wraps a fake stream with the secure operation set. Its
// outbound queue is drained by a single goroutine, like SSLStream's.
type fakeSecure struct {
	fakeStream
	next   transport.Stream
	sslCtx *transport.SSLContext

	hostname string
	queue    chan func()
}

func newFakeSecure(rec *recorder, next transport.Stream, sslCtx *transport.SSLContext) *fakeSecure {
	f := &fakeSecure{
		fakeStream: fakeStream{name: "ssl", rec: rec, open: true},
		next:       next,
		sslCtx:     sslCtx,
		queue:      make(chan func(), 16),
	}
	go func() {
		for op := range f.queue {
			op()
		}
	}()
	return f
}

func (f *fakeSecure) Next() transport.Stream { return f.next }
func (f *fakeSecure) Context() *transport.SSLContext { return f.sslCtx }
func (f *fakeSecure) Outbound(op func()) { f.queue <- op }
func (f *fakeSecure) Handshake(context.Context, transport.Role) error { return nil }

func (f *fakeSecure) SetHostname(name string) error {
	f.hostname = name
	return nil
}

func (f *fakeSecure) Shutdown() error {
	f.rec.add("ssl.shutdown")
	return nil
}

// useFakes replaces the constructor table for the duration of the test.
func useFakes(t *testing.T, rec *recorder) {
	saved := constructors
	t.Cleanup(func() { constructors = saved })

	plain := func(name string) constructor {
		return func(*transport.SSLContext) transport.Stream {
			rec.add(name + ".new")
			return &fakeStream{name: name, rec: rec}
		}
	}
	utp := func(*transport.SSLContext) transport.Stream {
		rec.add("utp.new")
		return &fakeUTP{fakeStream{name: "utp", rec: rec}}
	}
	wrap := func(inner constructor) constructor {
		return func(sslCtx *transport.SSLContext) transport.Stream {
			return newFakeSecure(rec, inner(nil), sslCtx)
		}
	}

	constructors[TypeTCP] = plain("tcp")
	constructors[TypeSOCKS5] = plain("socks5")
	constructors[TypeHTTP] = plain("http")
	constructors[TypeUTP] = utp
	constructors[TypeI2P] = plain("i2p")
	constructors[TypeSSLTCP] = wrap(plain("tcp"))
	constructors[TypeSSLSOCKS5] = wrap(plain("socks5"))
	constructors[TypeSSLHTTP] = wrap(plain("http"))
	constructors[TypeSSLUTP] = wrap(utp)
	constructors[TypeSSLI2P] = wrap(plain("i2p"))
}

// blockingStream connects only when its context is cancelled.
type blockingStream struct {
	fakeStream
	started chan struct{}
}

func (b *blockingStream) Connect(ctx context.Context, _ transport.Endpoint) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}
