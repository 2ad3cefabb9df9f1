package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"sync"
	"testing"

	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

// socksServer is a minimal SOCKS5 server supporting CONNECT with no
// authentication or username/password authentication.
type socksServer struct {
	ln       net.Listener
	user     string
	password string

	mu      sync.Mutex
	targets []string
}

func newSOCKSServer(t *testing.T, user, password string) *socksServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	s := &socksServer{ln: ln, user: user, password: password}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *socksServer) addr() string {
	return s.ln.Addr().String()
}

func (s *socksServer) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

func (s *socksServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *socksServer) handle(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil || hdr[0] != 5 {
		return
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return
	}
	if s.user == "" {
		conn.Write([]byte{5, 0})
	} else {
		conn.Write([]byte{5, 2})
		if !s.authenticate(conn) {
			return
		}
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil || req[1] != 1 {
		return
	}
	var host string
	switch req[3] {
	case 1:
		ip := make([]byte, 4)
		io.ReadFull(conn, ip)
		host = net.IP(ip).String()
	case 4:
		ip := make([]byte, 16)
		io.ReadFull(conn, ip)
		host = net.IP(ip).String()
	case 3:
		n := make([]byte, 1)
		io.ReadFull(conn, n)
		name := make([]byte, n[0])
		io.ReadFull(conn, name)
		host = string(name)
	default:
		return
	}
	portb := make([]byte, 2)
	if _, err := io.ReadFull(conn, portb); err != nil {
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portb))))
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()

	// Names resolve to loopback.
	if req[3] == 3 {
		target = net.JoinHostPort("127.0.0.1", strconv.Itoa(int(binary.BigEndian.Uint16(portb))))
	}
	upstream, err := net.Dial("tcp4", target)
	if err != nil {
		conn.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()
	conn.Write([]byte{5, 0, 0, 1, 127, 0, 0, 1, 0, 0})
	go io.Copy(upstream, conn)
	io.Copy(conn, upstream)
}

func (s *socksServer) authenticate(conn net.Conn) bool {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return false
	}
	user := make([]byte, hdr[1])
	io.ReadFull(conn, user)
	n := make([]byte, 1)
	io.ReadFull(conn, n)
	password := make([]byte, n[0])
	io.ReadFull(conn, password)
	if string(user) != s.user || string(password) != s.password {
		conn.Write([]byte{1, 1})
		return false
	}
	conn.Write([]byte{1, 0})
	return true
}

func TestSOCKS5StreamNoProxy(t *testing.T) {
	st := NewSOCKS5Stream()
	assert.Nil(t, st.Proxy())
	err := st.Connect(testContext(t), netip.MustParseAddrPort("127.0.0.1:1"))
	assert.ErrorIs(t, err, ErrNoProxy)
}

func TestSOCKS5StreamConnect(t *testing.T) {
	server := echoServer(t)
	socks := newSOCKSServer(t, "", "")

	st := NewSOCKS5Stream()
	st.SetProxy(socks.addr(), nil)
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()

	assert.Equal(t, "through socks", roundTrip(t, st, "through socks"))
	remote, err := st.RemoteEndpoint()
	require.NoError(t, err)
	assert.Equal(t, server, remote)
	assert.Equal(t, []string{server.String()}, socks.requested())
}

func TestSOCKS5StreamAuthAndName(t *testing.T) {
	server := echoServer(t)
	socks := newSOCKSServer(t, "alice", "secret")

	st := NewSOCKS5Stream()
	st.SetProxy(socks.addr(), &proxy.Auth{User: "alice", Password: "secret"})
	st.SetDestinationName("peer.internal")
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()

	assert.Equal(t, "named", roundTrip(t, st, "named"))
	want := net.JoinHostPort("peer.internal", strconv.Itoa(int(server.Port())))
	assert.Equal(t, []string{want}, socks.requested())
	assert.Equal(t, "alice", st.Proxy().User.Username())
}

func TestSOCKS5StreamBadCredentials(t *testing.T) {
	server := echoServer(t)
	socks := newSOCKSServer(t, "alice", "secret")

	st := NewSOCKS5Stream()
	st.SetProxy(socks.addr(), &proxy.Auth{User: "alice", Password: "wrong"})
	assert.Error(t, st.Connect(testContext(t), server))
	assert.Empty(t, socks.requested())
}

// connectProxy runs goproxy behind a Basic credential check.
func connectProxy(t *testing.T, credential string) *httptest.Server {
	t.Helper()
	gp := goproxy.NewProxyHttpServer()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if credential != "" && r.Header.Get("Proxy-Authorization") != "Basic "+credential {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		gp.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStreamConnect(t *testing.T) {
	server := echoServer(t)
	srv := connectProxy(t, "")

	st := NewHTTPStream()
	assert.Equal(t, TunnelConnect, st.TunnelMode())
	st.SetProxy(srv.Listener.Addr().String(), "", "")
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()

	assert.Equal(t, "through connect", roundTrip(t, st, "through connect"))
}

func TestHTTPStreamConnectAuth(t *testing.T) {
	server := echoServer(t)
	// base64("bob:pw")
	srv := connectProxy(t, "Ym9iOnB3")

	st := NewHTTPStream()
	st.SetProxy(srv.Listener.Addr().String(), "bob", "pw")
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()
	assert.Equal(t, "auth", roundTrip(t, st, "auth"))

	rejected := NewHTTPStream()
	rejected.SetProxy(srv.Listener.Addr().String(), "bob", "nope")
	err := rejected.Connect(testContext(t), server)
	var perr *ProxyError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, http.StatusProxyAuthRequired, perr.StatusCode)
	_, err = rejected.RemoteEndpoint()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHTTPStreamWebSocket(t *testing.T) {
	server := echoServer(t)
	var (
		mu     sync.Mutex
		failed []string
	)
	gateway := httptest.NewServer(NewGatewayHandler(nil, func(dst string, err error) {
		mu.Lock()
		failed = append(failed, dst)
		mu.Unlock()
	}))
	defer gateway.Close()

	st := NewHTTPStream()
	st.SetProxy(gateway.Listener.Addr().String(), "", "")
	st.SetTunnelMode(TunnelWebSocket)
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()
	assert.Equal(t, "over websocket", roundTrip(t, st, "over websocket"))
	assert.Equal(t, "second message", roundTrip(t, st, "second message"))

	dead := closedPort(t)
	refused := NewHTTPStream()
	refused.SetProxy(gateway.Listener.Addr().String(), "", "")
	refused.SetTunnelMode(TunnelWebSocket)
	err := refused.Connect(testContext(t), dead)
	var perr *ProxyError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, perr.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{dead.String()}, failed)
}

func TestParseTunnelMode(t *testing.T) {
	for in, want := range map[string]TunnelMode{
		"":          TunnelConnect,
		"connect":   TunnelConnect,
		"websocket": TunnelWebSocket,
		"ws":        TunnelWebSocket,
	} {
		got, err := ParseTunnelMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" && in != "ws" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParseTunnelMode("carrier")
	assert.Error(t, err)
}
