package transport

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer starts a loopback TCP echo server.
func echoServer(t *testing.T) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

// closedPort returns a loopback endpoint nothing listens on.
func closedPort(t *testing.T) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	ep := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()
	return ep
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// roundTrip writes msg to st and reads the same number of bytes back.
func roundTrip(t *testing.T, st Stream, msg string) string {
	t.Helper()
	_, err := st.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(st, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestTCPStreamLifecycle(t *testing.T) {
	st := NewTCPStream()
	assert.False(t, st.IsOpen())
	_, err := st.Available()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, st.Close(), ErrNotOpen)
	assert.ErrorIs(t, st.Bind(netip.MustParseAddrPort("127.0.0.1:0")), ErrNotOpen)

	require.NoError(t, st.Open(V4))
	assert.True(t, st.IsOpen())
	assert.ErrorIs(t, st.Open(V4), ErrAlreadyOpen)
	assert.ErrorIs(t, st.Bind(netip.MustParseAddrPort("[::1]:0")), ErrAddressFamily)
	assert.ErrorIs(t, st.Open(Protocol(9)), ErrAddressFamily)

	ep, err := st.LocalEndpoint()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("0.0.0.0:0"), ep)

	require.NoError(t, st.Close())
	assert.False(t, st.IsOpen())
	assert.ErrorIs(t, st.Close(), ErrNotOpen)
}

func TestTCPStreamConnect(t *testing.T) {
	server := echoServer(t)

	st := NewTCPStream()
	require.NoError(t, st.Open(V4))
	require.NoError(t, st.Bind(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()

	remote, err := st.RemoteEndpoint()
	require.NoError(t, err)
	assert.Equal(t, server, remote)
	local, err := st.LocalEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", local.Addr().String())
	assert.NotZero(t, local.Port())

	assert.Equal(t, "ping", roundTrip(t, st, "ping"))
	assert.ErrorIs(t, st.Connect(testContext(t), server), ErrAlreadyConnected)
	assert.ErrorIs(t, st.Bind(netip.MustParseAddrPort("127.0.0.1:0")), ErrAlreadyConnected)
}

func TestTCPStreamConnectOpensImplicitly(t *testing.T) {
	server := echoServer(t)
	st := NewTCPStream()
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()
	assert.True(t, st.IsOpen())
}

func TestTCPStreamFamilyMismatch(t *testing.T) {
	st := NewTCPStream()
	require.NoError(t, st.Open(V6))
	err := st.Connect(testContext(t), netip.MustParseAddrPort("127.0.0.1:80"))
	assert.ErrorIs(t, err, ErrAddressFamily)
}

func TestTCPStreamConnectRefused(t *testing.T) {
	st := NewTCPStream()
	err := st.Connect(testContext(t), closedPort(t))
	require.Error(t, err)
	assert.True(t, st.IsOpen())
	_, err = st.RemoteEndpoint()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTCPStreamAvailable(t *testing.T) {
	server := echoServer(t)
	st := NewTCPStream()
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()

	_, err := st.Write([]byte("hello"))
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = io.ReadFull(st, b)
	require.NoError(t, err)
	assert.Equal(t, "h", string(b))

	n, err := st.Available()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rest := make([]byte, 4)
	_, err = io.ReadFull(st, rest)
	require.NoError(t, err)
	n, err = st.Available()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTCPStreamAvailableCountsUnread(t *testing.T) {
	server := echoServer(t)
	st := NewTCPStream()
	require.NoError(t, st.Connect(testContext(t), server))
	defer st.Close()

	_, err := st.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		n, err := st.Available()
		return err == nil && n == 5
	}, 5*time.Second, 10*time.Millisecond)

	b := make([]byte, 5)
	_, err = io.ReadFull(st, b)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	n, err := st.Available()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTCPStreamFromConn(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	client, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	st, err := NewTCPStreamFromConn(<-accepted)
	require.NoError(t, err)
	defer st.Close()
	assert.True(t, st.IsOpen())
	remote, err := st.RemoteEndpoint()
	require.NoError(t, err)
	assert.Equal(t, client.LocalAddr().String(), remote.String())
}
