package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// TunnelMode selects how an HTTPStream asks the proxy for a tunnel.
type TunnelMode int

const (
	// TunnelConnect uses the HTTP CONNECT method.
	TunnelConnect TunnelMode = iota
	// TunnelWebSocket upgrades to a WebSocket on the proxy's gateway path
	// and names the destination in the query string.
	TunnelWebSocket
)

func (m TunnelMode) String() string {
	switch m {
	case TunnelConnect:
		return "connect"
	case TunnelWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ParseTunnelMode parses the String form of a TunnelMode.
func ParseTunnelMode(s string) (TunnelMode, error) {
	switch s {
	case "connect", "":
		return TunnelConnect, nil
	case "websocket", "ws":
		return TunnelWebSocket, nil
	}
	return 0, fmt.Errorf("unknown tunnel mode %q", s)
}

// HTTPStream is a TCP stream tunneled through an HTTP proxy.
type HTTPStream struct {
	proxyStream
	mode TunnelMode
}

// NewHTTPStream creates an unopened HTTP proxy stream in CONNECT mode.
func NewHTTPStream() *HTTPStream {
	return &HTTPStream{}
}

// SetProxy sets the proxy address and optional Basic credentials.
func (s *HTTPStream) SetProxy(hostport, username, password string) {
	u := &url.URL{Scheme: "http", Host: hostport}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	s.setProxy(u)
}

// SetTunnelMode selects CONNECT or WebSocket tunneling.
func (s *HTTPStream) SetTunnelMode(m TunnelMode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// TunnelMode returns the tunnel mode.
func (s *HTTPStream) TunnelMode() TunnelMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Connect opens a tunnel to ep through the proxy.
func (s *HTTPStream) Connect(ctx context.Context, ep Endpoint) error {
	if s.TunnelMode() == TunnelWebSocket {
		return s.dialWebSocket(ctx, ep)
	}
	return s.dial(ctx, ep)
}

func (s *HTTPStream) dialWebSocket(ctx context.Context, ep Endpoint) error {
	u, addr, err := s.target(ep)
	if err != nil {
		return err
	}
	_, local, err := s.beginConnect(ep)
	if err != nil {
		return err
	}

	wsURL := url.URL{
		Scheme:   "ws",
		Host:     u.Host,
		Path:     GatewayPath,
		RawQuery: url.Values{"dst": {addr}}.Encode(),
	}
	header := make(http.Header)
	if u.User != nil {
		password, _ := u.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + password))
		header.Set("Proxy-Authorization", "Basic "+cred)
	}
	dialer := &websocket.Dialer{
		NetDialContext: netDialer(local).DialContext,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return &ProxyError{Proxy: u.Host, StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return fmt.Errorf("websocket tunnel to %s via %s: %w", addr, u.Host, err)
	}
	return s.finishConnect(newWebSocketConn(conn), ep)
}
