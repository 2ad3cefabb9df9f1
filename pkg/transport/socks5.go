package transport

import (
	"context"
	"net/url"

	"golang.org/x/net/proxy"
)

// SOCKS5Stream is a TCP stream tunneled through a SOCKS5 proxy.
type SOCKS5Stream struct {
	proxyStream
}

// NewSOCKS5Stream creates an unopened SOCKS5 stream. SetProxy must be
// called before Connect.
func NewSOCKS5Stream() *SOCKS5Stream {
	return &SOCKS5Stream{}
}

// SetProxy sets the proxy address and optional credentials.
func (s *SOCKS5Stream) SetProxy(hostport string, auth *proxy.Auth) {
	u := &url.URL{Scheme: "socks5", Host: hostport}
	if auth != nil {
		u.User = url.UserPassword(auth.User, auth.Password)
	}
	s.setProxy(u)
}

// Connect asks the proxy to connect to ep, or to the destination name
// if one was set.
func (s *SOCKS5Stream) Connect(ctx context.Context, ep Endpoint) error {
	return s.dial(ctx, ep)
}
