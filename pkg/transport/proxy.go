package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// proxyStream is the state shared by the proxy-tunneled variants.
type proxyStream struct {
	baseStream
	proxyURL *url.URL
	dstName  string
}

func (s *proxyStream) setProxy(u *url.URL) {
	s.mu.Lock()
	s.proxyURL = u
	s.mu.Unlock()
}

// Proxy returns the configured proxy URL, or nil.
func (s *proxyStream) Proxy() *url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxyURL == nil {
		return nil
	}
	u := *s.proxyURL
	return &u
}

// SetDestinationName makes the proxy resolve host instead of connecting
// to the endpoint's address. The endpoint's port is still used.
func (s *proxyStream) SetDestinationName(host string) {
	s.mu.Lock()
	s.dstName = host
	s.mu.Unlock()
}

func (s *proxyStream) target(ep Endpoint) (*url.URL, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxyURL == nil {
		return nil, "", ErrNoProxy
	}
	u := *s.proxyURL
	if s.dstName != "" {
		return &u, net.JoinHostPort(s.dstName, strconv.Itoa(int(ep.Port()))), nil
	}
	return &u, ep.String(), nil
}

// dial connects to ep through the proxy dialer registered for the proxy
// URL's scheme.
func (s *proxyStream) dial(ctx context.Context, ep Endpoint) error {
	u, addr, err := s.target(ep)
	if err != nil {
		return err
	}
	_, local, err := s.beginConnect(ep)
	if err != nil {
		return err
	}
	d, err := proxy.FromURL(u, netDialer(local))
	if err != nil {
		return fmt.Errorf("proxy %s: %w", u.Redacted(), err)
	}
	var conn net.Conn
	if cd, ok := d.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("%s connect %s via %s: %w", u.Scheme, addr, u.Host, err)
	}
	return s.finishConnect(conn, ep)
}

// httpConnectDialer implements the "http" proxy scheme for proxy.FromURL
// with an HTTP CONNECT tunnel.
type httpConnectDialer struct {
	host    string
	user    *url.Userinfo
	forward proxy.Dialer
}

func newHTTPConnectDialer(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("http proxy url %q has no host", u.Redacted())
	}
	if forward == nil {
		forward = proxy.Direct
	}
	return &httpConnectDialer{host: u.Host, user: u.User, forward: forward}, nil
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var conn net.Conn
	var err error
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", d.host)
	} else {
		conn, err = d.forward.Dial("tcp", d.host)
	}
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	conn, err = d.handshake(conn, addr)
	if !stop() {
		if conn != nil {
			conn.Close()
		}
		return nil, ctx.Err()
	}
	return conn, err
}

func (d *httpConnectDialer) handshake(conn net.Conn, addr string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.user != nil {
		password, _ := d.user.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(d.user.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, &ProxyError{Proxy: d.host, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	// The proxy may have sent tunneled bytes right behind the response.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func init() {
	proxy.RegisterDialerType("http", newHTTPConnectDialer)
}
