package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/hydravpn/polysock/pkg/ioctx"
	"github.com/hydravpn/polysock/pkg/logging"
	"github.com/hydravpn/polysock/pkg/socket"
	"github.com/hydravpn/polysock/pkg/transport"
)

// ErrNotConnected is returned by Send and Receive before Connect succeeds.
var ErrNotConnected = errors.New("client not connected")

// Client drives one socket to a peer
type Client struct {
	config *Config
	ioc    *ioctx.IOContext
	sock   *socket.Socket
	sslCtx *transport.SSLContext

	connected bool
	connMu    sync.RWMutex
}

// Config holds client configuration
type Config struct {
	// Transports are tried in order until one connects.
	Transports []socket.Type
	Remote     transport.Endpoint
	// Bind is the local endpoint to connect from. The zero value lets the
	// system choose.
	Bind transport.Endpoint

	// ProxyURL names the proxy for the SOCKS5 and HTTP variants, e.g.
	// "socks5://127.0.0.1:1080" or "http://proxy:3128". Credentials in the
	// URL are used unless ProxyUser is set.
	ProxyURL      string
	ProxyUser     string
	ProxyPassword string
	// DestinationName is sent to the proxy instead of Remote's address.
	DestinationName string
	TunnelMode      transport.TunnelMode

	// I2PDestination and SAMBridge configure the I2P variants.
	I2PDestination string
	SAMBridge      string

	// Hostname is verified against the peer certificate of secure variants
	// and sent as SNI.
	Hostname  string
	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	// CloseReason is sent to reliable-UDP peers on disconnect.
	CloseReason uint16
}

// DefaultConfig returns default client configuration
func DefaultConfig() *Config {
	return &Config{
		Transports:     []socket.Type{socket.TypeTCP},
		SAMBridge:      transport.DefaultSAMBridge,
		ConnectTimeout: 10 * time.Second,
	}
}

// New creates a client whose completion handlers run on ioc
func New(cfg *Config, ioc *ioctx.IOContext) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Transports) == 0 {
		return nil, fmt.Errorf("no transports configured")
	}
	for _, t := range cfg.Transports {
		if !t.Supported() {
			return nil, fmt.Errorf("transport %d not supported by this build", int(t))
		}
	}
	if !cfg.Remote.IsValid() {
		return nil, fmt.Errorf("invalid remote endpoint %q", cfg.Remote)
	}
	if ioc == nil {
		ioc = ioctx.New()
	}

	return &Client{
		config: cfg,
		ioc:    ioc,
		sock:   socket.New(ioc),
		sslCtx: transport.NewSSLContext(cfg.TLSConfig),
	}, nil
}

// Connect tries each configured transport in order
func (c *Client) Connect(ctx context.Context) error {
	var errs []error
	for _, t := range c.config.Transports {
		log := logging.WithContextFields(logging.LogFields{
			"transport": t.String(),
			"remote":    c.config.Remote.String(),
		})
		log.Info("connecting")

		if err := c.connectVia(ctx, t); err != nil {
			log.WithError(err).Warning("connect failed")
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		c.connMu.Lock()
		c.connected = true
		c.connMu.Unlock()
		log.Info("connected")
		return nil
	}

	c.sock.Destroy()
	return fmt.Errorf("failed to connect to %s: %w", c.config.Remote, errors.Join(errs...))
}

func (c *Client) connectVia(ctx context.Context, t socket.Type) error {
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	c.sock.Construct(t, c.sslCtx)
	if err := c.configure(); err != nil {
		return err
	}
	if c.config.Hostname != "" {
		if err := socket.SetupSSLHostname(c.sock, c.config.Hostname); err != nil {
			return fmt.Errorf("failed to set hostname: %w", err)
		}
	}

	remote := c.config.Remote
	if err := c.sock.Open(transport.ProtocolOf(remote)); err != nil {
		return err
	}
	if c.config.Bind.IsValid() {
		if err := c.sock.Bind(c.config.Bind); err != nil {
			return fmt.Errorf("failed to bind %s: %w", c.config.Bind, err)
		}
	}
	c.sock.SetCloseReason(c.config.CloseReason)

	if err := c.sock.Connect(ctx, remote); err != nil {
		return err
	}
	if sec, ok := socket.As[socket.SecureStream](c.sock); ok {
		if err := sec.Handshake(ctx, transport.RoleClient); err != nil {
			return err
		}
	}
	return nil
}

// configure applies the variant-specific settings to the innermost stream.
func (c *Client) configure() error {
	switch st := socket.Lowest(c.sock).(type) {
	case *transport.SOCKS5Stream:
		host, user, password, err := c.proxyTarget()
		if err != nil {
			return err
		}
		var auth *proxy.Auth
		if user != "" {
			auth = &proxy.Auth{User: user, Password: password}
		}
		st.SetProxy(host, auth)
		st.SetDestinationName(c.config.DestinationName)
	case *transport.HTTPStream:
		host, user, password, err := c.proxyTarget()
		if err != nil {
			return err
		}
		st.SetProxy(host, user, password)
		st.SetTunnelMode(c.config.TunnelMode)
		st.SetDestinationName(c.config.DestinationName)
	case *transport.I2PStream:
		if c.config.SAMBridge != "" {
			st.SetSAMBridge(c.config.SAMBridge)
		}
		st.SetDestination(c.config.I2PDestination)
	}
	return nil
}

func (c *Client) proxyTarget() (host, user, password string, err error) {
	if c.config.ProxyURL == "" {
		return "", "", "", transport.ErrNoProxy
	}
	u, err := url.Parse(c.config.ProxyURL)
	if err != nil || u.Host == "" {
		// Accept a bare host:port.
		if _, _, splitErr := net.SplitHostPort(c.config.ProxyURL); splitErr != nil {
			return "", "", "", fmt.Errorf("invalid proxy %q", c.config.ProxyURL)
		}
		u = &url.URL{Host: c.config.ProxyURL}
	}
	user, password = c.config.ProxyUser, c.config.ProxyPassword
	if user == "" && u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}
	return u.Host, user, password, nil
}

// Send writes data to the peer
func (c *Client) Send(data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if _, err := c.sock.Write(data); err != nil {
		c.handleDisconnect(err)
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

// Receive starts an asynchronous read loop. handler runs on the IOContext
// for every chunk received and a last time with the error that ended the
// loop (io.EOF when the peer closed).
func (c *Client) Receive(handler func(data []byte, err error)) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	buf := make([]byte, 16*1024)
	var next func()
	next = func() {
		c.sock.AsyncRead(buf, func(n int, err error) {
			if n > 0 {
				handler(buf[:n], nil)
			}
			if err != nil {
				c.handleDisconnect(err)
				handler(nil, err)
				return
			}
			next()
		})
	}
	next()
	return nil
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	if !c.connected {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.connMu.Unlock()

	logging.WithContextFields(logging.LogFields{"remote": c.config.Remote.String()}).
		WithError(err).Info("disconnected from peer")
}

// Shutdown starts a graceful shutdown and returns without waiting. done,
// if not nil, runs on the IOContext with the error of the final close.
// Unlike Disconnect it may be called from a completion handler.
func (c *Client) Shutdown(holder *socket.Holder, done func(error)) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	log := logging.WithContextFields(logging.LogFields{"remote": c.config.Remote.String()})
	socket.AsyncShutdown(c.sock, holder, func(err error) {
		if errors.Is(err, socket.ErrUninitialized) {
			err = nil
		}
		if err != nil {
			log.WithError(err).Warning("close failed")
		} else {
			log.Info("disconnected")
		}
		if done != nil {
			done(err)
		}
	})
}

// Disconnect shuts the socket down gracefully and returns the close error.
// It runs the IOContext until the shutdown has completed. Called from a
// completion handler, it cannot wait for work queued behind that handler,
// so it starts the shutdown and returns nil; the close error is logged.
func (c *Client) Disconnect() error {
	if c.ioc.Dispatching() {
		c.Shutdown(nil, nil)
		return nil
	}

	var closeErr error
	released := make(chan struct{})
	holder := socket.NewHolder(func() { close(released) })
	c.Shutdown(holder, func(err error) { closeErr = err })
	holder.Release()

	c.ioc.Run()
	<-released
	return closeErr
}

// Socket returns the underlying socket
func (c *Client) Socket() *socket.Socket {
	return c.sock
}

// IOContext returns the context completion handlers run on
func (c *Client) IOContext() *ioctx.IOContext {
	return c.ioc
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}
