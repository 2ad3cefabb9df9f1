package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydravpn/polysock/pkg/ioctx"
	"github.com/hydravpn/polysock/pkg/logging"
	"github.com/hydravpn/polysock/pkg/socket"
	"github.com/hydravpn/polysock/pkg/transport"
)

// Kind selects what a server listens for.
type Kind int

const (
	// ListenTCP accepts plain TCP peers.
	ListenTCP Kind = iota
	// ListenSSL accepts TCP peers and runs the server side of a TLS
	// handshake.
	ListenSSL
	// ListenUTP accepts reliable-UDP peers.
	ListenUTP
	// ListenGateway serves the WebSocket tunnel gateway used by HTTP
	// streams in WebSocket mode.
	ListenGateway
)

func (k Kind) String() string {
	switch k {
	case ListenTCP:
		return "tcp"
	case ListenSSL:
		return "ssl"
	case ListenUTP:
		return "utp"
	case ListenGateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	for k := ListenTCP; k <= ListenGateway; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown listener kind %q", s)
}

// Handler serves one accepted peer. The socket is shut down gracefully
// when the handler returns.
type Handler func(ctx context.Context, sock *socket.Socket) error

// Server accepts peers and hands each to a Handler
type Server struct {
	config *Config
	sslCtx *transport.SSLContext

	tcpListener net.Listener
	utpListener *transport.UTPListener
	httpServer  *http.Server
	addr        net.Addr

	sessions   map[uint64]*Session
	sessionsMu sync.RWMutex
	nextID     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	ListenAddr string
	Kind       Kind
	// TLSConfig carries the certificate for ListenSSL and ListenUTP. When
	// nil a self-signed certificate for localhost is generated.
	TLSConfig        *tls.Config
	Handler          Handler
	HandshakeTimeout time.Duration
}

// Session represents a connected peer
type Session struct {
	ID      uint64
	Socket  *socket.Socket
	Remote  transport.Endpoint
	Started time.Time
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:6881",
		Kind:             ListenTCP,
		Handler:          EchoHandler,
		HandshakeTimeout: 10 * time.Second,
	}
}

// New creates a new server
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Handler == nil {
		cfg.Handler = EchoHandler
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil && (cfg.Kind == ListenSSL || cfg.Kind == ListenUTP) {
		cert, err := transport.SelfSignedCertificate("localhost", "127.0.0.1", "::1")
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   cfg,
		sslCtx:   transport.NewSSLContext(tlsConfig),
		sessions: make(map[uint64]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SSLContext returns the context used for ListenSSL handshakes.
func (s *Server) SSLContext() *transport.SSLContext {
	return s.sslCtx
}

// Start starts listening
func (s *Server) Start() error {
	log := logging.WithContextFields(logging.LogFields{
		"kind":   s.config.Kind.String(),
		"listen": s.config.ListenAddr,
	})

	switch s.config.Kind {
	case ListenTCP, ListenSSL:
		ln, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to start listener: %w", err)
		}
		s.tcpListener = ln
		s.addr = ln.Addr()
		s.wg.Add(1)
		go s.acceptLoop()

	case ListenUTP:
		ln, err := transport.ListenUTP(s.config.ListenAddr, s.sslCtx.Config())
		if err != nil {
			return fmt.Errorf("failed to start listener: %w", err)
		}
		s.utpListener = ln
		s.addr = ln.Addr()
		s.wg.Add(1)
		go s.acceptUTPLoop()

	case ListenGateway:
		ln, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to start listener: %w", err)
		}
		s.addr = ln.Addr()
		s.httpServer = &http.Server{
			Handler: transport.NewGatewayHandler(nil, func(dst string, err error) {
				logging.WithContextFields(logging.LogFields{"dst": dst}).WithError(err).Warning("tunnel failed")
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("gateway stopped")
			}
		}()

	default:
		return fmt.Errorf("unknown listener kind %d", int(s.config.Kind))
	}

	log.WithField("addr", s.addr.String()).Info("server listening")
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logging.WithContext().WithError(err).Warning("accept failed")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection adopts a TCP connection into a socket
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	st, err := transport.NewTCPStreamFromConn(conn)
	if err != nil {
		conn.Close()
		logging.WithContext().WithError(err).Warning("adopt failed")
		return
	}

	sock := socket.New(ioctx.New())
	if s.config.Kind != ListenSSL {
		sock.Adopt(socket.TypeTCP, st)
		s.serve(sock)
		return
	}

	sock.Adopt(socket.TypeSSLTCP, transport.NewSSLStream(st, s.sslCtx))
	if s.config.HandshakeTimeout > 0 {
		st.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}
	// Stop abandons handshakes still in progress.
	stop := context.AfterFunc(s.ctx, sock.Destroy)
	var hsErr error
	sock.AsyncHandshake(transport.RoleServer, func(err error) { hsErr = err })
	sock.IOContext().Run()
	if !stop() && hsErr == nil {
		hsErr = s.ctx.Err()
	}
	st.SetDeadline(time.Time{})
	if hsErr != nil {
		logging.WithContextFields(logging.LogFields{"peer": conn.RemoteAddr().String()}).
			WithError(hsErr).Warning("handshake failed")
		sock.Destroy()
		return
	}
	s.serve(sock)
}

// acceptUTPLoop accepts reliable-UDP connections
func (s *Server) acceptUTPLoop() {
	defer s.wg.Done()

	for {
		qconn, err := s.utpListener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logging.WithContext().WithError(err).Warning("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			st, err := transport.AcceptUTPStream(s.ctx, qconn)
			if err != nil {
				logging.WithContextFields(logging.LogFields{"peer": qconn.RemoteAddr().String()}).
					WithError(err).Warning("accept stream failed")
				return
			}
			sock := socket.New(ioctx.New())
			sock.Adopt(socket.TypeUTP, st)
			s.serve(sock)
		}()
	}
}

// serve runs the handler for an adopted socket, then shuts it down.
func (s *Server) serve(sock *socket.Socket) {
	remote, _ := sock.RemoteEndpoint()
	session := &Session{
		ID:      s.nextID.Add(1),
		Socket:  sock,
		Remote:  remote,
		Started: time.Now(),
	}
	log := logging.WithContextFields(logging.LogFields{
		"session": session.ID,
		"peer":    remote.String(),
		"type":    sock.TypeName(),
	})

	s.sessionsMu.Lock()
	s.sessions[session.ID] = session
	s.sessionsMu.Unlock()
	log.Info("session established")

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, session.ID)
		s.sessionsMu.Unlock()
		log.Info("session closed")
	}()

	if err := s.config.Handler(s.ctx, sock); err != nil && s.ctx.Err() == nil {
		log.WithError(err).Warning("handler failed")
	}

	socket.AsyncShutdown(sock, nil, func(err error) {
		if err != nil {
			log.WithError(err).Debug("close failed")
		}
	})
	sock.IOContext().Run()
}

// Sessions returns the connected peers
func (s *Server) Sessions() []*Session {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// Stop stops the server and closes every session
func (s *Server) Stop() error {
	logging.WithContext().Info("stopping server")
	s.cancel()

	var err error
	if s.tcpListener != nil {
		err = s.tcpListener.Close()
	}
	if s.utpListener != nil {
		err = s.utpListener.Close()
	}
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}

	for _, session := range s.Sessions() {
		session.Socket.Close()
	}

	s.wg.Wait()
	logging.WithContext().Info("server stopped")
	return err
}

// EchoHandler writes back everything the peer sends until it closes.
func EchoHandler(ctx context.Context, sock *socket.Socket) error {
	buf := make([]byte, 16*1024)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			if _, werr := sock.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
