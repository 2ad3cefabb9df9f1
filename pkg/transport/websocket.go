package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GatewayPath is the request path served by the WebSocket tunnel gateway.
const GatewayPath = "/tunnel"

// webSocketConn adapts a WebSocket connection to a byte stream. Each Write
// is sent as one binary message; reads drain messages in order.
type webSocketConn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func newWebSocketConn(conn *websocket.Conn) *webSocketConn {
	return &webSocketConn{conn: conn}
}

func (c *webSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *webSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *webSocketConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *webSocketConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *webSocketConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *webSocketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *webSocketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// GatewayDialFunc opens the gateway's side of a tunnel.
type GatewayDialFunc func(ctx context.Context, addr string) (net.Conn, error)

// NewGatewayHandler returns the handler serving TunnelWebSocket streams on
// GatewayPath. onError, if not nil, receives relay failures.
func NewGatewayHandler(dial GatewayDialFunc, onError func(dst string, err error)) http.Handler {
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(GatewayPath, func(w http.ResponseWriter, r *http.Request) {
		dst := r.URL.Query().Get("dst")
		if dst == "" {
			http.Error(w, "missing dst", http.StatusBadRequest)
			return
		}
		target, err := dial(r.Context(), dst)
		if err != nil {
			if onError != nil {
				onError(dst, err)
			}
			http.Error(w, "dial failed", http.StatusBadGateway)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			target.Close()
			if onError != nil {
				onError(dst, err)
			}
			return
		}
		if err := relay(newWebSocketConn(conn), target); err != nil && onError != nil {
			onError(dst, err)
		}
	})
	return mux
}

// relay copies between a and b until either side fails, then closes both.
func relay(a, b io.ReadWriteCloser) error {
	errc := make(chan error, 2)
	cp := func(dst io.WriteCloser, src io.Reader) {
		_, err := io.Copy(dst, src)
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			dst.Close()
		}
		errc <- err
	}
	go cp(a, b)
	go cp(b, a)

	err := <-errc
	err2 := <-errc
	a.Close()
	b.Close()
	if err == nil {
		err = err2
	}
	return err
}
