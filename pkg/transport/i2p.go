package transport

import "io"

// DefaultSAMBridge is the usual address of an I2P router's SAM bridge.
const DefaultSAMBridge = "127.0.0.1:7656"

// I2PStream is a stream to an I2P destination through a router's SAM v3
// bridge. Without the i2p build tag every connect fails with
// ErrI2PDisabled.
type I2PStream struct {
	baseStream
	bridge      string
	destination string
	session     io.Closer
}

// NewI2PStream creates an unopened I2P stream using DefaultSAMBridge.
func NewI2PStream() *I2PStream {
	return &I2PStream{bridge: DefaultSAMBridge}
}

// SetSAMBridge sets the SAM bridge address.
func (s *I2PStream) SetSAMBridge(hostport string) {
	s.mu.Lock()
	s.bridge = hostport
	s.mu.Unlock()
}

// SetDestination sets the base64 I2P destination (or .i2p/.b32.i2p name)
// to connect to.
func (s *I2PStream) SetDestination(dest string) {
	s.mu.Lock()
	s.destination = dest
	s.mu.Unlock()
}

// Destination returns the destination set with SetDestination.
func (s *I2PStream) Destination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destination
}

// LocalEndpoint returns the bound endpoint. I2P connections have no IP
// address of their own.
func (s *I2PStream) LocalEndpoint() (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Endpoint{}, ErrNotOpen
	}
	if s.bound {
		return s.local, nil
	}
	return unspecified(s.proto), nil
}

// Close closes the data connection and the SAM session.
func (s *I2PStream) Close() error {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()

	err := s.baseStream.Close()
	if session != nil {
		session.Close()
	}
	return err
}
