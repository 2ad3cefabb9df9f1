//go:build i2p

package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/eyedeekay/sam3"
)

// I2PEnabled reports whether I2P support is compiled in.
const I2PEnabled = true

// Connect creates a transient SAM stream session and dials the
// destination through it. ep is only recorded as the remote endpoint.
func (s *I2PStream) Connect(ctx context.Context, ep Endpoint) error {
	s.mu.Lock()
	bridge := s.bridge
	dest := s.destination
	s.mu.Unlock()
	if dest == "" {
		return fmt.Errorf("i2p connect: no destination")
	}
	if _, _, err := s.beginConnect(ep); err != nil {
		return err
	}

	id, err := sessionID()
	if err != nil {
		return err
	}

	sam, err := sam3.NewSAM(bridge)
	if err != nil {
		return fmt.Errorf("i2p sam bridge %s: %w", bridge, err)
	}
	keys, err := sam.NewKeys()
	if err != nil {
		sam.Close()
		return fmt.Errorf("i2p keys: %w", err)
	}
	session, err := sam.NewStreamSession(id, keys, sam3.Options_Small)
	if err != nil {
		sam.Close()
		return fmt.Errorf("i2p session create: %w", err)
	}
	if err := ctx.Err(); err != nil {
		session.Close()
		sam.Close()
		return err
	}

	conn, err := session.DialContext(ctx, "tcp", dest)
	if err != nil {
		session.Close()
		sam.Close()
		return fmt.Errorf("i2p stream connect: %w", err)
	}

	s.mu.Lock()
	s.session = samSession{session: session, sam: sam}
	s.mu.Unlock()
	return s.finishConnect(conn, ep)
}

// samSession closes a stream session together with its bridge connection.
type samSession struct {
	session *sam3.StreamSession
	sam     *sam3.SAM
}

func (s samSession) Close() error {
	err := s.session.Close()
	s.sam.Close()
	return err
}

func sessionID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("i2p session id: %w", err)
	}
	return "polysock-" + hex.EncodeToString(b[:]), nil
}
