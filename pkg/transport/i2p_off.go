//go:build !i2p

package transport

import "context"

// I2PEnabled reports whether I2P support is compiled in.
const I2PEnabled = false

// Connect fails: I2P support is not compiled in.
func (s *I2PStream) Connect(ctx context.Context, ep Endpoint) error {
	return ErrI2PDisabled
}
