//go:build i2p

package transport

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestI2PStreamConnectWithoutDestination(t *testing.T) {
	st := NewI2PStream()
	err := st.Connect(testContext(t), netip.MustParseAddrPort("127.0.0.1:1"))
	assert.Error(t, err)
	assert.False(t, st.IsOpen())
}

func TestI2PStreamConnectBridgeUnreachable(t *testing.T) {
	st := NewI2PStream()
	st.SetSAMBridge(closedPort(t).String())
	st.SetDestination("peer.b32.i2p")

	err := st.Connect(testContext(t), netip.MustParseAddrPort("127.0.0.1:1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sam bridge")
	_, err = st.RemoteEndpoint()
	assert.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, st.Close())
}
