package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestI2PStreamConfiguration(t *testing.T) {
	st := NewI2PStream()
	st.SetDestination("peer.b32.i2p")
	assert.Equal(t, "peer.b32.i2p", st.Destination())
	st.SetSAMBridge("127.0.0.1:1")
	assert.Equal(t, "127.0.0.1:1", st.bridge)
	if !I2PEnabled {
		assert.ErrorIs(t, st.Connect(testContext(t), Endpoint{}), ErrI2PDisabled)
	}
}

func TestI2PStreamLocalEndpoint(t *testing.T) {
	st := NewI2PStream()
	_, err := st.LocalEndpoint()
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, st.Open(V4))
	ep, err := st.LocalEndpoint()
	require.NoError(t, err)
	assert.True(t, ep.Addr().IsUnspecified())
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Close(), ErrNotOpen)
}
