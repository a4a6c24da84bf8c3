package miio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverReturnsHandshakeInfo(t *testing.T) {
	dev := newMockDevice(t, okHandler(0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	found, err := Discover(ctx, dev.addr())
	require.NoError(t, err)
	assert.Equal(t, testInfo, found.HandshakeInfo)
	assert.Equal(t, dev.addr(), found.Addr.String())
	assert.Len(t, dev.handshakeSources(), 1)
}

func TestDiscoverWaitsForCaller(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Discover(ctx, silentSocket(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDiscoverSendFailure(t *testing.T) {
	closed := func() (net.PacketConn, error) {
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		_ = conn.Close()
		return conn, nil
	}
	_, err := discover(context.Background(), "127.0.0.1", closed)
	assert.Error(t, err)
}

func TestScanCollectsUntilDone(t *testing.T) {
	dev := newMockDevice(t, okHandler(0))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	found, err := Scan(ctx, dev.addr())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, uint16(0xdead), found[0].DeviceType)
	assert.Equal(t, dev.addr(), found[0].Addr.String())
}
