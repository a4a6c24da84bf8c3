package miio

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTokenHex = "6c6554657762735a4b597a4758654967"

func testToken(t *testing.T) Token {
	t.Helper()
	token, err := ParseToken(testTokenHex)
	require.NoError(t, err)
	return token
}

var testInfo = HandshakeInfo{DeviceType: 0xdead, DeviceID: 0xbeaf, Timestamp: 0xfafafafa}

// noReply makes the mock device swallow a request.
type noReply struct{}

type deviceHandler func(req recordedRequest) (any, *DeviceError)

type recordedRequest struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`

	From string    `json:"-"`
	At   time.Time `json:"-"`
}

type mockDevice struct {
	conn    net.PacketConn
	codec   Codec
	info    HandshakeInfo
	handler deviceHandler

	mu         sync.Mutex
	handshakes []string
	requests   []recordedRequest
}

func newMockDevice(t *testing.T, handler deviceHandler) *mockDevice {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	d := &mockDevice{
		conn:    conn,
		codec:   Codec{Token: testToken(t)},
		info:    testInfo,
		handler: handler,
	}
	t.Cleanup(func() { _ = conn.Close() })
	go d.serve()
	return d
}

func (d *mockDevice) addr() string {
	return d.conn.LocalAddr().String()
}

func (d *mockDevice) serve() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		data := append([]byte{}, buf[:n]...)
		if n == HeaderSize {
			d.mu.Lock()
			d.handshakes = append(d.handshakes, from.String())
			d.mu.Unlock()
			_, _ = d.conn.WriteTo(d.handshakeReply(), from)
			continue
		}

		pkt, err := d.codec.Unpack(data, false)
		if err != nil {
			continue
		}
		var req recordedRequest
		if err := json.Unmarshal(pkt.Payload, &req); err != nil {
			continue
		}
		req.From = from.String()
		req.At = time.Now()
		d.mu.Lock()
		d.requests = append(d.requests, req)
		d.mu.Unlock()

		result, devErr := d.handler(req)
		if _, drop := result.(noReply); drop {
			continue
		}
		reply := map[string]any{"id": req.ID}
		if devErr != nil {
			reply["error"] = devErr
		} else {
			reply["result"] = result
		}
		payload, _ := json.Marshal(reply)
		identity := Identity{DeviceType: d.info.DeviceType, DeviceID: d.info.DeviceID}
		frame, err := d.codec.Pack(payload, identity, ClockOffset{TimeStamp: d.info.Timestamp}, time.Now())
		if err != nil {
			continue
		}
		_, _ = d.conn.WriteTo(frame, from)
	}
}

func (d *mockDevice) handshakeReply() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], HeaderSize)
	binary.BigEndian.PutUint16(buf[8:10], d.info.DeviceType)
	binary.BigEndian.PutUint16(buf[10:12], d.info.DeviceID)
	binary.BigEndian.PutUint32(buf[12:16], d.info.Timestamp)
	return buf
}

func (d *mockDevice) recorded() []recordedRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedRequest{}, d.requests...)
}

func (d *mockDevice) handshakeSources() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.handshakes...)
}

func okHandler(result any) deviceHandler {
	return func(recordedRequest) (any, *DeviceError) {
		return result, nil
	}
}

func fastConfig(t *testing.T, addr string) SessionConfig {
	t.Helper()
	return SessionConfig{
		Address:          addr,
		DID:              "12",
		Token:            testToken(t),
		QueryDelay:       time.Millisecond,
		CallTimeout:      300 * time.Millisecond,
		HandshakeTimeout: 300 * time.Millisecond,
		RetryBackoff:     10 * time.Millisecond,
		ReconnectDelay:   10 * time.Millisecond,
	}
}

// silentSocket is a UDP endpoint that never answers.
func silentSocket(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.LocalAddr().String()
}
