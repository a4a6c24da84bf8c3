package miio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	s, err := NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession(SessionConfig{Token: testToken(t)})
	assert.Error(t, err)
	_, err = NewSession(SessionConfig{Address: "127.0.0.1"})
	assert.Error(t, err)

	s, err := NewSession(SessionConfig{Address: "127.0.0.1", Token: testToken(t)})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:54321", s.Address())
	assert.Equal(t, StateUnbound, s.State())
	assert.Equal(t, 1, s.QueryNumber())
}

func TestSessionHandshakeCapturesIdentity(t *testing.T) {
	dev := newMockDevice(t, okHandler("ok"))
	s := newTestSession(t, fastConfig(t, dev.addr()))

	info, err := s.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testInfo, info)

	identity := s.Identity()
	assert.Equal(t, uint16(0xdead), identity.DeviceType)
	assert.Equal(t, uint16(0xbeaf), identity.DeviceID)
	assert.Equal(t, "12", identity.DID)
	assert.Equal(t, uint32(0xfafafafa), s.Clock().TimeStamp)
	assert.Equal(t, StateReady, s.State())
	assert.Empty(t, dev.recorded())
}

func TestSessionHandshakeTimeout(t *testing.T) {
	s := newTestSession(t, fastConfig(t, silentSocket(t)))

	_, err := s.Handshake(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.ErrorIs(t, err, ErrTransportTimeout)
	assert.Equal(t, StateFaulted, s.State())
}

func TestSessionCall(t *testing.T) {
	dev := newMockDevice(t, okHandler([]string{"ok"}))
	s := newTestSession(t, fastConfig(t, dev.addr()))

	resp, err := s.Call(context.Background(), "set_power", []string{"on"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ID)
	assert.JSONEq(t, `["ok"]`, string(resp.Result))
	assert.Nil(t, resp.Error)

	reqs := dev.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "set_power", reqs[0].Method)
	assert.JSONEq(t, `["on"]`, string(reqs[0].Params))
	assert.Equal(t, 2, s.QueryNumber())
	assert.Len(t, dev.handshakeSources(), 1)
}

func TestSessionQueryNumberWrapsAt16535(t *testing.T) {
	dev := newMockDevice(t, okHandler(0))
	cfg := fastConfig(t, dev.addr())
	cfg.InitialQueryNumber = 16530
	s := newTestSession(t, cfg)

	for i := 0; i < 10; i++ {
		_, err := s.Call(context.Background(), "ping", []any{})
		require.NoError(t, err)
	}
	assert.Equal(t, (16530+10)%16535, s.QueryNumber())

	var ids []int
	for _, req := range dev.recorded() {
		ids = append(ids, req.ID)
	}
	assert.Equal(t, []int{16530, 16531, 16532, 16533, 16534, 0, 1, 2, 3, 4}, ids)
}

func TestSessionThrottlesRequests(t *testing.T) {
	dev := newMockDevice(t, okHandler(0))
	cfg := fastConfig(t, dev.addr())
	cfg.QueryDelay = 150 * time.Millisecond
	s := newTestSession(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := s.Call(context.Background(), "ping", []any{})
		require.NoError(t, err)
	}
	reqs := dev.recorded()
	require.Len(t, reqs, 2)
	assert.GreaterOrEqual(t, reqs[1].At.Sub(reqs[0].At), 140*time.Millisecond)
}

func TestSessionAckTimeoutReconnectsOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	dev := newMockDevice(t, func(recordedRequest) (any, *DeviceError) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, &DeviceError{Code: AckTimeoutCode, Message: "user ack timeout"}
		}
		return []map[string]any{{"did": "12", "siid": 2, "piid": 1, "code": 0, "value": true}}, nil
	})

	events := &eventLog{}
	cfg := fastConfig(t, dev.addr())
	cfg.Observer = events.observe
	s := newTestSession(t, cfg)

	resp, err := s.GetProperties(context.Background(), []Property{{SIID: 2, IID: 1}})
	require.NoError(t, err)

	results, err := DecodeProperties(resp)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.JSONEq(t, `true`, string(results[0].Value))

	assert.Equal(t, 1, events.count(EventAckTimeout))
	assert.Equal(t, 1, events.count(EventReconnected))

	reqs := dev.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, 1, reqs[0].ID)
	assert.Equal(t, 3, reqs[1].ID)
	assert.NotEqual(t, reqs[0].From, reqs[1].From, "retry must use a fresh socket")
	assert.Equal(t, StateReady, s.State())
}

func TestSessionAckTimeoutRetryCap(t *testing.T) {
	dev := newMockDevice(t, func(recordedRequest) (any, *DeviceError) {
		return nil, &DeviceError{Code: AckTimeoutCode, Message: "user ack timeout"}
	})
	cfg := fastConfig(t, dev.addr())
	cfg.MaxAckRetries = 2
	s := newTestSession(t, cfg)

	_, err := s.Call(context.Background(), "get_prop", []string{"power"})
	require.Error(t, err)
	assert.True(t, IsAckTimeout(err))
	assert.Len(t, dev.recorded(), 3)
}

func TestSessionDeviceErrorIsNotRetried(t *testing.T) {
	dev := newMockDevice(t, func(recordedRequest) (any, *DeviceError) {
		return nil, &DeviceError{Code: -5001, Message: "invalid arg"}
	})
	s := newTestSession(t, fastConfig(t, dev.addr()))

	resp, err := s.Call(context.Background(), "set_properties", []any{})
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, -5001, devErr.Code)
	assert.Equal(t, -5001, resp.Error.Code)
	assert.False(t, IsAckTimeout(err))
	assert.Len(t, dev.recorded(), 1)
}

func TestSessionCallTimeoutFaultsAndRecovers(t *testing.T) {
	var mu sync.Mutex
	drop := true
	dev := newMockDevice(t, func(recordedRequest) (any, *DeviceError) {
		mu.Lock()
		defer mu.Unlock()
		if drop {
			drop = false
			return noReply{}, nil
		}
		return "ok", nil
	})
	events := &eventLog{}
	cfg := fastConfig(t, dev.addr())
	cfg.Observer = events.observe
	s := newTestSession(t, cfg)

	_, err := s.Call(context.Background(), "ping", []any{})
	assert.ErrorIs(t, err, ErrTransportTimeout)
	assert.Equal(t, StateFaulted, s.State())

	resp, err := s.Call(context.Background(), "ping", []any{})
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(resp.Result))
	assert.Equal(t, 1, events.count(EventReconnected))
}

func TestSessionCallHonoursContext(t *testing.T) {
	dev := newMockDevice(t, func(recordedRequest) (any, *DeviceError) {
		return noReply{}, nil
	})
	cfg := fastConfig(t, dev.addr())
	cfg.CallTimeout = 5 * time.Second
	s := newTestSession(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Call(ctx, "ping", []any{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSessionPropertyParams(t *testing.T) {
	dev := newMockDevice(t, okHandler([]any{}))
	s := newTestSession(t, fastConfig(t, dev.addr()))

	_, err := s.GetProperties(context.Background(), []Property{{SIID: 2, IID: 1}, {SIID: 3, IID: 4}})
	require.NoError(t, err)
	_, err = s.WriteProperties(context.Background(), []Property{{SIID: 2, IID: 1, Value: false}, {SIID: 2, IID: 2, Value: 40}})
	require.NoError(t, err)

	reqs := dev.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "get_properties", reqs[0].Method)
	assert.JSONEq(t, `[{"did":"12","siid":2,"piid":1},{"did":"12","siid":3,"piid":4}]`, string(reqs[0].Params))
	assert.Equal(t, "set_properties", reqs[1].Method)
	assert.JSONEq(t, `[{"did":"12","siid":2,"piid":1,"value":false},{"did":"12","siid":2,"piid":2,"value":40}]`, string(reqs[1].Params))
}

func TestSessionClose(t *testing.T) {
	dev := newMockDevice(t, okHandler(0))
	events := &eventLog{}
	cfg := fastConfig(t, dev.addr())
	cfg.Observer = events.observe
	s := newTestSession(t, cfg)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	_, err := s.Call(context.Background(), "ping", []any{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, events.count(EventHandshake))
}
