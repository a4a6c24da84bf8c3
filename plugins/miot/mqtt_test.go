package miot

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/gomiot/plugins/miot/micloud"
	"github.com/joshp123/gomiot/plugins/miot/miio"
)

type recordingPublisher struct {
	mu     sync.Mutex
	logins []micloud.LoginState
	kinds  []miio.EventKind
	closed bool
}

func (p *recordingPublisher) PublishDevice(ev miio.Event, _ Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, ev.Kind)
}

func (p *recordingPublisher) PublishLogin(ev micloud.LoginEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logins = append(p.logins, ev.State)
}

func (p *recordingPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *recordingPublisher) snapshot() ([]micloud.LoginState, []miio.EventKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]micloud.LoginState(nil), p.logins...), append([]miio.EventKind(nil), p.kinds...)
}

func (p *recordingPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// testBridge is a bridge whose publishes are captured instead of sent.
func testBridge(client *Client) (*mqttBridge, func() []published) {
	var mu sync.Mutex
	var out []published
	b := &mqttBridge{prefix: "gomiot", client: client, log: quietLogger()}
	b.publish = func(topic string, retained bool, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, published{topic: topic, retained: retained, payload: payload})
	}
	return b, func() []published {
		mu.Lock()
		defer mu.Unlock()
		return append([]published(nil), out...)
	}
}

func TestSetTopicDID(t *testing.T) {
	b, _ := testBridge(nil)
	cases := map[string]struct {
		did string
		ok  bool
	}{
		"gomiot/devices/123/set":     {"123", true},
		"gomiot/devices/123/state":   {"", false},
		"gomiot/devices//set":        {"", false},
		"gomiot/devices/1/2/set":     {"", false},
		"other/devices/123/set":      {"", false},
		"gomiot/devices/blt.1.x/set": {"blt.1.x", true},
	}
	for topic, want := range cases {
		did, ok := b.setTopicDID(topic)
		assert.Equal(t, want.ok, ok, topic)
		assert.Equal(t, want.did, did, topic)
	}
	assert.Equal(t, "gomiot/devices/+/set", b.setFilter())
}

func TestPublishDeviceTopics(t *testing.T) {
	b, sent := testBridge(nil)
	at := time.Unix(1700000000, 0).UTC()
	dev := Device{DID: "9", State: "ready", Online: true, Address: "10.0.0.9"}

	b.PublishDevice(miio.Event{Kind: miio.EventStateChanged, DID: "9", State: miio.StateReady, At: at}, dev)
	b.PublishDevice(miio.Event{Kind: miio.EventAckTimeout, DID: "9", Method: "get_properties", Attempt: 2, Err: errors.New("boom"), At: at}, dev)
	b.PublishLogin(micloud.LoginEvent{Username: "u", State: micloud.LoginAuthenticated, UserID: 7, At: at})

	msgs := sent()
	require.Len(t, msgs, 3)
	assert.Equal(t, "gomiot/devices/9/state", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	assert.Equal(t, "gomiot/devices/9/event", msgs[1].topic)
	assert.False(t, msgs[1].retained)
	assert.Equal(t, "gomiot/accounts/u/login", msgs[2].topic)

	var ev deviceEventPayload
	require.NoError(t, json.Unmarshal(msgs[1].payload, &ev))
	assert.Equal(t, "ack_timeout", ev.Event)
	assert.Equal(t, "get_properties", ev.Method)
	assert.Equal(t, 2, ev.Attempt)
	assert.Equal(t, "boom", ev.Error)

	var login loginEventPayload
	require.NoError(t, json.Unmarshal(msgs[2].payload, &login))
	assert.Equal(t, "authenticated", login.State)
	assert.Equal(t, int64(7), login.UserID)
}

func TestHandleSetWritesProperties(t *testing.T) {
	device := newMockDevice(t, propertyHandler(nil))
	c := newTestClient(t, newFakeCloud(t), device.addr(), nil)
	b, sent := testBridge(c)

	b.handleSet(context.Background(), "gomiot/devices/"+testDID+"/set", []byte(`{"id":"req-1","property":"vacuum:mode","value":3}`))
	b.handleSet(context.Background(), "gomiot/devices/"+testDID+"/set", []byte(`{"properties":[{"siid":3,"piid":1,"value":50}]}`))
	b.handleSet(context.Background(), "gomiot/devices/"+testDID+"/set", []byte(`{"property":"battery:battery-level","value":1}`))
	b.handleSet(context.Background(), "gomiot/devices/"+testDID+"/set", []byte(`not json`))

	msgs := sent()
	require.Len(t, msgs, 4)
	results := make([]setResult, len(msgs))
	for i, m := range msgs {
		assert.Equal(t, "gomiot/devices/"+testDID+"/set/result", m.topic)
		require.NoError(t, json.Unmarshal(m.payload, &results[i]))
	}

	assert.Equal(t, "req-1", results[0].ID)
	assert.True(t, results[0].OK)
	require.Len(t, results[0].Results, 1)
	assert.Equal(t, 4, results[0].Results[0].PIID)

	assert.True(t, results[1].OK)
	assert.NotEmpty(t, results[1].ID)

	assert.False(t, results[2].OK)
	assert.Contains(t, results[2].Error, "not writable")

	assert.False(t, results[3].OK)
	assert.Contains(t, results[3].Error, "decode command")

	_, params := device.calls()
	require.Len(t, params, 2)
	assert.JSONEq(t, `[{"did":"`+testDID+`","siid":2,"piid":4,"value":3}]`, string(params[0]))
	assert.JSONEq(t, `[{"did":"`+testDID+`","siid":3,"piid":1,"value":50}]`, string(params[1]))
}

func TestHandleSetIgnoresForeignTopics(t *testing.T) {
	b, sent := testBridge(nil)
	b.handleSet(context.Background(), "elsewhere/1/set", []byte(`{}`))
	assert.Empty(t, sent())
}

func TestConnectMQTTGivesUpWhenStopped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	broker := "tcp://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	bridge, err := connectMQTT(ctx, MQTTConfig{Enabled: true, Broker: broker, TopicPrefix: "gomiot"}, nil, quietLogger())
	assert.Nil(t, bridge)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClosedClientRefusesPublisher(t *testing.T) {
	c := newTestClient(t, nil, "", nil)
	require.NoError(t, c.Close())

	pub := &recordingPublisher{}
	assert.False(t, c.setPublisher(pub))
	assert.Nil(t, c.currentPublisher())
}
