package miot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/joshp123/gomiot/plugins/miot/micloud"
	"github.com/joshp123/gomiot/plugins/miot/miio"
)

const publishTimeout = 5 * time.Second

// mqttBridge publishes device and login events and applies property writes
// received on <prefix>/devices/<did>/set.
type mqttBridge struct {
	// ctx bounds set commands; it ends when the plugin stops.
	ctx     context.Context
	conn    mqtt.Client
	prefix  string
	client  *Client
	log     *logrus.Entry
	publish func(topic string, retained bool, payload []byte)
}

type deviceEventPayload struct {
	DID     string    `json:"did"`
	Event   string    `json:"event"`
	State   string    `json:"state"`
	Online  bool      `json:"online"`
	Address string    `json:"address,omitempty"`
	Method  string    `json:"method,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type loginEventPayload struct {
	Account string    `json:"account"`
	State   string    `json:"state"`
	UserID  int64     `json:"user_id,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// setCommand writes either one named property or a list of addressed ones.
type setCommand struct {
	ID         string             `json:"id"`
	Property   string             `json:"property"`
	Value      any                `json:"value"`
	Properties []propertySelector `json:"properties"`
}

type setResult struct {
	ID      string                `json:"id"`
	DID     string                `json:"did"`
	OK      bool                  `json:"ok"`
	Error   string                `json:"error,omitempty"`
	Results []miio.PropertyResult `json:"results,omitempty"`
}

// connectMQTT dials the broker, retrying until it answers or ctx ends.
func connectMQTT(ctx context.Context, cfg MQTTConfig, client *Client, log *logrus.Entry) (*mqttBridge, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "gomiot-" + uuid.NewString()
	}

	b := &mqttBridge{ctx: ctx, prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"), client: client, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(b.availabilityTopic(), "offline", 0, true)
	opts.OnConnect = func(c mqtt.Client) {
		if token := c.Subscribe(b.setFilter(), 0, b.onSetMessage); token.Wait() && token.Error() != nil {
			b.log.WithError(token.Error()).Warn("mqtt subscribe failed")
		}
		c.Publish(b.availabilityTopic(), 0, true, "online")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.log.WithError(err).Warn("mqtt connection lost")
	}

	conn := mqtt.NewClient(opts)
	token := conn.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, err
		}
	case <-ctx.Done():
		conn.Disconnect(0)
		return nil, ctx.Err()
	}
	b.conn = conn
	b.publish = b.publishAsync
	return b, nil
}

func (b *mqttBridge) publishAsync(topic string, retained bool, payload []byte) {
	token := b.conn.Publish(topic, 0, retained, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			b.log.WithError(token.Error()).WithField("topic", topic).Debug("mqtt publish failed")
		}
	}()
}

func (b *mqttBridge) availabilityTopic() string {
	return b.prefix + "/status"
}

func (b *mqttBridge) deviceTopic(did, leaf string) string {
	return b.prefix + "/devices/" + did + "/" + leaf
}

func (b *mqttBridge) setFilter() string {
	return b.prefix + "/devices/+/set"
}

// setTopicDID extracts the did from a set topic.
func (b *mqttBridge) setTopicDID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/devices/")
	if !ok {
		return "", false
	}
	did, ok := strings.CutSuffix(rest, "/set")
	if !ok || did == "" || strings.Contains(did, "/") {
		return "", false
	}
	return did, true
}

func (b *mqttBridge) PublishDevice(ev miio.Event, dev Device) {
	payload := deviceEventPayload{
		DID:     ev.DID,
		Event:   string(ev.Kind),
		State:   dev.State,
		Online:  dev.Online,
		Address: dev.Address,
		Method:  ev.Method,
		Attempt: ev.Attempt,
		At:      ev.At,
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if ev.Kind == miio.EventStateChanged {
		b.publish(b.deviceTopic(ev.DID, "state"), true, data)
		return
	}
	b.publish(b.deviceTopic(ev.DID, "event"), false, data)
}

func (b *mqttBridge) PublishLogin(ev micloud.LoginEvent) {
	payload := loginEventPayload{
		Account: ev.Username,
		State:   ev.State.String(),
		UserID:  ev.UserID,
		At:      ev.At,
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.publish(b.prefix+"/accounts/"+ev.Username+"/login", true, data)
}

func (b *mqttBridge) Close() {
	if b.conn == nil {
		return
	}
	b.conn.Publish(b.availabilityTopic(), 0, true, "offline").WaitTimeout(publishTimeout)
	b.conn.Disconnect(250)
}

func (b *mqttBridge) onSetMessage(_ mqtt.Client, msg mqtt.Message) {
	topic, payload := msg.Topic(), append([]byte(nil), msg.Payload()...)
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go b.handleSet(ctx, topic, payload)
}

func (b *mqttBridge) handleSet(ctx context.Context, topic string, payload []byte) {
	did, ok := b.setTopicDID(topic)
	if !ok {
		return
	}
	result := setResult{DID: did}
	var cmd setCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		result.ID = uuid.NewString()
		result.Error = fmt.Sprintf("decode command: %v", err)
		b.reply(result)
		return
	}
	result.ID = cmd.ID
	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	results, err := b.apply(ctx, did, cmd)
	if err != nil {
		result.Error = err.Error()
		b.log.WithError(err).WithField("did", did).Warn("mqtt set command failed")
	} else {
		result.OK = true
		result.Results = results
	}
	b.reply(result)
}

func (b *mqttBridge) apply(ctx context.Context, did string, cmd setCommand) ([]miio.PropertyResult, error) {
	if cmd.Property != "" {
		res, err := b.client.SetPropertyByName(ctx, did, cmd.Property, cmd.Value)
		if err != nil {
			return nil, err
		}
		return []miio.PropertyResult{res}, nil
	}
	if len(cmd.Properties) == 0 {
		return nil, errors.New("command has no property")
	}
	props := make([]miio.Property, 0, len(cmd.Properties))
	for _, p := range cmd.Properties {
		if p.SIID <= 0 || p.PIID <= 0 {
			return nil, errors.New("each property needs siid and piid")
		}
		props = append(props, miio.Property{SIID: p.SIID, IID: p.PIID, Value: p.Value})
	}
	return b.client.SetProperties(ctx, did, props)
}

func (b *mqttBridge) reply(result setResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	b.publish(b.deviceTopic(result.DID, "set/result"), false, data)
}
