package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ============================================================================
// MQTT bridge
// ============================================================================
//   <prefix>/set           in   {"state": true, "speed": 2} or ON / OFF / TOGGLE
//   <prefix>/state         out  {"powered": true, "speed": 2}       (retained)
//   <prefix>/availability  out  online / offline                    (retained, last will)
//   <prefix>/operation     out  operation_started / operation_completed
// ============================================================================

const (
	mqttKeepAlive      = 10 * time.Second
	mqttConnectTimeout = 5 * time.Second
	mqttTokenTimeout   = 5 * time.Second

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

type mqttTopics struct {
	set          string
	state        string
	availability string
	operation    string
}

func newMQTTTopics(prefix string) mqttTopics {
	prefix = strings.Trim(prefix, "/")
	return mqttTopics{
		set:          prefix + "/set",
		state:        prefix + "/state",
		availability: prefix + "/availability",
		operation:    prefix + "/operation",
	}
}

// MQTTBridge connects the daemon to an MQTT broker.
type MQTTBridge struct {
	client paho.Client
	topics mqttTopics
	qos    byte
	events chan<- Event
	logger *slog.Logger
}

// NewMQTTBridge connects to the broker. Subscriptions and the online
// message are (re)established on every connect.
func NewMQTTBridge(cfg MQTTConfig, events chan<- Event, logger *slog.Logger) (*MQTTBridge, error) {
	b := &MQTTBridge{
		topics: newMQTTTopics(cfg.TopicPrefix),
		qos:    byte(cfg.QoS),
		events: events,
		logger: logger,
	}

	password := ""
	if cfg.PasswordFile != "" {
		raw, err := os.ReadFile(ExpandPath(cfg.PasswordFile))
		if err != nil {
			return nil, fmt.Errorf("read mqtt password file: %w", err)
		}
		password = strings.TrimSpace(string(raw))
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(password).
		SetWill(b.topics.availability, availabilityOffline, b.qos, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Error("connection lost to MQTT broker", "error", err)
		}).
		SetAutoReconnect(true).
		SetKeepAlive(mqttKeepAlive).
		SetConnectTimeout(mqttConnectTimeout)

	b.client = paho.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return b, nil
}

func (b *MQTTBridge) onConnect(client paho.Client) {
	b.logger.Info("connected to MQTT broker", "set_topic", b.topics.set)

	token := client.Subscribe(b.topics.set, b.qos, b.handleSet)
	token.WaitTimeout(mqttTokenTimeout)
	if err := token.Error(); err != nil {
		b.logger.Error("MQTT subscribe failed", "topic", b.topics.set, "error", err)
	}
	b.publish(b.topics.availability, true, []byte(availabilityOnline))
}

func (b *MQTTBridge) handleSet(_ paho.Client, msg paho.Message) {
	ev, err := parseMQTTCommand(msg.Payload())
	if err != nil {
		b.logger.Warn("ignoring MQTT command", "topic", msg.Topic(), "error", err)
		return
	}
	select {
	case b.events <- Intent{Event: ev, Source: "mqtt", At: time.Now()}:
	default:
		b.logger.Warn("MQTT intent dropped, event queue full")
	}
}

// Run publishes daemon broadcasts until ctx is canceled or src closes,
// then marks the fan offline and disconnects.
func (b *MQTTBridge) Run(ctx context.Context, src <-chan StateBroadcast) {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-src:
			if !ok {
				return
			}
			b.publishBroadcast(msg)
		}
	}
}

func (b *MQTTBridge) publishBroadcast(msg StateBroadcast) {
	if st, ok := msg.(BroadcastStateChanged); ok {
		payload, err := json.Marshal(wsStateData{Powered: st.Powered, Speed: st.Speed})
		if err != nil {
			b.logger.Warn("MQTT marshal state failed", "error", err)
			return
		}
		b.publish(b.topics.state, true, payload)
		return
	}

	typ, at, data, ok := wsPayload(msg)
	if !ok {
		return
	}
	payload, err := marshalEnvelope(typ, at, data)
	if err != nil {
		b.logger.Warn("MQTT marshal operation failed", "error", err)
		return
	}
	b.publish(b.topics.operation, false, payload)
}

func (b *MQTTBridge) publish(topic string, retained bool, payload []byte) {
	token := b.client.Publish(topic, b.qos, retained, payload)
	if !token.WaitTimeout(mqttTokenTimeout) {
		b.logger.Warn("MQTT publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}

// Close publishes "offline" and disconnects.
func (b *MQTTBridge) Close() {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	b.publish(b.topics.availability, true, []byte(availabilityOffline))
	b.client.Disconnect(250)
}

// parseMQTTCommand accepts a JSON object {"state": bool, "speed": int} or
// one of the plain words ON, OFF and TOGGLE.
func parseMQTTCommand(payload []byte) (Event, error) {
	text := strings.TrimSpace(string(payload))
	switch strings.ToUpper(text) {
	case "ON":
		return TurnOn{}, nil
	case "OFF":
		return TurnOff{}, nil
	case "TOGGLE":
		return TogglePower{}, nil
	case "":
		return nil, fmt.Errorf("empty payload")
	}

	var req struct {
		State json.RawMessage `json:"state"`
		Speed *int            `json:"speed"`
	}
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	// A null state counts as absent.
	var ev SetFan
	if len(req.State) > 0 && string(req.State) != "null" {
		on, err := parseMQTTState(req.State)
		if err != nil {
			return nil, err
		}
		ev.State = &on
	}
	if req.Speed != nil {
		if _, err := toSpeed(*req.Speed); err != nil {
			return nil, err
		}
		ev.Speed = req.Speed
	}
	if ev.State == nil && ev.Speed == nil {
		return nil, fmt.Errorf("command needs state or speed")
	}
	return ev, nil
}

// parseMQTTState accepts true/false or the strings "ON"/"OFF".
func parseMQTTState(raw json.RawMessage) (bool, error) {
	var on bool
	if err := json.Unmarshal(raw, &on); err == nil {
		return on, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, fmt.Errorf("state must be a boolean or ON/OFF")
	}
	switch strings.ToUpper(s) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	default:
		return false, fmt.Errorf("state %q must be ON or OFF", s)
	}
}
