//go:build !no_mqtt

// Package mqtt mirrors device state to an MQTT broker and accepts attribute
// commands on per-device set topics.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"midea-bridge/internal/device"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the device hub to MQTT. Each merge delta is folded into a
// retained per-device state document; messages on <prefix>/<id>/set become
// SetAttributes calls.
type Bridge struct {
	client pahomqtt.Client
	hub    *device.Hub
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[uint64]map[string]any
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(hub *device.Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		hub:    hub,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[uint64]map[string]any),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("midea-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to hub events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.hub.Bus().On(device.EventAttributeUpdate, b.handleAttributeUpdate)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleAttributeUpdate(event device.Event) {
	data, ok := event.Data.(device.AttributeUpdateData)
	if !ok {
		return
	}
	b.updateAndPublishState(data.DeviceID, data.Delta)
}

func (b *Bridge) updateAndPublishState(id uint64, delta map[string]any) {
	b.publish(b.deviceTopic(id), b.foldDelta(id, delta), true)
}

// foldDelta merges a delta into the device's accumulated state document and
// returns the serialized result.
func (b *Bridge) foldDelta(id uint64, delta map[string]any) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[id]
	if !ok {
		state = make(map[string]any)
		b.states[id] = state
	}
	for k, v := range delta {
		state[k] = v
	}
	state["last_seen"] = time.Now().Format(time.RFC3339)
	return mustJSON(state)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllStates() {
	for _, session := range b.hub.List() {
		b.updateAndPublishState(session.Info().ID, session.Attributes())
	}
}

func (b *Bridge) subscribeCommands() {
	for _, session := range b.hub.List() {
		id := session.Info().ID
		topic := b.deviceTopic(id) + "/set"
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(id, msg.Payload())
		})
	}
}

func (b *Bridge) handleCommand(id uint64, payload []byte) {
	session, ok := b.hub.Get(id)
	if !ok {
		b.logger.Warn("command for unknown device", "device", id)
		return
	}

	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err != nil {
		b.logger.Warn("invalid command JSON", "device", id, "err", err)
		return
	}
	if len(attrs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := session.SetAttributes(ctx, attrs); err != nil {
		b.logger.Warn("command failed", "device", id, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) deviceTopic(id uint64) string {
	return b.prefix + "/" + strconv.FormatUint(id, 10)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
