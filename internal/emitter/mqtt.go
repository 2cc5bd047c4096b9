// Package emitter publishes detection events to an MQTT broker for
// downstream consumers (recorders, alerting, dashboards). The emitter is
// optional; an empty broker address disables it entirely.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/visiona/lince/internal/config"
	"github.com/visiona/lince/internal/types"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTT publishes one message per admitted detection result to
// <topic_prefix>/detections/<conn_id>, QoS 0. It satisfies the
// broadcaster's Observer interface, so it sees exactly what connected
// viewers see.
type MQTT struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool

	published atomic.Uint64
	errors    atomic.Uint64
}

type event struct {
	Type   string `json:"type"`
	ConnID string `json:"connId"`
	types.DetectionResult
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// New creates an emitter for the given broker settings.
func New(cfg config.MQTTConfig) *MQTT {
	return &MQTT{cfg: cfg}
}

// Connect establishes the broker connection with automatic reconnect.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// Observe publishes one detection result. It never blocks the caller on
// broker round trips; acks are accounted for in the background.
func (e *MQTT) Observe(connID string, result types.DetectionResult) {
	if !e.isConnected() {
		e.errors.Add(1)
		return
	}

	payload, err := json.Marshal(event{Type: "detection", ConnID: connID, DetectionResult: result})
	if err != nil {
		e.errors.Add(1)
		slog.Error("failed to marshal detection event", "error", err, "conn_id", connID)
		return
	}

	topic := fmt.Sprintf("%s/detections/%s", e.cfg.TopicPrefix, connID)
	token := e.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			e.errors.Add(1)
			slog.Warn("mqtt publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			e.errors.Add(1)
			slog.Warn("mqtt publish failed", "topic", topic, "error", err)
			return
		}
		e.published.Add(1)
	}()
}

// Disconnect closes the broker connection.
func (e *MQTT) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}

// Connected reports whether the broker link is currently up.
func (e *MQTT) Connected() bool {
	return e.isConnected()
}

// Stats returns emitter statistics.
func (e *MQTT) Stats() Stats {
	return Stats{
		Connected: e.isConnected(),
		Published: e.published.Load(),
		Errors:    e.errors.Load(),
	}
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}
