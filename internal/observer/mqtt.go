package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSinkConfig names the broker and topic this sink publishes to,
// grounded on the teacher's emitter.MQTTEmitter construction from
// config.Config.MQTT.
type MQTTSinkConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// MQTTSink subscribes to a Bus and republishes every Event as JSON on
// an MQTT topic, grounded on the teacher's
// References/orion-prototipe/internal/emitter/mqtt.go MQTTEmitter:
// same auto-reconnect options, same connected/errors bookkeeping, same
// WaitTimeout-bounded publish calls. It never blocks the bus: a publish
// failure is counted and logged, never retried synchronously.
type MQTTSink struct {
	cfg    MQTTSinkConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTSink constructs a disconnected sink. Call Connect before
// Run.
func NewMQTTSink(cfg MQTTSinkConfig) *MQTTSink {
	return &MQTTSink{cfg: cfg}
}

// Connect dials the configured broker with auto-reconnect enabled,
// mirroring MQTTEmitter.Connect's option set.
func (s *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	opts.SetClientID(s.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		slog.Info("observer mqtt sink connected", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		slog.Warn("observer mqtt sink connection lost", "error", err, "broker", s.cfg.Broker)
	}

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("observer mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("observer mqtt connect failed: %w", err)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection, giving in-flight publishes a
// brief grace period.
func (s *MQTTSink) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// Run subscribes to ch and publishes every Event received until ch is
// closed or ctx is done. Intended to run on its own goroutine, fed by
// Bus.Subscribe.
func (s *MQTTSink) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.publish(ev)
		}
	}
}

func (s *MQTTSink) publish(ev Event) {
	if !s.isConnected() {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		return
	}

	payload, err := json.Marshal(eventWire{
		Kind:      ev.Kind.String(),
		At:        ev.At,
		Timepoint: ev.Timepoint,
		OldState:  ev.OldState.String(),
		NewState:  ev.NewState.String(),
		FOV:       ev.FOV.String(),
	})
	if err != nil {
		slog.Error("observer mqtt sink failed to marshal event", "error", err)
		return
	}

	token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		slog.Warn("observer mqtt sink publish timeout", "kind", ev.Kind)
		return
	}
	if err := token.Error(); err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		slog.Error("observer mqtt sink publish failed", "error", err, "kind", ev.Kind)
		return
	}

	s.mu.Lock()
	s.published++
	s.mu.Unlock()
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Stats reports delivery counters for operator-facing health checks.
func (s *MQTTSink) Stats() (published, errors uint64, connected bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.published, s.errors, s.connected
}

// eventWire is the JSON projection of Event published on the wire; it
// flattens the typed fields the MQTT consumer actually needs rather
// than round-tripping the full Go struct.
type eventWire struct {
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	Timepoint int       `json:"timepoint"`
	OldState  string    `json:"old_state,omitempty"`
	NewState  string    `json:"new_state,omitempty"`
	FOV       string    `json:"fov,omitempty"`
}
