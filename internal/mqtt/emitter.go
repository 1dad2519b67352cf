// Package mqtt publishes observations and stream status to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"birdwatch/internal/observation"
)

const publishTimeout = 2 * time.Second

// Config configures the emitter.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	StatusInterval time.Duration
}

// ObservationPayload is published to <prefix>/observations.
type ObservationPayload struct {
	ID         string    `json:"id"`
	Species    string    `json:"species"`
	Confidence *float64  `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	HasFrame   bool      `json:"has_frame"`
}

// Stats contains emitter counters.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Emitter publishes JSON messages under a topic prefix.
type Emitter struct {
	cfg    Config
	client paho.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewEmitter creates an emitter; Connect must be called before publishing.
func NewEmitter(cfg Config) *Emitter {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "birdwatch"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "birdwatch"
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 30 * time.Second
	}
	return &Emitter{cfg: cfg, published: make(map[string]uint64)}
}

// BrokerURL adds the tcp scheme to a bare host:port.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Topic returns the full topic for name.
func (e *Emitter) Topic(name string) string {
	return e.cfg.TopicPrefix + "/" + name
}

// Connect establishes the broker connection. The client reconnects on its
// own after a lost connection.
func (e *Emitter) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(BrokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(e.Topic("online"), "false", e.cfg.QoS, true)

	opts.OnConnect = func(c paho.Client) {
		e.setConnected(true)
		log.Printf("[MQTT] Connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
		c.Publish(e.Topic("online"), e.cfg.QoS, true, "true")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		e.setConnected(false)
		log.Printf("[MQTT] Connection lost, reconnecting: %v", err)
	}

	e.client = paho.NewClient(opts)
	log.Printf("[MQTT] Connecting to %s", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Disconnect closes the broker connection.
func (e *Emitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Publish(e.Topic("online"), e.cfg.QoS, true, "false").WaitTimeout(publishTimeout)
		e.client.Disconnect(250)
		log.Printf("[MQTT] Disconnected")
	}
	e.setConnected(false)
}

// NotifyObservation publishes ev to <prefix>/observations.
func (e *Emitter) NotifyObservation(_ context.Context, ev *observation.Event) error {
	return e.PublishJSON("observations", false, ObservationPayload{
		ID:         ev.ID,
		Species:    ev.Species,
		Confidence: ev.Confidence,
		CreatedAt:  ev.CreatedAt,
		HasFrame:   len(ev.Frame) > 0,
	})
}

// PublishJSON marshals v and publishes it to the named topic.
func (e *Emitter) PublishJSON(name string, retained bool, v any) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	topic := e.Topic(name)
	token := e.client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// RunStatus publishes status() as a retained message to <prefix>/status
// every status interval until ctx is done.
func (e *Emitter) RunStatus(ctx context.Context, status func() any) error {
	ticker := time.NewTicker(e.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.PublishJSON("status", true, status()); err != nil {
				log.Printf("[MQTT] Status publish failed: %v", err)
			}
		}
	}
}

// Stats returns emitter counters.
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
