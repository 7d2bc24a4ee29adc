// Package events announces completed extractions to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "faceembed/extractions"

// ExtractionEvent is published after every /embeddings request that reached the model.
type ExtractionEvent struct {
	RequestID  string    `json:"requestId"`
	UserID     string    `json:"userId,omitempty"`
	ImageHash  string    `json:"imageHash"`
	Outcome    string    `json:"outcome"`
	Confidence float64   `json:"confidence,omitempty"`
	Dimensions int       `json:"dimensions,omitempty"`
	Cached     bool      `json:"cached"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers extraction events.
type Publisher interface {
	Publish(ctx context.Context, event ExtractionEvent) error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, ExtractionEvent) error { return nil }

// MQTTPublisher publishes events as JSON on a single topic.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewMQTTPublisher connects to broker and returns a publisher for topic.
func NewMQTTPublisher(broker, topic string, logger *zap.Logger) (*MQTTPublisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	logger = logger.Named("mqtt_publisher")

	clientID := "faceembed-" + uuid.NewString()
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", broker, err)
	}

	logger.Info("connected to mqtt broker", zap.String("broker", broker), zap.String("client_id", clientID))
	return newMQTTPublisher(client, topic, logger), nil
}

func newMQTTPublisher(client mqtt.Client, topic string, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, timeout: 5 * time.Second, logger: logger}
}

// Publish sends event with QoS 1 and waits for the broker acknowledgement.
func (p *MQTTPublisher) Publish(ctx context.Context, event ExtractionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := p.client.Publish(p.topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return errors.New("publish timed out")
	}
	return token.Error()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
