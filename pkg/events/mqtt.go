package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// DefaultTopicPrefix roots event topics when none is configured.
const DefaultTopicPrefix = "agentlayer/runs"

var (
	// ErrConnectTimeout indicates the broker did not accept the connection in time.
	ErrConnectTimeout = errors.New("mqtt connect timeout")
	// ErrPublishTimeout indicates the broker did not acknowledge a publish in time.
	ErrPublishTimeout = errors.New("mqtt publish timeout")
)

// MQTTConfig configures an MQTTPublisher.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string
	// Timeout bounds connect and publish acknowledgements.
	Timeout time.Duration
	Logger  *slog.Logger
}

// mqttClient is the part of paho.Client the publisher uses.
type mqttClient interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// MQTTPublisher publishes events as JSON to <prefix>/<run_id>/<type>.
type MQTTPublisher struct {
	client  mqttClient
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// NewMQTTPublisher connects to the broker and returns a publisher. The client
// reconnects automatically after the first successful connection.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "agentlayer"
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetKeepAlive(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	p := newMQTTPublisher(paho.NewClient(opts), cfg)
	token := p.client.Connect()
	if !token.WaitTimeout(p.timeout) {
		return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	p.logger.Info("mqtt event publisher connected", "broker", cfg.Broker, "topic_prefix", p.prefix)
	return p, nil
}

func newMQTTPublisher(client mqttClient, cfg MQTTConfig) *MQTTPublisher {
	prefix := strings.TrimRight(strings.TrimSpace(cfg.TopicPrefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	qos := cfg.QoS
	if qos > 2 {
		qos = 1
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: qos, timeout: timeout, logger: logger}
}

// Topic returns the topic an event is published to.
func (p *MQTTPublisher) Topic(event Event) string {
	return p.prefix + "/" + event.RunID + "/" + string(event.Type)
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("mqtt publisher is closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	token := p.client.Publish(p.Topic(event), p.qos, false, payload)
	select {
	case <-token.Done():
	case <-time.After(p.timeout):
		return fmt.Errorf("%w: %s", ErrPublishTimeout, p.Topic(event))
	case <-ctx.Done():
		return ctx.Err()
	}
	return token.Error()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
