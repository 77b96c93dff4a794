package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stellarlinkco/lookout/internal/config"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 5 * time.Second
)

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes capture events to <prefix>/<org>/<device>.
type MQTTSink struct {
	client mqttPublisher
	prefix string
}

func NewMQTTSink(cfg config.MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt sink requires a broker")
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "lookout"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Printf("[events] mqtt connected to %s", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("[events] mqtt connection lost, reconnecting: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return newMQTTSink(client, cfg.TopicPrefix), nil
}

func newMQTTSink(client mqttPublisher, prefix string) *MQTTSink {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = config.DefaultMQTTTopicPrefix
	}
	return &MQTTSink{client: client, prefix: prefix}
}

func (m *MQTTSink) Name() string { return "mqtt" }

func (m *MQTTSink) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s", m.prefix, e.OrgID, e.DeviceID)
}

func (m *MQTTSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := m.client.Publish(m.Topic(e), mqttQoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}
