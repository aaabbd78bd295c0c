package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"dialectic/api/internal/metrics"
)

const (
	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 10 * time.Second
	mqttQoS            = 1
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTSink publishes events to <prefix>/<group>/<type>.
type MQTTSink struct {
	client  mqtt.Client
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewMQTTSink connects to the broker. Lost connections reconnect in the
// background.
func NewMQTTSink(cfg MQTTConfig, logger *zap.Logger, m *metrics.Metrics) (*MQTTSink, error) {
	logger = logger.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to broker", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection to broker lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	return newMQTTSinkWithClient(client, cfg.TopicPrefix, logger, m), nil
}

func newMQTTSinkWithClient(client mqtt.Client, prefix string, logger *zap.Logger, m *metrics.Metrics) *MQTTSink {
	if prefix == "" {
		prefix = "dialectic"
	}
	return &MQTTSink{client: client, prefix: prefix, logger: logger, metrics: m}
}

// Topic returns the topic an event is published on.
func (s *MQTTSink) Topic(ev Event) string {
	group := ev.GroupID
	if group == "" {
		group = "global"
	}
	return s.prefix + "/" + group + "/" + ev.Type
}

func (s *MQTTSink) Broadcast(_ context.Context, ev Event) {
	if !s.client.IsConnected() {
		s.metrics.RecordBroadcastError("mqtt")
		s.logger.Debug("not connected, dropping event", zap.String("type", ev.Type))
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	topic := s.Topic(ev)
	token := s.client.Publish(topic, mqttQoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		s.metrics.RecordBroadcastError("mqtt")
		s.logger.Warn("publish timeout", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		s.metrics.RecordBroadcastError("mqtt")
		s.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
