package publish

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

// tokenPublisher is the part of mqtt.Client the publisher needs.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher sends each snapshot to one topic, retained by default so a
// new subscriber gets the current state immediately.
type MQTTPublisher struct {
	client     tokenPublisher
	disconnect func()
	topic      string
	qos        byte
	retained   bool
}

func NewMQTTPublisher(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	p := newMQTTPublisher(client, cfg)
	p.disconnect = func() { client.Disconnect(250) }
	return p, nil
}

func newMQTTPublisher(client tokenPublisher, cfg config.MQTTConfig) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: cfg.Topic, qos: cfg.QoS, retained: cfg.Retained}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

func (p *MQTTPublisher) Publish(ctx context.Context, snap *model.Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic, p.qos, p.retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", p.topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	if p.disconnect != nil {
		p.disconnect()
	}
	return nil
}
