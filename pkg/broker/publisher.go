package broker

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher publishes text payloads to a topic.
type IPublisher interface {
	Publish(topic, payload string) error
}

// Publisher sends QoS 0, non retained messages on a shared client.
type Publisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

func NewPublisher(client mqtt.Client, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{client: client, timeout: timeout}
}

// Publish hands the message to paho and waits at most the publish timeout for
// it to leave the client. QoS 0 gives no delivery confirmation beyond that.
func (p *Publisher) Publish(topic, payload string) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timed out after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
