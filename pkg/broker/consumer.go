package broker

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MultiConsumer subscribes a fixed set of topic filters on a client and routes
// every message to one handler.
type MultiConsumer struct {
	topics  []string
	qos     byte
	timeout time.Duration
	handler func(topic string, payload []byte)
}

func NewMultiConsumer(topics []string, handler func(topic string, payload []byte)) *MultiConsumer {
	return &MultiConsumer{
		topics:  topics,
		timeout: 5 * time.Second,
		handler: handler,
	}
}

func (m *MultiConsumer) SetHandler(handler func(topic string, payload []byte)) {
	m.handler = handler
}

func (m *MultiConsumer) Topics() []string {
	return m.topics
}

// Subscribe registers every topic on client. It stops at the first failure so
// the caller can drop the session and start over.
func (m *MultiConsumer) Subscribe(client mqtt.Client) error {
	for _, topic := range m.topics {
		token := client.Subscribe(topic, m.qos, m.route)
		if !token.WaitTimeout(m.timeout) {
			return fmt.Errorf("subscribe %s: timed out after %s", topic, m.timeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Unsubscribe drops all topics; errors are ignored since the client is
// usually on its way out.
func (m *MultiConsumer) Unsubscribe(client mqtt.Client) {
	if client == nil || !client.IsConnectionOpen() {
		return
	}
	client.Unsubscribe(m.topics...).WaitTimeout(m.timeout)
}

func (m *MultiConsumer) route(_ mqtt.Client, msg mqtt.Message) {
	if m.handler == nil {
		return
	}
	m.handler(msg.Topic(), msg.Payload())
}
